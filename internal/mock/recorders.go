package mock

import (
	"context"
	"strings"
	"sync"

	"signal_router/internal/core"
)

// Notifier records notifications
type Notifier struct {
	mu   sync.Mutex
	sent []core.Notification
}

func (n *Notifier) Notify(ctx context.Context, notification core.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *Notifier) Sent() []core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// Count returns how many notifications have a title containing substr
func (n *Notifier) Count(substr string) int {
	count := 0
	for _, s := range n.Sent() {
		if strings.Contains(s.Title, substr) {
			count++
		}
	}
	return count
}

func (n *Notifier) HasSeverity(sev core.Severity) bool {
	for _, s := range n.Sent() {
		if s.Severity == sev {
			return true
		}
	}
	return false
}

// Journal records journal entries and can be told to fail. A second entry for the same
// signal is dropped, matching the unique signal id of the database journal.
type Journal struct {
	mu      sync.Mutex
	Entries []core.JournalEntry
	Err     error
}

func (j *Journal) Append(ctx context.Context, entry core.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	for _, e := range j.Entries {
		if e.SignalID == entry.SignalID {
			return nil
		}
	}
	j.Entries = append(j.Entries, entry)
	return nil
}

// Publisher records published feed messages
type Publisher struct {
	mu       sync.Mutex
	Messages []string
}

func (p *Publisher) Publish(msgType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, msgType)
}

func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Messages))
	copy(out, p.Messages)
	return out
}
