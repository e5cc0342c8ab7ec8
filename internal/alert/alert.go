// Package alert fans operator notifications out to Telegram, Slack and the log
package alert

import (
	"context"
	"sync"
	"time"

	"signal_router/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

const (
	outboxSize  = 256
	sendTimeout = 30 * time.Second
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// outbox delivers one channel's alerts in order on its own goroutine
type outbox struct {
	ch    AlertChannel
	queue chan AlertPayload
}

// AlertManager implements core.INotifier. Delivery is asynchronous and best effort: a full
// outbox drops the alert with a log line rather than blocking the caller.
type AlertManager struct {
	outboxes []*outbox
	logger   core.ILogger
	mu       sync.RWMutex
	wg       sync.WaitGroup
	closed   bool
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	ob := &outbox{ch: ch, queue: make(chan AlertPayload, outboxSize)}
	am.outboxes = append(am.outboxes, ob)

	am.wg.Add(1)
	go am.deliver(ob)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) deliver(ob *outbox) {
	defer am.wg.Done()
	for payload := range ob.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := ob.ch.Send(ctx, payload); err != nil {
			am.logger.Error("Failed to send alert", "channel", ob.ch.Name(), "title", payload.Title, "error", err)
		}
		cancel()
	}
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.mu.RLock()
	defer am.mu.RUnlock()
	if am.closed {
		return
	}
	for _, ob := range am.outboxes {
		select {
		case ob.queue <- payload:
		default:
			am.logger.Warn("Alert outbox full, dropping alert", "channel", ob.ch.Name(), "title", title)
		}
	}
}

// Notify implements core.INotifier
func (am *AlertManager) Notify(ctx context.Context, n core.Notification) {
	am.Alert(ctx, n.Title, n.Message, levelOf(n.Severity), n.Fields)
}

// Close stops accepting alerts and waits up to timeout for queued ones to be delivered
func (am *AlertManager) Close(timeout time.Duration) {
	am.mu.Lock()
	if am.closed {
		am.mu.Unlock()
		return
	}
	am.closed = true
	for _, ob := range am.outboxes {
		close(ob.queue)
	}
	am.mu.Unlock()

	done := make(chan struct{})
	go func() {
		am.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		am.logger.Warn("Timed out flushing alerts")
	}
}

func levelOf(s core.Severity) AlertLevel {
	switch s {
	case core.SeverityWarning:
		return Warning
	case core.SeverityError:
		return Error
	case core.SeverityCritical:
		return Critical
	default:
		return Info
	}
}
