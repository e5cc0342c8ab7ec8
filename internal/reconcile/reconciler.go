// Package reconcile compares tracked trades with the venue's live positions
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"signal_router/internal/core"
	"signal_router/pkg/concurrency"
	apperrors "signal_router/pkg/errors"
	"signal_router/pkg/telemetry"
)

const runTimeout = 60 * time.Second

// positionKey matches a tracked trade to a venue position
type positionKey struct {
	accountID  int
	instrument string
	direction  core.Direction
}

type accountFetch struct {
	accountID int
	positions []core.VenuePosition
	err       error
}

// Reconciler implements core.IReconciler. It only reads: the store, the ledger and the venue are never written.
type Reconciler struct {
	accounts core.IAccounts
	store    core.IPositionStore
	notifier core.INotifier
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	interval time.Duration

	publisher core.IEventPublisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	status     core.ReconcileStatus
	lastReport *core.SyncReport
	statusMu   sync.RWMutex
}

func NewReconciler(
	accounts core.IAccounts,
	store core.IPositionStore,
	notifier core.INotifier,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
	interval time.Duration,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		accounts: accounts,
		store:    store,
		notifier: notifier,
		pool:     pool,
		logger:   logger.WithField("component", "reconciler"),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		status:   core.ReconcileStatus{Status: "never_run"},
	}
}

// Start begins the periodic loop. A zero interval leaves reconciliation manual-only.
// SetPublisher streams every completed report as a "sync_report" event. Call before Start.
func (r *Reconciler) SetPublisher(p core.IEventPublisher) {
	r.publisher = p
}

func (r *Reconciler) Start(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("Periodic reconciliation disabled")
		return nil
	}
	r.logger.Info("Starting reconciler", "interval", r.interval.String())

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, runTimeout)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// TriggerManual runs one pass immediately
func (r *Reconciler) TriggerManual(ctx context.Context) (*core.SyncReport, error) {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

func (r *Reconciler) GetStatus() core.ReconcileStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// LastReport returns the most recent completed report, or nil before the first run
func (r *Reconciler) LastReport() *core.SyncReport {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastReport
}

// Reconcile performs a single pass
func (r *Reconciler) Reconcile(ctx context.Context) (*core.SyncReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	startTime := time.Now()
	recID := fmt.Sprintf("rec_%d", startTime.UnixNano())

	r.statusMu.Lock()
	r.status = core.ReconcileStatus{LastRunID: recID, Status: "running", StartedAt: startTime}
	r.statusMu.Unlock()

	r.logger.Info("Starting reconciliation pass", "id", recID)

	report := &core.SyncReport{
		ID:              recID,
		GeneratedAt:     startTime.UTC(),
		Unmanaged:       []core.UnmanagedPosition{},
		PrematureActive: []core.SyncIssue{},
		Ghost:           []core.SyncIssue{},
		Orphaned:        []core.OrphanedEntry{},
		Unprotected:     []core.SyncIssue{},
		AccountErrors:   map[int]string{},
	}

	// 1. Local state
	tracked, err := r.loadTracked(ctx, report)
	if err != nil {
		r.updateStatusFailed(startTime, err)
		return nil, err
	}

	// 2. Venue state, fetched concurrently and merged in account order
	fetches := r.fetchPositions(ctx)

	// 3. Classify
	remaining := make(map[positionKey]*core.TrackedTrade, len(tracked))
	for _, t := range tracked {
		remaining[positionKey{t.AccountID, t.Instrument, t.Direction}] = t
	}
	for _, f := range fetches {
		if f.err != nil {
			r.logger.Warn("Skipping account, position fetch failed", "account_id", f.accountID, "error", f.err)
			report.AccountErrors[f.accountID] = f.err.Error()
			continue
		}
		for _, p := range f.positions {
			key := positionKey{f.accountID, p.Instrument, p.Direction}
			trade, ok := remaining[key]
			if !ok {
				report.Unmanaged = append(report.Unmanaged, core.UnmanagedPosition{
					AccountID:  f.accountID,
					Instrument: p.Instrument,
					Direction:  p.Direction,
					Size:       p.Size,
				})
				continue
			}
			delete(remaining, key)

			if trade.Status == core.StatusPending {
				report.PrematureActive = append(report.PrematureActive, issue(core.IssuePrematureActive, trade,
					"tracked as pending but the venue shows an open position"))
				continue
			}
			if !p.HasStopLoss() || !p.HasTakeProfit() {
				report.Unprotected = append(report.Unprotected, issue(core.IssueUnprotected, trade,
					missingProtection(p)))
			}
		}
	}

	for _, t := range remaining {
		if t.Status != core.StatusActive {
			continue
		}
		if _, failed := report.AccountErrors[t.AccountID]; failed {
			continue
		}
		report.Ghost = append(report.Ghost, issue(core.IssueGhost, t,
			"tracked as active but the venue shows no position"))
	}
	sortIssues(report.Ghost)

	r.publish(ctx, report)

	duration := time.Since(startTime)
	r.statusMu.Lock()
	r.status.Status = "completed"
	r.status.Duration = duration
	r.status.Discrepancies = report.DiscrepancyCount()
	r.lastReport = report
	r.statusMu.Unlock()

	r.logger.Info("Reconciliation pass completed",
		"id", recID,
		"managed", report.TotalManaged,
		"discrepancies", report.DiscrepancyCount(),
		"account_errors", len(report.AccountErrors),
		"duration", duration.String())
	return report, nil
}

// loadTracked reads every indexed trade. Entries whose record is missing or unreadable are reported as orphaned.
func (r *Reconciler) loadTracked(ctx context.Context, report *core.SyncReport) ([]*core.TrackedTrade, error) {
	ids, err := r.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked trades: %w", err)
	}

	tracked := make([]*core.TrackedTrade, 0, len(ids))
	for _, id := range ids {
		t, err := r.store.Get(ctx, id)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			report.Orphaned = append(report.Orphaned, core.OrphanedEntry{SignalID: id, Issue: "missing_record"})
			continue
		case errors.Is(err, apperrors.ErrCorruptRecord):
			report.Orphaned = append(report.Orphaned, core.OrphanedEntry{SignalID: id, Issue: "corrupt_record"})
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to read trade %s: %w", id, err)
		}

		tracked = append(tracked, t)
		report.TotalManaged++
		if t.Status == core.StatusActive {
			report.ActiveManaged++
		} else {
			report.PendingManaged++
		}
	}
	return tracked, nil
}

func (r *Reconciler) fetchPositions(ctx context.Context) []accountFetch {
	ids := r.accounts.IDs()
	results := make([]accountFetch, len(ids))
	tasks := make([]func() error, len(ids))
	for i, id := range ids {
		results[i].accountID = id
		tasks[i] = func() error {
			client, ok := r.accounts.Get(id)
			if !ok {
				return fmt.Errorf("%w: %d", apperrors.ErrUnknownAccount, id)
			}
			positions, err := client.ListOpenPositions(ctx)
			results[i].positions = positions
			return err
		}
	}
	for i, err := range r.pool.RunAll(tasks) {
		results[i].err = err
	}
	return results
}

func (r *Reconciler) publish(ctx context.Context, report *core.SyncReport) {
	m := telemetry.GetGlobalMetrics()
	m.SetTrackedTrades(string(core.StatusActive), int64(report.ActiveManaged))
	m.SetTrackedTrades(string(core.StatusPending), int64(report.PendingManaged))
	m.SetDiscrepancies("unmanaged", int64(len(report.Unmanaged)))
	m.SetDiscrepancies("premature_active", int64(len(report.PrematureActive)))
	m.SetDiscrepancies("ghost", int64(len(report.Ghost)))
	m.SetDiscrepancies("orphaned", int64(len(report.Orphaned)))
	m.SetDiscrepancies("unprotected", int64(len(report.Unprotected)))

	if r.publisher != nil {
		r.publisher.Publish("sync_report", report)
	}
	if report.DiscrepancyCount() == 0 {
		return
	}
	r.notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityWarning,
		Title:    "Reconciliation found discrepancies",
		Message:  summary(report),
	})
}

func (r *Reconciler) updateStatusFailed(startTime time.Time, err error) {
	r.statusMu.Lock()
	r.status.Status = "failed"
	r.status.Duration = time.Since(startTime)
	r.status.Error = err.Error()
	r.statusMu.Unlock()
}

func issue(typ string, t *core.TrackedTrade, detail string) core.SyncIssue {
	return core.SyncIssue{
		Type:       typ,
		AccountID:  t.AccountID,
		Instrument: t.Instrument,
		Direction:  t.Direction,
		SignalID:   t.SignalID,
		Detail:     detail,
	}
}

func missingProtection(p core.VenuePosition) string {
	switch {
	case !p.HasStopLoss() && !p.HasTakeProfit():
		return "position has neither stop loss nor take profit"
	case !p.HasStopLoss():
		return "position has no stop loss"
	default:
		return "position has no take profit"
	}
}

func sortIssues(issues []core.SyncIssue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].AccountID != issues[j].AccountID {
			return issues[i].AccountID < issues[j].AccountID
		}
		if issues[i].Instrument != issues[j].Instrument {
			return issues[i].Instrument < issues[j].Instrument
		}
		return issues[i].Direction < issues[j].Direction
	})
}

func summary(report *core.SyncReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Run:* `%s`\n", report.ID)
	for _, u := range report.Unmanaged {
		fmt.Fprintf(&b, "Unmanaged: [Sub-%d] `%s` %s size `%s`\n", u.AccountID, u.Instrument, u.Direction.Upper(), u.Size)
	}
	for _, group := range [][]core.SyncIssue{report.PrematureActive, report.Ghost, report.Unprotected} {
		for _, s := range group {
			fmt.Fprintf(&b, "%s: [Sub-%d] `%s` %s (`%s`)\n", s.Type, s.AccountID, s.Instrument, s.Direction.Upper(), s.SignalID)
		}
	}
	for _, o := range report.Orphaned {
		fmt.Fprintf(&b, "Orphaned: `%s` (%s)\n", o.SignalID, o.Issue)
	}
	return b.String()
}
