package telemetry

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsProcessedTotal = "signal_router_signals_processed_total"
	MetricOrdersPlacedTotal     = "signal_router_orders_placed_total"
	MetricOrdersRejectedTotal   = "signal_router_orders_rejected_total"
	MetricNoCapacityTotal       = "signal_router_allocation_no_capacity_total"
	MetricLedgerAnomaliesTotal  = "signal_router_ledger_anomalies_total"
	MetricRealizedPnL           = "signal_router_realized_pnl_usd"
	MetricEventDuration         = "signal_router_event_processing_seconds"
	MetricPendingRisk           = "signal_router_pending_risk_usd"
	MetricTrackedTrades         = "signal_router_tracked_trades"
	MetricSyncDiscrepancies     = "signal_router_sync_discrepancies"
	MetricQueueDepth            = "signal_router_queue_depth"
)

// MetricsHolder holds initialized instruments. Record/Set helpers are no-ops until InitMetrics runs.
type MetricsHolder struct {
	SignalsProcessedTotal metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	NoCapacityTotal       metric.Int64Counter
	LedgerAnomaliesTotal  metric.Int64Counter
	RealizedPnL           metric.Float64Histogram
	EventDuration         metric.Float64Histogram
	PendingRisk           metric.Float64ObservableGauge
	TrackedTrades         metric.Int64ObservableGauge
	SyncDiscrepancies     metric.Int64ObservableGauge
	QueueDepth            metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	pendingRiskMap   map[int]float64
	trackedTradesMap map[string]int64
	discrepancyMap   map[string]int64
	queueDepth       int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingRiskMap:   make(map[int]float64),
			trackedTradesMap: make(map[string]int64),
			discrepancyMap:   make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.SignalsProcessedTotal, err = meter.Int64Counter(MetricSignalsProcessedTotal,
		metric.WithDescription("Events processed by kind and outcome")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Conditional orders accepted by the venue")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Conditional orders rejected by the venue")); err != nil {
		return err
	}
	if m.NoCapacityTotal, err = meter.Int64Counter(MetricNoCapacityTotal,
		metric.WithDescription("Signals that found no account with capacity")); err != nil {
		return err
	}
	if m.LedgerAnomaliesTotal, err = meter.Int64Counter(MetricLedgerAnomaliesTotal,
		metric.WithDescription("Risk releases that would have underflowed")); err != nil {
		return err
	}
	if m.RealizedPnL, err = meter.Float64Histogram(MetricRealizedPnL,
		metric.WithDescription("Realized P/L per closed trade"), metric.WithUnit("USD")); err != nil {
		return err
	}
	if m.EventDuration, err = meter.Float64Histogram(MetricEventDuration,
		metric.WithDescription("Time spent handling one queue event"), metric.WithUnit("s")); err != nil {
		return err
	}

	m.PendingRisk, err = meter.Float64ObservableGauge(MetricPendingRisk, metric.WithDescription("Pending risk per account"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acc, val := range m.pendingRiskMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", strconv.Itoa(acc))))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TrackedTrades, err = meter.Int64ObservableGauge(MetricTrackedTrades, metric.WithDescription("Tracked trades by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.trackedTradesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SyncDiscrepancies, err = meter.Int64ObservableGauge(MetricSyncDiscrepancies, metric.WithDescription("Discrepancies found by the last reconciliation"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for typ, val := range m.discrepancyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Events waiting in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.queueDepth)
			return nil
		}))
	return err
}

func (m *MetricsHolder) RecordSignal(ctx context.Context, kind, outcome string) {
	if m.SignalsProcessedTotal == nil {
		return
	}
	m.SignalsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsHolder) RecordOrderPlaced(ctx context.Context, accountID int) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("account", strconv.Itoa(accountID))))
}

func (m *MetricsHolder) RecordOrderRejected(ctx context.Context, accountID int) {
	if m.OrdersRejectedTotal == nil {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("account", strconv.Itoa(accountID))))
}

func (m *MetricsHolder) RecordNoCapacity(ctx context.Context) {
	if m.NoCapacityTotal == nil {
		return
	}
	m.NoCapacityTotal.Add(ctx, 1)
}

func (m *MetricsHolder) RecordLedgerAnomaly(ctx context.Context, accountID int) {
	if m.LedgerAnomaliesTotal == nil {
		return
	}
	m.LedgerAnomaliesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("account", strconv.Itoa(accountID))))
}

func (m *MetricsHolder) RecordRealizedPnL(ctx context.Context, pnl float64) {
	if m.RealizedPnL == nil {
		return
	}
	m.RealizedPnL.Record(ctx, pnl)
}

func (m *MetricsHolder) RecordEventDuration(ctx context.Context, kind string, seconds float64) {
	if m.EventDuration == nil {
		return
	}
	m.EventDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *MetricsHolder) SetPendingRisk(accountID int, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRiskMap[accountID] = value
}

func (m *MetricsHolder) SetTrackedTrades(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedTradesMap[status] = count
}

func (m *MetricsHolder) SetDiscrepancies(typ string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discrepancyMap[typ] = count
}

func (m *MetricsHolder) SetQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}

// GetPendingRisk returns a copy of the pending risk gauge state
func (m *MetricsHolder) GetPendingRisk() map[int]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[int]float64, len(m.pendingRiskMap))
	for k, v := range m.pendingRiskMap {
		res[k] = v
	}
	return res
}

// GetDiscrepancies returns a copy of the discrepancy gauge state
func (m *MetricsHolder) GetDiscrepancies() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.discrepancyMap))
	for k, v := range m.discrepancyMap {
		res[k] = v
	}
	return res
}
