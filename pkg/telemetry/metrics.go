package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricPnLRealizedTotal    = "grid_engine_pnl_realized_total"
	MetricPnLUnrealized       = "grid_engine_pnl_unrealized"
	MetricActiveBots          = "grid_engine_active_bots"
	MetricOrdersPlacedTotal   = "grid_engine_orders_placed_total"
	MetricOrdersFilledTotal   = "grid_engine_orders_filled_total"
	MetricFillEventsTotal     = "grid_engine_fill_events_total"
	MetricReconcileRunsTotal  = "grid_engine_reconcile_runs_total"
	MetricOrdersRestoredTotal = "grid_engine_orders_restored_total"
	MetricProxyFailoversTotal = "grid_engine_proxy_failovers_total"
	MetricClockResyncsTotal   = "grid_engine_clock_resyncs_total"
)

// MetricsHolder holds the initialized domain instruments.
type MetricsHolder struct {
	PnLRealizedTotal    metric.Float64Counter
	PnLUnrealized       metric.Float64ObservableGauge
	ActiveBots          metric.Int64ObservableGauge
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	FillEventsTotal     metric.Int64Counter
	ReconcileRunsTotal  metric.Int64Counter
	OrdersRestoredTotal metric.Int64Counter
	ProxyFailoversTotal metric.Int64Counter
	ClockResyncsTotal   metric.Int64Counter

	// State behind the observable gauges.
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	activeBots       int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder. Until InitMetrics
// runs against a real meter the instruments are no-ops, so hot paths never
// need a nil check.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("grid_engine"))
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit and loss")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed on the venue")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders observed filled")); err != nil {
		return err
	}
	if m.FillEventsTotal, err = meter.Int64Counter(MetricFillEventsTotal,
		metric.WithDescription("Total order update events ingested")); err != nil {
		return err
	}
	if m.ReconcileRunsTotal, err = meter.Int64Counter(MetricReconcileRunsTotal,
		metric.WithDescription("Total reconciliation passes")); err != nil {
		return err
	}
	if m.OrdersRestoredTotal, err = meter.Int64Counter(MetricOrdersRestoredTotal,
		metric.WithDescription("Total orders restored by recovery")); err != nil {
		return err
	}
	if m.ProxyFailoversTotal, err = meter.Int64Counter(MetricProxyFailoversTotal,
		metric.WithDescription("Total proxy reassignments")); err != nil {
		return err
	}
	if m.ClockResyncsTotal, err = meter.Int64Counter(MetricClockResyncsTotal,
		metric.WithDescription("Total venue clock resynchronizations")); err != nil {
		return err
	}

	if m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Unrealized profit and loss per bot"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for botID, v := range m.unrealizedPnLMap {
				o.Observe(v, metric.WithAttributes(attribute.String("bot_id", botID)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.ActiveBots, err = meter.Int64ObservableGauge(MetricActiveBots,
		metric.WithDescription("Number of bots in the active state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.activeBots)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetUnrealizedPnL records the latest unrealized PnL for a bot.
func (m *MetricsHolder) SetUnrealizedPnL(botID string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[botID] = v
}

// SetActiveBots records the active bot count.
func (m *MetricsHolder) SetActiveBots(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBots = n
}
