package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "tradeguard_orders_placed_total"
	MetricOrdersFilledTotal   = "tradeguard_orders_filled_total"
	MetricOrdersRejectedTotal = "tradeguard_orders_rejected_total"
	MetricPositionsOpen       = "tradeguard_positions_open"
	MetricPnLRealizedTotal    = "tradeguard_pnl_realized_total"
	MetricPnLUnrealized       = "tradeguard_pnl_unrealized"
	MetricDrawdownCurrent     = "tradeguard_drawdown_current"
	MetricLeverage            = "tradeguard_leverage"
	MetricVaR95               = "tradeguard_var95"
	MetricAlertsTotal         = "tradeguard_risk_alerts_total"
	MetricEmergencyStopActive = "tradeguard_emergency_stop_active"
	MetricExecLatency         = "tradeguard_execution_latency_ms"
	MetricSlippage            = "tradeguard_slippage"
)

// Holder holds initialized instruments and the backing state for
// observable gauges
type Holder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	AlertsTotal         metric.Int64Counter
	ExecLatency         metric.Float64Histogram
	Slippage            metric.Float64Histogram

	mu              sync.RWMutex
	positionsOpen   int64
	unrealizedPnL   map[string]float64
	drawdownCurrent float64
	leverage        float64
	var95           float64
	emergencyActive int64
}

var (
	globalHolder *Holder
	initOnce     sync.Once
)

// Instruments returns the singleton metrics holder
func Instruments() *Holder {
	initOnce.Do(func() {
		globalHolder = &Holder{
			unrealizedPnL: make(map[string]float64),
		}
		// The global provider is a no-op until Setup installs the SDK,
		// so instruments are always safe to use
		_ = globalHolder.Init(otel.GetMeterProvider().Meter("tradeguard"))
	})
	return globalHolder
}

// Init initializes instruments using the meter
func (h *Holder) Init(meter metric.Meter) error {
	var err error

	h.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	h.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	h.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by validation or broker"))
	if err != nil {
		return err
	}

	h.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	h.AlertsTotal, err = meter.Int64Counter(MetricAlertsTotal, metric.WithDescription("Total risk alerts emitted"))
	if err != nil {
		return err
	}

	h.ExecLatency, err = meter.Float64Histogram(MetricExecLatency, metric.WithDescription("Order execution latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	h.Slippage, err = meter.Float64Histogram(MetricSlippage, metric.WithDescription("Realized slippage per fill"))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Number of currently open positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			obs.Observe(h.positionsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per instrument"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			for inst, val := range h.unrealizedPnL {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricDrawdownCurrent, metric.WithDescription("Current drawdown from equity peak"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			obs.Observe(h.drawdownCurrent)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricLeverage, metric.WithDescription("Total notional exposure over account balance"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			obs.Observe(h.leverage)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricVaR95, metric.WithDescription("95% historical value at risk"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			obs.Observe(h.var95)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricEmergencyStopActive, metric.WithDescription("Emergency stop state (1=active, 0=inactive)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			h.mu.RLock()
			defer h.mu.RUnlock()
			obs.Observe(h.emergencyActive)
			return nil
		}))
	return err
}

// Helpers to update observable state

func (h *Holder) SetPositionsOpen(count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.positionsOpen = count
}

func (h *Holder) SetUnrealizedPnL(instrument string, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unrealizedPnL[instrument] = value
}

func (h *Holder) ClearUnrealizedPnL(instrument string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.unrealizedPnL, instrument)
}

func (h *Holder) SetRiskGauges(drawdown, leverage, var95 float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drawdownCurrent = drawdown
	h.leverage = leverage
	h.var95 = var95
}

func (h *Holder) SetEmergencyActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emergencyActive = val
}
