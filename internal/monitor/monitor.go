// Package monitor runs the continuous supervision loops: per-position
// stop/target checks on a fast tick and risk limit evaluation on a
// slower cadence.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/alert"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/emergency"
	"tradeguard/internal/execution"
	"tradeguard/internal/ledger"
	"tradeguard/internal/risk"
	"tradeguard/pkg/concurrency"
	"tradeguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const alertLogLimit = 1000

// Monitor owns the position tick loop and the risk evaluation loop
type Monitor struct {
	cfg       config.MonitorConfig
	limits    config.RiskLimitsConfig
	ledger    *ledger.Ledger
	market    core.MarketData
	exec      *execution.Engine
	metrics   *risk.MetricsEngine
	emergency *emergency.Engine
	alerts    *alert.Manager
	pool      *concurrency.WorkerPool
	logger    core.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	subs     []chan core.Alert
	alertLog []core.Alert
}

func New(cfg config.MonitorConfig, limits config.RiskLimitsConfig, ccfg config.ConcurrencyConfig, led *ledger.Ledger, market core.MarketData, exec *execution.Engine, metrics *risk.MetricsEngine, emerg *emergency.Engine, alerts *alert.Manager, logger core.ILogger) *Monitor {
	log := logger.WithField("component", "monitor")
	return &Monitor{
		cfg:       cfg,
		limits:    limits,
		ledger:    led,
		market:    market,
		exec:      exec,
		metrics:   metrics,
		emergency: emerg,
		alerts:    alerts,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "monitor",
			MaxWorkers:  ccfg.MonitorPoolSize,
			MaxCapacity: ccfg.MonitorPoolBuffer,
		}, log),
		logger: log,
	}
}

// SetLimits replaces the limits evaluated on the risk tick
func (m *Monitor) SetLimits(limits config.RiskLimitsConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

func (m *Monitor) currentLimits() config.RiskLimitsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Start launches the tick and risk loops
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.tickLoop(ctx)
	go m.riskLoop(ctx)
	m.logger.Info("Monitor started",
		"tick_interval_ms", m.cfg.TickIntervalMs,
		"risk_interval_sec", m.cfg.RiskIntervalSec)
}

// Stop cancels the loops and drains in-flight position checks
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.Stop()
	m.logger.Info("Monitor stopped")
}

// Subscribe returns a channel receiving future alerts. Sends never
// block; slow subscribers lose alerts instead of stalling the monitor.
func (m *Monitor) Subscribe() <-chan core.Alert {
	ch := make(chan core.Alert, m.cfg.AlertBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ch)
	return ch
}

// Alerts returns a copy of the append-only alert log
func (m *Monitor) Alerts() []core.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Alert, len(m.alertLog))
	copy(out, m.alertLog)
	return out
}

func (m *Monitor) tickLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) riskLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.RiskIntervalSec) * time.Second)
	defer ticker.Stop()

	// Compute an initial snapshot so the validator can approve trades
	// before the first full interval elapses
	m.riskTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.riskTick(ctx)
		}
	}
}

// tick fans per-position checks out across the worker pool
func (m *Monitor) tick(ctx context.Context) {
	positions := m.ledger.OpenPositions()
	var wg sync.WaitGroup
	for i := range positions {
		p := positions[i]
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			m.checkPosition(ctx, p)
		}); err != nil {
			wg.Done()
			m.logger.Warn("Position check skipped, pool full", "position_id", p.ID)
		}
	}
	wg.Wait()
	telemetry.Instruments().SetPositionsOpen(int64(len(m.ledger.OpenPositions())))
}

// checkPosition applies stop-loss/take-profit exits, direction aware,
// or refreshes the mark price. An unavailable price skips exit checks
// entirely rather than guessing.
func (m *Monitor) checkPosition(ctx context.Context, p core.Position) {
	price, err := m.market.LatestPrice(ctx, p.Instrument)
	if err != nil {
		m.emit(ctx, core.Alert{
			Kind:      "price_unavailable",
			Severity:  core.SeverityLow,
			Message:   "price unavailable, exit checks skipped for " + p.Instrument,
			Timestamp: time.Now(),
		})
		return
	}

	if reason, hit := exitHit(&p, price); hit {
		result := m.exec.ClosePosition(ctx, p.ID, reason)
		if !result.Success && result.Err != nil {
			m.logger.Error("Exit close failed", "position_id", p.ID, "reason", reason, "error", result.Err)
		}
		return
	}

	if err := m.ledger.MarkPrice(p.ID, price); err == nil {
		if fresh, ferr := m.ledger.Position(p.ID); ferr == nil {
			pnl, _ := fresh.UnrealizedPnL.Float64()
			telemetry.Instruments().SetUnrealizedPnL(p.Instrument, pnl)
		}
	}
}

// exitHit reports whether the price has crossed the position's stop or
// target level
func exitHit(p *core.Position, price decimal.Decimal) (string, bool) {
	if p.Side == core.SideBuy {
		if !p.StopLoss.IsZero() && price.LessThanOrEqual(p.StopLoss) {
			return "stop_loss", true
		}
		if !p.TakeProfit.IsZero() && price.GreaterThanOrEqual(p.TakeProfit) {
			return "take_profit", true
		}
		return "", false
	}
	if !p.StopLoss.IsZero() && price.GreaterThanOrEqual(p.StopLoss) {
		return "stop_loss", true
	}
	if !p.TakeProfit.IsZero() && price.LessThanOrEqual(p.TakeProfit) {
		return "take_profit", true
	}
	return "", false
}

// riskTick recomputes the snapshot and escalates limit breaches
func (m *Monitor) riskTick(ctx context.Context) {
	balance, account, err := m.exec.Account(ctx)
	if err != nil {
		m.emit(ctx, core.Alert{
			Kind:      "balance_unavailable",
			Severity:  core.SeverityMedium,
			Message:   "account balance unavailable, risk evaluation skipped",
			Timestamp: time.Now(),
		})
		return
	}

	snap, err := m.metrics.Compute(ctx, balance, account)
	if err != nil {
		m.emit(ctx, core.Alert{
			Kind:      "risk_compute_failed",
			Severity:  core.SeverityMedium,
			Message:   "risk snapshot computation failed: " + err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	for _, breach := range m.evaluateLimits(&snap, balance) {
		m.emit(ctx, breach)
		switch breach.Severity {
		case core.SeverityCritical:
			m.escalateCritical(ctx, balance)
		case core.SeverityHigh:
			m.closeLargestRiskHalf(ctx, breach.Kind)
		}
	}
}

// evaluateLimits compares the snapshot against configured limits.
// Severity scales with how far past the limit the value is: 1.5x the
// limit is critical, 1.2x is high, anything over is medium.
func (m *Monitor) evaluateLimits(snap *core.RiskSnapshot, balance decimal.Decimal) []core.Alert {
	limits := m.currentLimits()
	now := time.Now()
	var breaches []core.Alert

	check := func(kind string, value, limit float64, message string) {
		if limit <= 0 || value <= limit {
			return
		}
		breaches = append(breaches, core.Alert{
			Kind:      kind,
			Severity:  severityForRatio(value / limit),
			Message:   message,
			Timestamp: now,
			Values:    map[string]float64{"value": value, "limit": limit},
		})
	}

	check("drawdown_limit", snap.CurrentDrawdown, limits.MaxDrawdownPct, "drawdown over limit")

	if snap.DailyPnL.IsNegative() && balance.GreaterThan(decimal.Zero) {
		dailyLossPct, _ := snap.DailyPnL.Neg().Div(balance).Float64()
		check("daily_loss_limit", dailyLossPct, limits.DailyLossLimitPct, "daily loss over limit")
	}

	check("var_limit", -snap.VaR95, limits.VaRLimitPct, "value at risk over limit")
	check("leverage_limit", snap.Leverage, limits.MaxLeverage, "leverage over limit")

	if snap.CorrelationsKnown {
		for _, pair := range snap.Correlations {
			if pair.Flagged {
				breaches = append(breaches, core.Alert{
					Kind:      "correlation_limit",
					Severity:  core.SeverityMedium,
					Message:   "correlation over limit: " + pair.A + "/" + pair.B,
					Timestamp: now,
					Values:    map[string]float64{"value": pair.Coefficient, "limit": limits.CorrelationLimit},
				})
				break
			}
		}
	}

	return breaches
}

func severityForRatio(ratio float64) core.Severity {
	switch {
	case ratio >= 1.5:
		return core.SeverityCritical
	case ratio >= 1.2:
		return core.SeverityHigh
	default:
		return core.SeverityMedium
	}
}

// escalateCritical hands the portfolio to the emergency engine
func (m *Monitor) escalateCritical(ctx context.Context, balance decimal.Decimal) {
	needed, assessment := m.emergency.Assess(ctx, balance)
	if !needed {
		m.logger.Warn("Critical breach but emergency assessment found no closable positions")
		return
	}
	summary := m.emergency.Execute(ctx, assessment)
	m.logger.Error("Critical breach escalated to emergency stop",
		"closed", summary.Closed,
		"protected", summary.Protected)
}

// closeLargestRiskHalf closes the worst half of open positions, ranked
// by unrealized loss then by size
func (m *Monitor) closeLargestRiskHalf(ctx context.Context, reason string) {
	positions := m.ledger.OpenPositions()
	if len(positions) == 0 {
		return
	}

	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].UnrealizedPnL.Equal(positions[j].UnrealizedPnL) {
			return positions[i].UnrealizedPnL.LessThan(positions[j].UnrealizedPnL)
		}
		ni := positions[i].Size.Mul(positions[i].EntryPrice)
		nj := positions[j].Size.Mul(positions[j].EntryPrice)
		return ni.GreaterThan(nj)
	})

	half := (len(positions) + 1) / 2
	for i := 0; i < half; i++ {
		result := m.exec.ClosePosition(ctx, positions[i].ID, reason)
		if !result.Success && result.Err != nil {
			m.logger.Error("Risk-reduction close failed", "position_id", positions[i].ID, "error", result.Err)
		}
	}
}

// emit appends to the alert log, notifies subscribers without blocking
// and forwards high-severity alerts to the notification channels
func (m *Monitor) emit(ctx context.Context, a core.Alert) {
	telemetry.Instruments().AlertsTotal.Add(ctx, 1)

	m.mu.Lock()
	m.alertLog = append(m.alertLog, a)
	if len(m.alertLog) > alertLogLimit {
		m.alertLog = m.alertLog[len(m.alertLog)-alertLogLimit:]
	}
	subs := make([]chan core.Alert, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- a:
		default:
		}
	}

	if m.alerts != nil && (a.Severity == core.SeverityHigh || a.Severity == core.SeverityCritical) {
		m.alerts.Dispatch(ctx, a)
	}

	m.logger.Warn("Risk alert", "kind", a.Kind, "severity", a.Severity, "message", a.Message)
}
