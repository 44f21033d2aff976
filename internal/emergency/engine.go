// Package emergency decides, under stress conditions, which positions
// to close and which to protect, and carries the decision out through
// the execution engine.
package emergency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/execution"
	"tradeguard/internal/ledger"
	"tradeguard/internal/risk"
	"tradeguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const historyLimit = 100

// Status is the externally visible emergency stop state
type Status struct {
	Enabled        bool
	Active         bool
	LastAssessment *core.Assessment
	LastSummary    *core.StopSummary
	HistorySize    int
}

// Engine evaluates emergency triggers and applies close/protect
// decisions per position
type Engine struct {
	ledger  *ledger.Ledger
	market  core.MarketData
	exec    *execution.Engine
	metrics *risk.MetricsEngine
	logger  core.ILogger

	enabled atomic.Bool
	active  atomic.Bool

	mu          sync.Mutex
	triggers    config.TriggersConfig
	protection  config.ProtectionConfig
	history     []core.Assessment
	lastSummary *core.StopSummary
}

func NewEngine(triggers config.TriggersConfig, protection config.ProtectionConfig, led *ledger.Ledger, market core.MarketData, exec *execution.Engine, metrics *risk.MetricsEngine, logger core.ILogger) *Engine {
	e := &Engine{
		ledger:     led,
		market:     market,
		exec:       exec,
		metrics:    metrics,
		logger:     logger.WithField("component", "emergency_engine"),
		triggers:   triggers,
		protection: protection,
	}
	e.enabled.Store(true)
	return e
}

// SetExecutor injects the execution engine after construction. The
// validator consults this engine's Active flag and the execution engine
// consults the validator, so one of the two links is wired late.
func (e *Engine) SetExecutor(exec *execution.Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exec = exec
}

// Enabled reports whether trigger evaluation is switched on
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// SetEnabled switches trigger evaluation on or off
func (e *Engine) SetEnabled(enabled bool) { e.enabled.Store(enabled) }

// Active reports whether an emergency stop has been executed and not
// yet reset; the trade validator rejects new trades while active
func (e *Engine) Active() bool { return e.active.Load() }

// Reset clears the active flag after operator review
func (e *Engine) Reset() {
	e.active.Store(false)
	telemetry.Instruments().SetEmergencyActive(false)
	e.logger.Warn("Emergency stop reset")
}

// SetProtection replaces the position-protection rules
func (e *Engine) SetProtection(rules config.ProtectionConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.protection = rules
}

// SetTriggers replaces the trigger thresholds
func (e *Engine) SetTriggers(triggers config.TriggersConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = triggers
}

// Status returns a snapshot of engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Enabled:     e.enabled.Load(),
		Active:      e.active.Load(),
		HistorySize: len(e.history),
		LastSummary: e.lastSummary,
	}
	if len(e.history) > 0 {
		last := e.history[len(e.history)-1]
		s.LastAssessment = &last
	}
	return s
}

// History returns a copy of the archived assessments, newest last
func (e *Engine) History() []core.Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Assessment, len(e.history))
	copy(out, e.history)
	return out
}

// Assess evaluates the trigger set and, when any trigger fires, decides
// close vs protect for every open position. The assessment is archived
// to bounded history.
func (e *Engine) Assess(ctx context.Context, balance decimal.Decimal) (bool, core.Assessment) {
	assessment := core.Assessment{CreatedAt: time.Now(), RiskLevel: core.SeverityLow}
	if !e.enabled.Load() {
		return false, assessment
	}

	e.mu.Lock()
	triggers := e.triggers
	protection := e.protection
	e.mu.Unlock()

	positions := e.ledger.OpenPositions()
	reasons, crisis, critical := e.evaluateTriggers(ctx, triggers, positions, balance)
	assessment.TriggerReasons = reasons

	if len(reasons) == 0 {
		e.archive(assessment)
		return false, assessment
	}

	for i := range positions {
		decision, isClose := e.decidePosition(ctx, protection, &positions[i], crisis)
		if isClose {
			assessment.Close = append(assessment.Close, decision)
		} else {
			assessment.Protect = append(assessment.Protect, decision)
		}
	}

	assessment.ActionNeeded = len(assessment.Close) > 0
	switch {
	case critical:
		assessment.RiskLevel = core.SeverityCritical
	case assessment.ActionNeeded:
		assessment.RiskLevel = core.SeverityHigh
	default:
		assessment.RiskLevel = core.SeverityMedium
	}

	e.archive(assessment)
	e.logger.Error("Emergency assessment",
		"action_needed", assessment.ActionNeeded,
		"risk_level", assessment.RiskLevel,
		"triggers", strings.Join(reasons, "; "),
		"close", len(assessment.Close),
		"protect", len(assessment.Protect))
	return assessment.ActionNeeded, assessment
}

// evaluateTriggers returns the fired trigger reasons, whether the
// market regime is crisis, and whether the situation is critical.
// Unavailable market data never fires a trigger by itself; it is logged
// and the trigger skipped.
func (e *Engine) evaluateTriggers(ctx context.Context, t config.TriggersConfig, positions []core.Position, balance decimal.Decimal) (reasons []string, crisis, critical bool) {
	totalPnL := e.ledger.RealizedPnL().Add(e.ledger.UnrealizedPnL())
	if balance.GreaterThan(decimal.Zero) && totalPnL.IsNegative() {
		lossPct, _ := totalPnL.Neg().Div(balance).Float64()
		if lossPct > t.PortfolioLossPct {
			reasons = append(reasons, fmt.Sprintf("Portfolio loss: %.1f%%", lossPct*100))
			critical = true
		}
	}

	for i := range positions {
		if pct := positions[i].UnrealizedPnLPct(); pct < -t.PositionLossPct {
			reasons = append(reasons, fmt.Sprintf("Position %s loss: %.1f%%", positions[i].Instrument, -pct*100))
		}
	}

	seen := make(map[string]bool)
	for i := range positions {
		inst := positions[i].Instrument
		if seen[inst] {
			continue
		}
		seen[inst] = true

		current, normal, err := e.market.Volatility(ctx, inst)
		if err != nil {
			e.logger.Warn("Volatility unavailable for trigger evaluation", "instrument", inst, "error", err)
		} else if normal > 0 && current >= t.VolatilityMultiplier*normal {
			reasons = append(reasons, fmt.Sprintf("Volatility spike on %s: %.1fx normal", inst, current/normal))
		}

		liquidity, err := e.market.LiquidityFactor(ctx, inst)
		if err != nil {
			e.logger.Warn("Liquidity unavailable for trigger evaluation", "instrument", inst, "error", err)
		} else if liquidity < t.LiquidityFloor {
			reasons = append(reasons, fmt.Sprintf("Liquidity on %s at %.0f%% of normal", inst, liquidity*100))
		}
	}

	if snap, ok := e.metrics.Latest(); ok && snap.CorrelationsKnown {
		for _, pair := range snap.Correlations {
			if abs(pair.Coefficient) > t.CorrelationThreshold {
				reasons = append(reasons, fmt.Sprintf("Correlation %s/%s at %.2f", pair.A, pair.B, pair.Coefficient))
				break
			}
		}
	}

	if regime, err := e.market.Regime(ctx); err == nil && regime == core.RegimeCrisis {
		reasons = append(reasons, "Market regime: crisis")
		crisis = true
		critical = true
	}
	if cycle, err := e.market.Cycle(ctx); err == nil && (cycle == core.CycleContraction || cycle == core.CycleTrough) {
		reasons = append(reasons, fmt.Sprintf("Economic cycle: %s", cycle))
	}

	return reasons, crisis, critical
}

// decidePosition applies the protection rules in priority order; the
// first matching rule wins
func (e *Engine) decidePosition(ctx context.Context, p config.ProtectionConfig, pos *core.Position, crisis bool) (core.PositionDecision, bool) {
	decision := core.PositionDecision{PositionID: pos.ID, Instrument: pos.Instrument}

	if time.Since(pos.OpenedAt) < time.Duration(p.MinHoldTimeMin)*time.Minute {
		decision.Reason = "too recent"
		return decision, false
	}

	pnlPct := pos.UnrealizedPnLPct()
	if pnlPct > p.ProfitProtectPct {
		decision.Reason = "profitable"
		return decision, false
	}

	if matchesStrategy(pos.Strategy, p.TrendStrategies) && e.trendIntact(ctx, p, pos) {
		decision.Reason = "trend intact"
		return decision, false
	}

	if matchesStrategy(pos.Strategy, p.HedgeStrategies) {
		decision.Reason = "hedging position"
		return decision, false
	}

	if e.lowCorrelation(pos.Instrument, p.DiversificationCorr) {
		decision.Reason = "diversification value"
		return decision, false
	}

	absLoss := pos.UnrealizedPnL.Neg()
	switch {
	case pnlPct < -p.SinglePosLossPct:
		decision.Reason = fmt.Sprintf("loss %.1f%% over threshold", -pnlPct*100)
		return decision, true
	case absLoss.GreaterThan(decimal.NewFromFloat(p.AbsoluteLossFloor)):
		decision.Reason = fmt.Sprintf("absolute loss %s over floor", pos.UnrealizedPnL)
		return decision, true
	case crisis && pos.UnrealizedPnL.IsNegative():
		decision.Reason = "losing position in crisis regime"
		return decision, true
	}

	decision.Reason = "within acceptable risk"
	return decision, false
}

// trendIntact reports whether the mark price is still on the right side
// of entry within the trend-break tolerance. An unavailable price means
// the trend cannot be shown intact.
func (e *Engine) trendIntact(ctx context.Context, p config.ProtectionConfig, pos *core.Position) bool {
	price, err := e.market.LatestPrice(ctx, pos.Instrument)
	if err != nil {
		return false
	}
	tolerance := pos.EntryPrice.Mul(decimal.NewFromFloat(p.TrendBreakPct))
	if pos.Side == core.SideBuy {
		return price.GreaterThanOrEqual(pos.EntryPrice.Sub(tolerance))
	}
	return price.LessThanOrEqual(pos.EntryPrice.Add(tolerance))
}

// lowCorrelation reports whether the instrument's strongest known
// correlation with the rest of the portfolio is below the
// diversification threshold. An unknown matrix never protects.
func (e *Engine) lowCorrelation(instrument string, threshold float64) bool {
	snap, ok := e.metrics.Latest()
	if !ok || !snap.CorrelationsKnown || len(snap.Correlations) == 0 {
		return false
	}
	involved := false
	maxCorr := 0.0
	for _, pair := range snap.Correlations {
		if pair.A != instrument && pair.B != instrument {
			continue
		}
		involved = true
		if c := abs(pair.Coefficient); c > maxCorr {
			maxCorr = c
		}
	}
	return involved && maxCorr < threshold
}

func matchesStrategy(strategy string, tags []string) bool {
	s := strings.ToLower(strategy)
	for _, tag := range tags {
		if strings.Contains(s, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// Execute carries out an assessment: closes the close list (limit
// orders when volatility is elevated), protects the protect list, and
// records the outcome. The engine stays active until Reset.
func (e *Engine) Execute(ctx context.Context, assessment core.Assessment) core.StopSummary {
	e.mu.Lock()
	protection := e.protection
	e.mu.Unlock()

	e.active.Store(true)
	telemetry.Instruments().SetEmergencyActive(true)

	summary := core.StopSummary{NetPnLImpact: decimal.Zero, RiskReduction: decimal.Zero}

	for _, d := range assessment.Close {
		pos, err := e.ledger.Position(d.PositionID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("close %s: %v", d.PositionID, err))
			continue
		}
		exposureRemoved := pos.UnrealizedPnL.Abs()

		result := e.closeDecided(ctx, protection, &pos, d.Reason)
		if !result.Success {
			msg := result.Reason
			if result.Err != nil {
				msg = result.Err.Error()
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("close %s: %s", d.PositionID, msg))
			continue
		}
		summary.Closed++
		summary.RiskReduction = summary.RiskReduction.Add(exposureRemoved)
		if closed, err := e.ledger.Position(d.PositionID); err == nil {
			summary.NetPnLImpact = summary.NetPnLImpact.Add(closed.RealizedPnL)
		}
	}

	for _, d := range assessment.Protect {
		if err := e.protectPosition(ctx, protection, d.PositionID); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("protect %s: %v", d.PositionID, err))
			continue
		}
		summary.Protected++
	}

	e.mu.Lock()
	e.lastSummary = &summary
	e.mu.Unlock()

	// Emergency outcomes always log at the highest severity
	e.logger.Error("Emergency stop executed",
		"closed", summary.Closed,
		"protected", summary.Protected,
		"net_pnl_impact", summary.NetPnLImpact.String(),
		"risk_reduction", summary.RiskReduction.String(),
		"errors", len(summary.Errors))
	return summary
}

// closeDecided picks limit vs market close based on current volatility
func (e *Engine) closeDecided(ctx context.Context, p config.ProtectionConfig, pos *core.Position, reason string) core.ExecutionResult {
	current, normal, err := e.market.Volatility(ctx, pos.Instrument)
	if err == nil && normal > 0 && current > p.VolatilityLimitClose*normal {
		if price, perr := e.market.LatestPrice(ctx, pos.Instrument); perr == nil {
			return e.exec.CloseWithLimit(ctx, pos.ID, "emergency: "+reason, price)
		}
	}
	return e.exec.ClosePosition(ctx, pos.ID, "emergency: "+reason)
}

// protectPosition applies stop/target adjustments with one retry on a
// version conflict, and reduces oversize positions
func (e *Engine) protectPosition(ctx context.Context, p config.ProtectionConfig, positionID string) error {
	pos, err := e.ledger.Position(positionID)
	if err != nil {
		return err
	}
	if pos.Closed {
		return core.ErrPositionClosed
	}

	price, err := e.market.LatestPrice(ctx, pos.Instrument)
	if err != nil {
		return fmt.Errorf("%w: no price for %s", core.ErrDataUnavailable, pos.Instrument)
	}

	newStop := protectiveStop(p, &pos, price)
	newTarget := decimal.Zero
	if pos.TakeProfit.IsZero() {
		newTarget = protectiveTarget(p, &pos, price)
	}

	err = e.ledger.UpdateProtection(pos.ID, pos.Version, newStop, newTarget)
	if err == core.ErrConcurrencyConflict {
		fresh, ferr := e.ledger.Position(pos.ID)
		if ferr != nil {
			return ferr
		}
		err = e.ledger.UpdateProtection(fresh.ID, fresh.Version, newStop, newTarget)
	}
	if err != nil {
		return err
	}

	notional := pos.Notional(price)
	if p.OversizeNotional > 0 && notional.GreaterThan(decimal.NewFromFloat(p.OversizeNotional)) {
		result := e.exec.ReducePosition(ctx, pos.ID, p.ReduceFraction, "emergency: oversize")
		if !result.Success && result.Err != nil {
			return result.Err
		}
	}
	return nil
}

// protectiveStop moves the stop to breakeven for profitable positions,
// otherwise tightens it by the configured fraction of the remaining
// distance to the mark price
func protectiveStop(p config.ProtectionConfig, pos *core.Position, price decimal.Decimal) decimal.Decimal {
	if pos.UnrealizedPnL.GreaterThan(decimal.Zero) {
		return pos.EntryPrice
	}

	tighten := decimal.NewFromFloat(p.StopTightenFraction)
	stop := pos.StopLoss
	if pos.Side == core.SideBuy {
		if stop.IsZero() {
			stop = price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(p.TrendBreakPct)))
		}
		return stop.Add(price.Sub(stop).Mul(tighten))
	}
	if stop.IsZero() {
		stop = price.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(p.TrendBreakPct)))
	}
	return stop.Sub(stop.Sub(price).Mul(tighten))
}

// protectiveTarget fills in a missing take-profit near the mark price
func protectiveTarget(p config.ProtectionConfig, pos *core.Position, price decimal.Decimal) decimal.Decimal {
	width := price.Mul(decimal.NewFromFloat(p.TrendBreakPct))
	if pos.Side == core.SideBuy {
		return price.Add(width)
	}
	return price.Sub(width)
}

func (e *Engine) archive(assessment core.Assessment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, assessment)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
