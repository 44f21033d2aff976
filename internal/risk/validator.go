package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/ledger"

	"github.com/shopspring/decimal"
)

// EmergencyState is the validator's view of the emergency stop engine
type EmergencyState interface {
	Active() bool
}

// Validator runs the ordered admission gates for proposed trades.
// Validation and exposure reservation happen under one mutex so
// concurrent signals observe each other's reserved exposure rather than
// a stale snapshot.
type Validator struct {
	ledger    *ledger.Ledger
	metrics   *MetricsEngine
	market    core.MarketData
	emergency EmergencyState
	logger    core.ILogger

	mu      sync.Mutex
	limits  config.RiskLimitsConfig
	pending decimal.Decimal // notional reserved by approved but unfilled trades
}

func NewValidator(limits config.RiskLimitsConfig, led *ledger.Ledger, metrics *MetricsEngine, market core.MarketData, emergency EmergencyState, logger core.ILogger) *Validator {
	return &Validator{
		ledger:    led,
		metrics:   metrics,
		market:    market,
		emergency: emergency,
		logger:    logger.WithField("component", "trade_validator"),
		limits:    limits,
		pending:   decimal.Zero,
	}
}

// SetLimits replaces the active risk limits
func (v *Validator) SetLimits(limits config.RiskLimitsConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits = limits
}

// Limits returns the active risk limits
func (v *Validator) Limits() config.RiskLimitsConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limits
}

// ValidateAndReserve runs the gates in order, short-circuiting on the
// first failure. On approval the trade's notional is reserved against
// the leverage limit until the caller settles it with Release.
func (v *Validator) ValidateAndReserve(ctx context.Context, signal core.Signal, size, balance decimal.Decimal) (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.emergency != nil && v.emergency.Active() {
		return false, "emergency stop active"
	}

	// A stale or missing risk snapshot means insufficient information
	// to approve
	if !v.metrics.Fresh(time.Now()) {
		return false, "risk snapshot missing or stale"
	}

	open := v.ledger.OpenPositions()
	if len(open) >= v.limits.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions reached (%d)", v.limits.MaxOpenPositions)
	}
	strategyCount := 0
	for i := range open {
		if open[i].Strategy == signal.Strategy {
			strategyCount++
		}
	}
	if strategyCount >= v.limits.MaxPositionsPerStrategy {
		return false, fmt.Sprintf("max positions for strategy %s reached (%d)", signal.Strategy, v.limits.MaxPositionsPerStrategy)
	}

	riskLimit := decimal.NewFromFloat(v.limits.PerTradeRiskPct)
	riskAmount := size.Mul(signal.Price).Mul(riskLimit)
	if riskAmount.GreaterThan(balance.Mul(riskLimit)) {
		return false, fmt.Sprintf("per-trade risk %s exceeds limit %s", riskAmount, balance.Mul(riskLimit))
	}

	if approved, reason := v.checkCorrelation(ctx, signal.Instrument, open); !approved {
		return false, reason
	}

	newExposure := size.Mul(signal.Price).Abs()
	existing := v.ledger.OpenNotional()
	projected := existing.Add(v.pending).Add(newExposure)
	maxLev := decimal.NewFromFloat(v.limits.MaxLeverage)
	if projected.GreaterThan(balance.Mul(maxLev)) {
		lev, _ := projected.Div(balance).Float64()
		return false, fmt.Sprintf("projected leverage %.2f exceeds limit %.2f", lev, v.limits.MaxLeverage)
	}

	v.pending = v.pending.Add(newExposure)
	return true, ""
}

// checkCorrelation compares the candidate instrument's return series
// against every open instrument. Missing data rejects; there is no
// permissive default. Caller holds v.mu.
func (v *Validator) checkCorrelation(ctx context.Context, instrument string, open []core.Position) (bool, string) {
	if len(open) == 0 {
		return true, ""
	}

	candidate, err := v.market.ReturnSeries(ctx, instrument, v.limits.ReturnLookback)
	if err != nil || len(candidate) < 2 {
		return false, fmt.Sprintf("correlation data unavailable for %s", instrument)
	}

	checked := make(map[string]bool)
	for i := range open {
		other := open[i].Instrument
		if other == instrument || checked[other] {
			continue
		}
		checked[other] = true

		series, err := v.market.ReturnSeries(ctx, other, v.limits.ReturnLookback)
		if err != nil || len(series) < 2 {
			return false, fmt.Sprintf("correlation data unavailable for %s", other)
		}
		if coef := correlation(candidate, series); abs(coef) > v.limits.CorrelationLimit {
			return false, fmt.Sprintf("correlation %.2f with %s exceeds limit %.2f", coef, other, v.limits.CorrelationLimit)
		}
	}
	return true, ""
}

// Release settles a previously reserved exposure, whether the trade
// filled (the position now counts in ledger notional) or failed
func (v *Validator) Release(exposure decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = v.pending.Sub(exposure)
	if v.pending.IsNegative() {
		v.pending = decimal.Zero
	}
}
