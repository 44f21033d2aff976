package risk

import (
	"context"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/ledger"
	"tradeguard/internal/mock"
	"tradeguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmergency struct{ active bool }

func (s *stubEmergency) Active() bool { return s.active }

type validatorFixture struct {
	ledger    *ledger.Ledger
	metrics   *MetricsEngine
	market    *mock.StaticMarketData
	emergency *stubEmergency
	validator *Validator
	limits    config.RiskLimitsConfig
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	limits := config.Default().RiskLimits
	l := ledger.New(decimal.NewFromInt(1), logging.NewNop())
	market := mock.NewStaticMarketData()
	metrics := NewMetricsEngine(limits, l, market, decimal.NewFromInt(100000), logging.NewNop())
	emergency := &stubEmergency{}
	v := NewValidator(limits, l, metrics, market, emergency, logging.NewNop())

	_, err := metrics.Compute(context.Background(), decimal.NewFromInt(100000), nil)
	require.NoError(t, err)

	return &validatorFixture{ledger: l, metrics: metrics, market: market, emergency: emergency, validator: v, limits: limits}
}

func (f *validatorFixture) openPosition(t *testing.T, instrument, strategy string, size, price float64) core.Position {
	t.Helper()
	o := &core.Order{
		Instrument:    instrument,
		Side:          core.SideBuy,
		Kind:          core.OrderMarket,
		RequestedSize: decimal.NewFromFloat(size),
		Strategy:      strategy,
	}
	require.NoError(t, f.ledger.SubmitOrder(o))
	p, err := f.ledger.ApplyFill(o.ID, decimal.NewFromFloat(size), decimal.NewFromFloat(price), decimal.Zero, decimal.Zero, time.Now())
	require.NoError(t, err)
	return p
}

func signalFor(instrument string) core.Signal {
	return core.Signal{
		Instrument: instrument,
		Side:       core.SideBuy,
		Strategy:   "trend_follow",
		Price:      decimal.NewFromFloat(1.1000),
		ATR:        decimal.NewFromFloat(0.0020),
	}
}

func TestValidatorRejectsWithoutSnapshot(t *testing.T) {
	limits := config.Default().RiskLimits
	l := ledger.New(decimal.NewFromInt(1), logging.NewNop())
	market := mock.NewStaticMarketData()
	metrics := NewMetricsEngine(limits, l, market, decimal.NewFromInt(100000), logging.NewNop())
	v := NewValidator(limits, l, metrics, market, &stubEmergency{}, logging.NewNop())

	approved, reason := v.ValidateAndReserve(context.Background(), signalFor("EUR_USD"), decimal.NewFromInt(1000), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "snapshot")
}

func TestValidatorEmergencyGateFirst(t *testing.T) {
	f := newValidatorFixture(t)
	f.emergency.active = true

	// Even a trade that would also breach counts gets the emergency reason
	for i := 0; i < f.limits.MaxOpenPositions; i++ {
		f.openPosition(t, "INST_"+string(rune('A'+i)), "s", 100, 1.0)
	}
	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("EUR_USD"), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Equal(t, "emergency stop active", reason)
}

func TestValidatorEmergencyPrecedesStaleSnapshot(t *testing.T) {
	// No snapshot is ever computed; the emergency reason must still win
	limits := config.Default().RiskLimits
	l := ledger.New(decimal.NewFromInt(1), logging.NewNop())
	market := mock.NewStaticMarketData()
	metrics := NewMetricsEngine(limits, l, market, decimal.NewFromInt(100000), logging.NewNop())
	v := NewValidator(limits, l, metrics, market, &stubEmergency{active: true}, logging.NewNop())

	approved, reason := v.ValidateAndReserve(context.Background(), signalFor("EUR_USD"), decimal.NewFromInt(1000), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Equal(t, "emergency stop active", reason)
}

func TestValidatorPositionCountGates(t *testing.T) {
	f := newValidatorFixture(t)
	f.limits.MaxOpenPositions = 2
	f.limits.MaxPositionsPerStrategy = 1
	f.validator.SetLimits(f.limits)

	f.openPosition(t, "EUR_USD", "trend_follow", 100, 1.1)

	// Per-strategy cap hit before the total cap
	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("GBP_USD"), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "strategy")

	f.openPosition(t, "USD_JPY", "carry", 100, 150)
	sig := signalFor("AUD_USD")
	sig.Strategy = "mean_revert"
	approved, reason = f.validator.ValidateAndReserve(context.Background(), sig, decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "max open positions")
}

func TestValidatorShortCircuitCountBeforeLeverage(t *testing.T) {
	f := newValidatorFixture(t)
	f.limits.MaxOpenPositions = 1
	f.limits.MaxLeverage = 1
	f.validator.SetLimits(f.limits)

	f.openPosition(t, "EUR_USD", "carry", 100, 1.1)

	// Breaches both the count limit and the leverage limit; the count
	// reason (earlier gate) must win
	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("GBP_USD"), decimal.NewFromInt(10000000), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "max open positions")
	assert.NotContains(t, reason, "leverage")
}

func TestValidatorCorrelationFailsClosed(t *testing.T) {
	f := newValidatorFixture(t)
	f.openPosition(t, "EUR_USD", "carry", 100, 1.1)

	// No return series registered for either instrument
	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("GBP_USD"), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "correlation data unavailable")
}

func TestValidatorCorrelationLimit(t *testing.T) {
	f := newValidatorFixture(t)
	f.openPosition(t, "EUR_USD", "carry", 100, 1.1)

	series := []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01}
	f.market.Series["EUR_USD"] = series
	f.market.Series["GBP_USD"] = series // perfectly correlated

	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("GBP_USD"), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.False(t, approved)
	assert.Contains(t, reason, "exceeds limit")

	// Uncorrelated series passes
	f.market.Series["GBP_USD"] = []float64{-0.02, 0.01, 0.02, -0.03, 0.01, -0.01}
	approved, _ = f.validator.ValidateAndReserve(context.Background(), signalFor("GBP_USD"), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	assert.True(t, approved)
}

func TestValidatorLeverageCountsReservations(t *testing.T) {
	f := newValidatorFixture(t)
	f.limits.MaxLeverage = 2
	f.validator.SetLimits(f.limits)

	balance := decimal.NewFromInt(100000)
	sig := signalFor("EUR_USD")
	size := decimal.NewFromInt(100000) // notional 110k at 1.10

	approved, reason := f.validator.ValidateAndReserve(context.Background(), sig, size, balance)
	require.True(t, approved, reason)

	// Second identical trade would project 220k notional over the 2x cap
	approved, reason = f.validator.ValidateAndReserve(context.Background(), sig, size, balance)
	assert.False(t, approved)
	assert.Contains(t, reason, "leverage")

	// Releasing the first reservation restores capacity
	f.validator.Release(size.Mul(sig.Price))
	approved, _ = f.validator.ValidateAndReserve(context.Background(), sig, size, balance)
	assert.True(t, approved)
}

func TestValidatorApprovesCleanTrade(t *testing.T) {
	f := newValidatorFixture(t)

	approved, reason := f.validator.ValidateAndReserve(context.Background(), signalFor("EUR_USD"), decimal.NewFromInt(1000), decimal.NewFromInt(100000))
	assert.True(t, approved)
	assert.Empty(t, reason)
}
