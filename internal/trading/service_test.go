package trading

import (
	"context"
	"testing"

	"tradeguard/internal/alert"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/emergency"
	"tradeguard/internal/execution"
	"tradeguard/internal/ledger"
	"tradeguard/internal/mock"
	"tradeguard/internal/monitor"
	"tradeguard/internal/risk"
	"tradeguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	market  *mock.StaticMarketData
	metrics *risk.MetricsEngine
	emerg   *emergency.Engine
	service *Service
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.SimLatencyMs = 0
	cfg.Execution.SlippageBasePct = 0
	cfg.Execution.SlippageJitterPct = 0
	if mutate != nil {
		mutate(cfg)
	}

	led := ledger.New(decimal.NewFromInt(1), logging.NewNop())
	market := mock.NewStaticMarketData()
	metrics := risk.NewMetricsEngine(cfg.RiskLimits, led, market, decimal.NewFromFloat(cfg.Execution.InitialBalance), logging.NewNop())
	emerg := emergency.NewEngine(cfg.Triggers, cfg.Protection, led, market, nil, metrics, logging.NewNop())
	validator := risk.NewValidator(cfg.RiskLimits, led, metrics, market, emerg, logging.NewNop())
	exec := execution.NewEngine(cfg.Execution, led, validator, nil, market, logging.NewNop())
	emerg.SetExecutor(exec)
	alerts := alert.NewManager(logging.NewNop())
	mon := monitor.New(cfg.Monitor, cfg.RiskLimits, cfg.Concurrency, led, market, exec, metrics, emerg, alerts, logging.NewNop())
	svc := NewService(led, validator, metrics, exec, emerg, mon, logging.NewNop())

	return &fixture{cfg: cfg, ledger: led, market: market, metrics: metrics, emerg: emerg, service: svc}
}

func (f *fixture) refreshSnapshot(t *testing.T) {
	t.Helper()
	_, err := f.metrics.Compute(context.Background(), decimal.NewFromFloat(f.cfg.Execution.InitialBalance), nil)
	require.NoError(t, err)
}

func tradableSignal() core.Signal {
	return core.Signal{
		Instrument: "EUR_USD",
		Side:       core.SideBuy,
		Strategy:   "trend_follow",
		Price:      decimal.NewFromFloat(1.10),
		ATR:        decimal.NewFromFloat(0.05),
	}
}

func TestExecuteSignalThroughFacade(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	result := f.service.ExecuteSignal(context.Background(), tradableSignal())
	require.True(t, result.Success, "reason: %s err: %v", result.Reason, result.Err)
	assert.NotEmpty(t, result.PositionID)
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestValidateTradeReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	size := decimal.NewFromInt(20000)
	for i := 0; i < 5; i++ {
		approved, reason := f.service.ValidateTrade(context.Background(), tradableSignal(), size)
		require.True(t, approved, "iteration %d rejected: %s", i, reason)
	}
	assert.Empty(t, f.ledger.OpenPositions(), "validation must not execute")
}

func TestPauseBlocksExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	f.service.Pause()
	assert.True(t, f.service.Paused())
	result := f.service.ExecuteSignal(context.Background(), tradableSignal())
	assert.False(t, result.Success)

	f.service.Resume()
	assert.False(t, f.service.Paused())
	result = f.service.ExecuteSignal(context.Background(), tradableSignal())
	assert.True(t, result.Success, "reason: %s", result.Reason)
}

func TestEmergencyStopNoActionWhenHealthy(t *testing.T) {
	f := newFixture(t, nil)
	f.refreshSnapshot(t)

	summary, err := f.service.EmergencyStop(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Closed)
	assert.False(t, f.emerg.Active())
}

func TestEmergencyStopClosesLosingPortfolio(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Protection.MinHoldTimeMin = 0
	})
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	result := f.service.ExecuteSignal(context.Background(), tradableSignal())
	require.True(t, result.Success, "reason: %s", result.Reason)

	// Drive the position deep underwater, past the portfolio loss
	// trigger
	crash := decimal.NewFromFloat(0.10)
	f.market.SetPrice("EUR_USD", crash)
	require.NoError(t, f.ledger.MarkPrice(result.PositionID, crash))

	summary, err := f.service.EmergencyStop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Closed)
	assert.True(t, f.emerg.Active())
	assert.Empty(t, f.ledger.OpenPositions())

	status := f.service.GetEmergencyStopStatus()
	assert.True(t, status.Active)
	assert.GreaterOrEqual(t, status.HistorySize, 1)
}

func TestGetRiskSnapshotRecomputesWhenStale(t *testing.T) {
	f := newFixture(t, nil)

	_, ok := f.metrics.Latest()
	require.False(t, ok)

	snap, err := f.service.GetRiskSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.ComputedAt.IsZero())

	_, ok = f.metrics.Latest()
	assert.True(t, ok)
}

func TestSetRiskLimitsPropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	limits := f.cfg.RiskLimits
	limits.MaxOpenPositions = 0
	f.service.SetRiskLimits(limits)

	approved, reason := f.service.ValidateTrade(context.Background(), tradableSignal(), decimal.NewFromInt(1000))
	assert.False(t, approved)
	assert.Contains(t, reason, "max open positions")
}

func TestExecutionSummaryCounts(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.refreshSnapshot(t)

	result := f.service.ExecuteSignal(context.Background(), tradableSignal())
	require.True(t, result.Success, "reason: %s", result.Reason)
	require.True(t, f.service.ClosePosition(context.Background(), result.PositionID, "manual").Success)

	summary := f.service.GetExecutionSummary()
	assert.Equal(t, int64(1), summary.OrdersPlaced)
	assert.Equal(t, int64(1), summary.PositionsClosed)
}

func TestCloseAllThroughFacade(t *testing.T) {
	f := newFixture(t, nil)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.10))
	f.market.SetPrice("GBP_USD", decimal.NewFromFloat(1.25))
	f.market.Series["EUR_USD"] = []float64{0.01, -0.02, 0.03, -0.01}
	f.market.Series["GBP_USD"] = []float64{0.02, 0.01, -0.01, -0.02}
	f.refreshSnapshot(t)

	require.True(t, f.service.ExecuteSignal(context.Background(), tradableSignal()).Success)
	second := tradableSignal()
	second.Instrument = "GBP_USD"
	second.Price = decimal.NewFromFloat(1.25)
	require.True(t, f.service.ExecuteSignal(context.Background(), second).Success)

	closed, err := f.service.CloseAllPositions(context.Background(), "shutdown")
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	assert.Empty(t, f.ledger.OpenPositions())
}
