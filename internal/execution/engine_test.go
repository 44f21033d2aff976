package execution

import (
	"context"
	"sync"
	"testing"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/ledger"
	"tradeguard/internal/mock"
	"tradeguard/internal/risk"
	"tradeguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmock "github.com/stretchr/testify/mock"
)

type engineFixture struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	market    *mock.StaticMarketData
	metrics   *risk.MetricsEngine
	validator *risk.Validator
	engine    *Engine
	balance   decimal.Decimal
}

type noEmergency struct{}

func (noEmergency) Active() bool { return false }

func newEngineFixture(t *testing.T, mutate func(*config.Config)) *engineFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.SimLatencyMs = 0
	if mutate != nil {
		mutate(cfg)
	}

	led := ledger.New(decimal.NewFromFloat(cfg.Execution.ContractMultiplier), logging.NewNop())
	market := mock.NewStaticMarketData()
	metrics := risk.NewMetricsEngine(cfg.RiskLimits, led, market, decimal.NewFromFloat(cfg.Execution.InitialBalance), logging.NewNop())
	validator := risk.NewValidator(cfg.RiskLimits, led, metrics, market, noEmergency{}, logging.NewNop())
	engine := NewEngine(cfg.Execution, led, validator, nil, market, logging.NewNop())

	balance := decimal.NewFromFloat(cfg.Execution.InitialBalance)
	_, err := metrics.Compute(context.Background(), balance, nil)
	require.NoError(t, err)

	return &engineFixture{cfg: cfg, ledger: led, market: market, metrics: metrics, validator: validator, engine: engine, balance: balance}
}

func newLiveEngineFixture(t *testing.T, broker core.Broker) *engineFixture {
	t.Helper()
	f := newEngineFixture(t, func(c *config.Config) { c.Execution.Mode = "live" })
	f.engine = NewEngine(f.cfg.Execution, f.ledger, f.validator, broker, f.market, logging.NewNop())
	return f
}

// tradableSignal sizes to 20k units at price 1.10 with default config,
// small enough to pass every validator gate
func tradableSignal() core.Signal {
	return core.Signal{
		Instrument: "EUR_USD",
		Side:       core.SideBuy,
		Strategy:   "trend_follow",
		Price:      decimal.NewFromFloat(1.1000),
		ATR:        decimal.NewFromFloat(0.05),
	}
}

func TestComputeSizeFromRiskBudget(t *testing.T) {
	// 100,000 balance at 1% risk with a 0.0020 stop distance sizes to
	// 500,000 units before lot clipping
	f := newEngineFixture(t, nil)

	signal := tradableSignal()
	signal.ATR = decimal.NewFromFloat(0.0020)

	size, stopDistance, reason := f.engine.computeSize(signal, decimal.NewFromInt(100000))
	require.Empty(t, reason)
	assert.True(t, size.Equal(decimal.NewFromInt(500000)), "got size %s", size)
	assert.True(t, stopDistance.Equal(decimal.NewFromFloat(0.0020)))
}

func TestComputeSizeLotClipping(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.Execution.LotStep = 1000
		c.Execution.MaxLot = 300000
	})

	signal := tradableSignal()
	signal.ATR = decimal.NewFromFloat(0.0020)

	size, _, reason := f.engine.computeSize(signal, decimal.NewFromInt(100000))
	require.Empty(t, reason)
	assert.True(t, size.Equal(decimal.NewFromInt(300000)), "got size %s", size)

	// 1% of 1000 over 0.05 stop = 200 units, below a 1000 min lot
	f2 := newEngineFixture(t, func(c *config.Config) { c.Execution.MinLot = 1000 })
	_, _, reason = f2.engine.computeSize(tradableSignal(), decimal.NewFromInt(1000))
	assert.Contains(t, reason, "minimum lot")
}

func TestExecuteSignalRejectsWithoutVolatility(t *testing.T) {
	f := newEngineFixture(t, nil)

	signal := tradableSignal()
	signal.ATR = decimal.Zero

	result := f.engine.ExecuteSignal(context.Background(), signal, f.balance)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "volatility unavailable")
	assert.NoError(t, result.Err)
}

func TestExecuteSignalPausedGate(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Pause()

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	assert.False(t, result.Success)
	assert.Equal(t, "trading paused", result.Reason)

	f.engine.Resume()
	result = f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	assert.True(t, result.Success, result.Reason)
}

func TestExecuteSignalPaperFill(t *testing.T) {
	f := newEngineFixture(t, nil)

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)
	require.NotEmpty(t, result.PositionID)

	position, err := f.ledger.Position(result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, core.SideBuy, position.Side)
	assert.True(t, position.Size.Equal(decimal.NewFromInt(20000)), "got size %s", position.Size)
	// Buy fills at or above the requested price, never below
	assert.True(t, result.FillPrice.GreaterThanOrEqual(decimal.NewFromFloat(1.1000)))
	assert.True(t, position.StopLoss.Equal(decimal.NewFromFloat(1.05)), "got SL %s", position.StopLoss)
	assert.True(t, position.TakeProfit.Equal(decimal.NewFromFloat(1.2)), "got TP %s", position.TakeProfit)

	summary := f.engine.Summary()
	assert.Equal(t, int64(1), summary.OrdersPlaced)
	assert.Equal(t, int64(1), summary.OrdersFilled)
}

func TestSimulatedSlippageBoundedAndAdverse(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.Execution.SlippageBasePct = 0.001
		c.Execution.SlippageJitterPct = 0.01
		c.Execution.SlippageMaxPct = 0.002
	})

	price := decimal.NewFromFloat(1.1000)
	maxFill := price.Mul(decimal.NewFromFloat(1.002))

	for i := 0; i < 50; i++ {
		order := &core.Order{
			Side:           core.SideBuy,
			RequestedSize:  decimal.NewFromInt(20000),
			RequestedPrice: price,
		}
		fill, err := f.engine.simulateFill(context.Background(), order)
		require.NoError(t, err)
		assert.True(t, fill.GreaterThanOrEqual(price), "buy slippage must be adverse, got %s", fill)
		assert.True(t, fill.LessThanOrEqual(maxFill), "slippage above bound: %s", fill)

		order.Side = core.SideSell
		fill, err = f.engine.simulateFill(context.Background(), order)
		require.NoError(t, err)
		assert.True(t, fill.LessThanOrEqual(price), "sell slippage must be adverse, got %s", fill)
	}
}

func TestProtectionLevelsSignPerSide(t *testing.T) {
	price := decimal.NewFromFloat(100)
	dist := decimal.NewFromFloat(2)

	sl, tp := protectionLevels(core.SideBuy, price, dist, 2.0)
	assert.True(t, sl.Equal(decimal.NewFromFloat(98)))
	assert.True(t, tp.Equal(decimal.NewFromFloat(104)))

	sl, tp = protectionLevels(core.SideSell, price, dist, 2.0)
	assert.True(t, sl.Equal(decimal.NewFromFloat(102)))
	assert.True(t, tp.Equal(decimal.NewFromFloat(96)))
}

func TestClosePositionRealizesPnL(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.Execution.SlippageBasePct = 0
		c.Execution.SlippageJitterPct = 0
	})

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)

	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.1100))
	closeResult := f.engine.ClosePosition(context.Background(), result.PositionID, "take_profit")
	require.True(t, closeResult.Success)

	position, err := f.ledger.Position(result.PositionID)
	require.NoError(t, err)
	assert.True(t, position.Closed)
	// 20,000 units, +0.0100
	assert.True(t, position.RealizedPnL.Equal(decimal.NewFromInt(200)), "got pnl %s", position.RealizedPnL)
}

func TestClosePositionSecondCallerNoOps(t *testing.T) {
	f := newEngineFixture(t, nil)

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.1050))

	const closers = 8
	var wg sync.WaitGroup
	results := make([]core.ExecutionResult, closers)
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.engine.ClosePosition(context.Background(), result.PositionID, "stop_loss")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			assert.Equal(t, "position already closed", r.Reason)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one close must win")
	// P&L recorded exactly once
	assert.Equal(t, int64(1), f.engine.Summary().PositionsClosed)
}

func TestClosePositionFailsClosedWithoutPrice(t *testing.T) {
	f := newEngineFixture(t, nil)

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)
	// no price registered for EUR_USD

	closeResult := f.engine.ClosePosition(context.Background(), result.PositionID, "stop_loss")
	assert.False(t, closeResult.Success)
	assert.ErrorIs(t, closeResult.Err, core.ErrDataUnavailable)

	// The failed attempt must release its claim
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.1000))
	closeResult = f.engine.ClosePosition(context.Background(), result.PositionID, "stop_loss")
	assert.True(t, closeResult.Success)
}

func TestConcurrentSignalsRespectLeverageCap(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		// Cap total notional at 50,000: two 22,000 trades fit, ten do not
		c.RiskLimits.MaxLeverage = 0.5
	})

	const signals = 10
	var wg sync.WaitGroup
	results := make([]core.ExecutionResult, signals)
	for i := 0; i < signals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	require.Greater(t, succeeded, 0, "at least one signal must pass")

	notional, _ := f.ledger.OpenNotional().Float64()
	balance, _ := f.balance.Float64()
	maxNotional := balance * f.cfg.RiskLimits.MaxLeverage
	// Allow the slippage premium on fill prices
	assert.LessOrEqual(t, notional, maxNotional*1.01,
		"aggregate notional %.0f exceeds leverage cap %.0f", notional, maxNotional)
}

func TestLiveOrderRetriesTransientErrors(t *testing.T) {
	broker := &mock.Broker{}
	f := newLiveEngineFixture(t, broker)

	fill := &core.BrokerOrderResult{Success: true, OrderID: "b-1", FillPrice: decimal.NewFromFloat(1.1002)}
	broker.On("PlaceMarketOrder", tmock.Anything, "EUR_USD", core.SideBuy, tmock.Anything, tmock.Anything, tmock.Anything).
		Return(nil, core.ErrNetwork).Twice()
	broker.On("PlaceMarketOrder", tmock.Anything, "EUR_USD", core.SideBuy, tmock.Anything, tmock.Anything, tmock.Anything).
		Return(fill, nil).Once()

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)
	assert.True(t, result.FillPrice.Equal(fill.FillPrice))
	broker.AssertNumberOfCalls(t, "PlaceMarketOrder", 3)
}

func TestLiveOrderTerminalErrorNotRetried(t *testing.T) {
	broker := &mock.Broker{}
	f := newLiveEngineFixture(t, broker)

	broker.On("PlaceMarketOrder", tmock.Anything, "EUR_USD", core.SideBuy, tmock.Anything, tmock.Anything, tmock.Anything).
		Return(nil, core.ErrInvalidInstrument).Once()

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, core.ErrInvalidInstrument)
	broker.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)

	// The order lands in a terminal state, not stuck pending
	assert.Empty(t, f.ledger.PendingOrders())
}

func TestCloseAllPositionsCollectsFailures(t *testing.T) {
	f := newEngineFixture(t, nil)

	r1 := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, r1.Success, r1.Reason)
	sig2 := tradableSignal()
	sig2.Instrument = "GBP_USD"
	sig2.Strategy = "carry"
	f.market.Series["EUR_USD"] = []float64{0.01, -0.02, 0.03, -0.01}
	f.market.Series["GBP_USD"] = []float64{0.02, 0.01, -0.01, -0.02}
	r2 := f.engine.ExecuteSignal(context.Background(), sig2, f.balance)
	require.True(t, r2.Success, r2.Reason)

	// Only EUR_USD has a close price; GBP_USD fails closed
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.1010))

	closed, err := f.engine.CloseAllPositions(context.Background(), "shutdown")
	assert.Equal(t, 1, closed)
	require.Error(t, err)
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestCancelAllOrders(t *testing.T) {
	f := newEngineFixture(t, nil)

	for i := 0; i < 3; i++ {
		o := &core.Order{
			Instrument:    "EUR_USD",
			Side:          core.SideBuy,
			Kind:          core.OrderLimit,
			RequestedSize: decimal.NewFromInt(100),
		}
		require.NoError(t, f.ledger.SubmitOrder(o))
	}

	cancelled, err := f.engine.CancelAllOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)
	assert.Empty(t, f.ledger.PendingOrders())
}

func TestAccountBalancePaperTracksRealizedPnL(t *testing.T) {
	f := newEngineFixture(t, func(c *config.Config) {
		c.Execution.SlippageBasePct = 0
		c.Execution.SlippageJitterPct = 0
	})

	result := f.engine.ExecuteSignal(context.Background(), tradableSignal(), f.balance)
	require.True(t, result.Success, result.Reason)
	f.market.SetPrice("EUR_USD", decimal.NewFromFloat(1.1100))
	require.True(t, f.engine.ClosePosition(context.Background(), result.PositionID, "take_profit").Success)

	balance, err := f.engine.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100200)), "got %s", balance)

	// No broker means no margin figures
	_, account, err := f.engine.Account(context.Background())
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestAccountLiveReturnsBrokerSummary(t *testing.T) {
	broker := &mock.Broker{}
	f := newLiveEngineFixture(t, broker)

	summary := &core.AccountSummary{
		Balance:         decimal.NewFromInt(100000),
		NAV:             decimal.NewFromInt(101500),
		MarginUsed:      decimal.NewFromInt(25000),
		MarginAvailable: decimal.NewFromInt(75000),
	}
	broker.On("GetAccountSummary", tmock.Anything).Return(summary, nil)

	balance, account, err := f.engine.Account(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(summary.Balance))
	require.NotNil(t, account)
	assert.True(t, account.MarginUsed.Equal(summary.MarginUsed))
	assert.True(t, account.MarginAvailable.Equal(summary.MarginAvailable))
}
