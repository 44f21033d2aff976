// Package execution turns approved signals into orders and owns every
// path that opens or closes a position.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/ledger"
	"tradeguard/internal/risk"
	"tradeguard/pkg/concurrency"
	"tradeguard/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Summary aggregates execution activity since startup
type Summary struct {
	OrdersPlaced    int64
	OrdersFilled    int64
	OrdersRejected  int64
	PositionsClosed int64
	TotalSlippage   decimal.Decimal
	TotalCommission decimal.Decimal
}

// Engine sizes, validates and executes orders. Paper and backtest modes
// simulate fills; live mode forwards to the broker behind a retry
// pipeline and a rate limiter.
type Engine struct {
	cfg       config.ExecutionConfig
	mode      core.Mode
	ledger    *ledger.Ledger
	validator *risk.Validator
	broker    core.Broker
	market    core.MarketData
	logger    core.ILogger

	paused    atomic.Bool
	limiter   *rate.Limiter
	pipeline  failsafe.Executor[*core.BrokerOrderResult]
	closePipe failsafe.Executor[any]

	rngMu sync.Mutex
	rng   *rand.Rand

	// closes in flight must finish before shutdown
	inflight sync.WaitGroup

	statsMu sync.Mutex
	summary Summary
}

func NewEngine(cfg config.ExecutionConfig, led *ledger.Ledger, validator *risk.Validator, broker core.Broker, market core.MarketData, logger core.ILogger) *Engine {
	retry := retrypolicy.NewBuilder[*core.BrokerOrderResult]().
		HandleIf(func(_ *core.BrokerOrderResult, err error) bool {
			return core.IsTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.2).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*core.BrokerOrderResult]().
		HandleIf(func(_ *core.BrokerOrderResult, err error) bool {
			return core.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	closeRetry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return core.IsTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.2).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	ratePerSec := cfg.OrderRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 10
	}

	return &Engine{
		cfg:       cfg,
		mode:      core.Mode(cfg.Mode),
		ledger:    led,
		validator: validator,
		broker:    broker,
		market:    market,
		logger:    logger.WithField("component", "execution_engine"),
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		pipeline:  failsafe.With[*core.BrokerOrderResult](retry, breaker),
		closePipe: failsafe.With[any](closeRetry),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		summary:   Summary{TotalSlippage: decimal.Zero, TotalCommission: decimal.Zero},
	}
}

// Pause stops signal intake; in-flight operations continue
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume re-enables signal intake
func (e *Engine) Resume() { e.paused.Store(false) }

// Paused reports whether signal intake is stopped
func (e *Engine) Paused() bool { return e.paused.Load() }

// Drain blocks until all in-flight close operations complete
func (e *Engine) Drain() { e.inflight.Wait() }

// Summary returns a copy of the execution counters
func (e *Engine) Summary() Summary {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.summary
}

// Account returns the balance and, in live mode, the broker account
// summary with its margin figures. The summary is nil in paper and
// backtest modes where no broker backs the account.
func (e *Engine) Account(ctx context.Context) (decimal.Decimal, *core.AccountSummary, error) {
	if e.mode == core.ModeLive {
		summary, err := e.broker.GetAccountSummary(ctx)
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("account summary unavailable: %w", err)
		}
		return summary.Balance, summary, nil
	}
	return decimal.NewFromFloat(e.cfg.InitialBalance).Add(e.ledger.RealizedPnL()), nil, nil
}

// AccountBalance returns the broker balance in live mode, otherwise the
// initial balance adjusted by realized P&L
func (e *Engine) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	balance, _, err := e.Account(ctx)
	return balance, err
}

// ExecuteSignal sizes the signal, runs the validator gates and executes
// on approval. Expected rejections come back as Success=false with a
// reason, never as an error.
func (e *Engine) ExecuteSignal(ctx context.Context, signal core.Signal, balance decimal.Decimal) core.ExecutionResult {
	if e.paused.Load() {
		return core.ExecutionResult{Success: false, Reason: "trading paused"}
	}
	if signal.Instrument == "" || signal.Price.LessThanOrEqual(decimal.Zero) {
		return core.ExecutionResult{Success: false, Reason: "invalid signal"}
	}

	size, stopDistance, reason := e.computeSize(signal, balance)
	if reason != "" {
		e.recordRejection(signal.Instrument, reason)
		return core.ExecutionResult{Success: false, Reason: reason}
	}

	stopLoss, takeProfit := protectionLevels(signal.Side, signal.Price, stopDistance, e.cfg.RiskRewardRatio)

	approved, rejectReason := e.validator.ValidateAndReserve(ctx, signal, size, balance)
	if !approved {
		e.recordRejection(signal.Instrument, rejectReason)
		return core.ExecutionResult{Success: false, Reason: rejectReason}
	}
	exposure := size.Mul(signal.Price).Abs()
	defer e.validator.Release(exposure)

	order := &core.Order{
		Instrument:     signal.Instrument,
		Side:           signal.Side,
		Kind:           core.OrderMarket,
		RequestedSize:  size,
		RequestedPrice: signal.Price,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Strategy:       signal.Strategy,
	}
	if err := e.ledger.SubmitOrder(order); err != nil {
		return core.ExecutionResult{Success: false, Err: err}
	}
	telemetry.Instruments().OrdersPlacedTotal.Add(ctx, 1)
	e.bump(func(s *Summary) { s.OrdersPlaced++ })

	start := time.Now()
	var fillPrice decimal.Decimal
	var err error
	if e.mode == core.ModeLive {
		fillPrice, err = e.forwardToBroker(ctx, order)
	} else {
		fillPrice, err = e.simulateFill(ctx, order)
	}
	if err != nil {
		_ = e.ledger.RejectOrder(order.ID)
		e.recordRejection(signal.Instrument, err.Error())
		e.logger.Error("Order execution failed",
			"order_id", order.ID,
			"instrument", order.Instrument,
			"error", err)
		return core.ExecutionResult{Success: false, OrderID: order.ID, Err: err}
	}

	slippage := fillPrice.Sub(signal.Price).Abs()
	commission := size.Mul(decimal.NewFromFloat(e.cfg.CommissionPerUnit))
	fillTime := time.Now()

	position, err := e.ledger.ApplyFill(order.ID, size, fillPrice, slippage, commission, fillTime)
	if err != nil {
		return core.ExecutionResult{Success: false, OrderID: order.ID, Err: err}
	}

	latencyMs := float64(time.Since(start).Microseconds()) / 1000
	telemetry.Instruments().OrdersFilledTotal.Add(ctx, 1)
	telemetry.Instruments().ExecLatency.Record(ctx, latencyMs)
	slipF, _ := slippage.Float64()
	telemetry.Instruments().Slippage.Record(ctx, slipF)
	telemetry.Instruments().SetPositionsOpen(int64(len(e.ledger.OpenPositions())))
	e.bump(func(s *Summary) {
		s.OrdersFilled++
		s.TotalSlippage = s.TotalSlippage.Add(slippage)
		s.TotalCommission = s.TotalCommission.Add(commission)
	})

	e.logger.Info("Signal executed",
		"instrument", signal.Instrument,
		"side", signal.Side,
		"size", size.String(),
		"fill_price", fillPrice.String(),
		"slippage", slippage.String())

	return core.ExecutionResult{
		Success:    true,
		OrderID:    order.ID,
		PositionID: position.ID,
		FillPrice:  fillPrice,
		FillTime:   fillTime,
		Slippage:   slippage,
	}
}

// computeSize derives the position size from the per-trade risk budget
// and the ATR stop distance, then clips to lot constraints. An empty
// reason means the size is usable.
func (e *Engine) computeSize(signal core.Signal, balance decimal.Decimal) (size, stopDistance decimal.Decimal, reason string) {
	if signal.ATR.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, "volatility unavailable for sizing"
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, "account balance unavailable"
	}

	stopDistance = signal.ATR.Mul(decimal.NewFromFloat(e.cfg.StopLossATRMultiplier))
	riskAmount := balance.Mul(decimal.NewFromFloat(e.cfg.RiskPerTradePct))
	size = riskAmount.Div(stopDistance)

	step := decimal.NewFromFloat(e.cfg.LotStep)
	if step.GreaterThan(decimal.Zero) {
		size = size.Div(step).Floor().Mul(step)
	}
	maxLot := decimal.NewFromFloat(e.cfg.MaxLot)
	if maxLot.GreaterThan(decimal.Zero) && size.GreaterThan(maxLot) {
		size = maxLot
	}
	if size.LessThan(decimal.NewFromFloat(e.cfg.MinLot)) {
		return decimal.Zero, decimal.Zero, "computed size below minimum lot"
	}
	return size, stopDistance, ""
}

// protectionLevels places the stop at one stop-distance and the target
// at stop-distance times the risk-reward ratio, signed per side
func protectionLevels(side core.Side, price, stopDistance decimal.Decimal, riskReward float64) (stopLoss, takeProfit decimal.Decimal) {
	targetDistance := stopDistance.Mul(decimal.NewFromFloat(riskReward))
	if side == core.SideBuy {
		return price.Sub(stopDistance), price.Add(targetDistance)
	}
	return price.Add(stopDistance), price.Sub(targetDistance)
}

// simulateFill models latency and adverse slippage for paper/backtest
func (e *Engine) simulateFill(ctx context.Context, order *core.Order) (decimal.Decimal, error) {
	if e.cfg.SimLatencyMs > 0 {
		timer := time.NewTimer(time.Duration(e.cfg.SimLatencyMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}

	price := order.RequestedPrice
	sizeF, _ := order.RequestedSize.Float64()

	depthFactor := 1.0
	if e.cfg.SlippageDepthUnits > 0 {
		depthFactor = 1 + sizeF/e.cfg.SlippageDepthUnits
	}
	slipPct := e.cfg.SlippageBasePct*depthFactor + e.jitter()*e.cfg.SlippageJitterPct
	if e.cfg.SlippageMaxPct > 0 && slipPct > e.cfg.SlippageMaxPct {
		slipPct = e.cfg.SlippageMaxPct
	}

	slip := price.Mul(decimal.NewFromFloat(slipPct))
	if order.Side == core.SideBuy {
		return price.Add(slip), nil
	}
	return price.Sub(slip), nil
}

func (e *Engine) jitter() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// forwardToBroker submits a live order through the rate limiter and the
// transient-retry pipeline with a bounded per-call timeout
func (e *Engine) forwardToBroker(ctx context.Context, order *core.Order) (decimal.Decimal, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	result, err := e.pipeline.GetWithExecution(func(_ failsafe.Execution[*core.BrokerOrderResult]) (*core.BrokerOrderResult, error) {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		if order.Kind == core.OrderLimit {
			return e.broker.PlaceLimitOrder(callCtx, order.Instrument, order.Side, order.RequestedSize, order.RequestedPrice, order.StopLoss, order.TakeProfit)
		}
		return e.broker.PlaceMarketOrder(callCtx, order.Instrument, order.Side, order.RequestedSize, order.StopLoss, order.TakeProfit)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !result.Success {
		return decimal.Zero, core.ErrBrokerRejected
	}
	return result.FillPrice, nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(e.cfg.OrderTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ClosePosition closes a position at market
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) core.ExecutionResult {
	return e.closePosition(ctx, positionID, reason, core.OrderMarket, decimal.Zero)
}

// CloseWithLimit closes a position with a limit order at the given
// price; used when volatility makes market closes expensive
func (e *Engine) CloseWithLimit(ctx context.Context, positionID, reason string, limitPrice decimal.Decimal) core.ExecutionResult {
	return e.closePosition(ctx, positionID, reason, core.OrderLimit, limitPrice)
}

func (e *Engine) closePosition(ctx context.Context, positionID, reason string, kind core.OrderKind, limitPrice decimal.Decimal) core.ExecutionResult {
	if err := e.ledger.ClaimClose(positionID); err != nil {
		if errors.Is(err, core.ErrPositionClosed) {
			return core.ExecutionResult{Success: false, PositionID: positionID, Reason: "position already closed"}
		}
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: err}
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	position, err := e.ledger.Position(positionID)
	if err != nil {
		e.ledger.ReleaseClose(positionID)
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: err}
	}

	closePrice := limitPrice
	if kind != core.OrderLimit || closePrice.LessThanOrEqual(decimal.Zero) {
		closePrice, err = e.market.LatestPrice(ctx, position.Instrument)
		if err != nil {
			e.ledger.ReleaseClose(positionID)
			return core.ExecutionResult{Success: false, PositionID: positionID, Err: fmt.Errorf("%w: no close price for %s", core.ErrDataUnavailable, position.Instrument)}
		}
	}

	order := &core.Order{
		Instrument:     position.Instrument,
		Side:           position.Side.Opposite(),
		Kind:           kind,
		RequestedSize:  position.Size,
		RequestedPrice: closePrice,
		Strategy:       position.Strategy,
	}
	if err := e.ledger.SubmitOrder(order); err != nil {
		e.ledger.ReleaseClose(positionID)
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: err}
	}

	if e.mode == core.ModeLive {
		if err := e.brokerClose(ctx, position.Instrument, position.Size); err != nil {
			_ = e.ledger.RejectOrder(order.ID)
			e.ledger.ReleaseClose(positionID)
			e.logger.Error("Broker close failed",
				"position_id", positionID,
				"instrument", position.Instrument,
				"error", err)
			return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
		}
	} else {
		closePrice, err = e.simulateFill(ctx, order)
		if err != nil {
			_ = e.ledger.RejectOrder(order.ID)
			e.ledger.ReleaseClose(positionID)
			return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
		}
	}

	fillTime := time.Now()
	closed, err := e.ledger.ApplyFill(order.ID, position.Size, closePrice, decimal.Zero, decimal.Zero, fillTime)
	if err != nil {
		e.ledger.ReleaseClose(positionID)
		return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
	}

	pnlF, _ := closed.RealizedPnL.Float64()
	telemetry.Instruments().PnLRealizedTotal.Add(ctx, pnlF)
	telemetry.Instruments().ClearUnrealizedPnL(position.Instrument)
	telemetry.Instruments().SetPositionsOpen(int64(len(e.ledger.OpenPositions())))
	e.bump(func(s *Summary) { s.PositionsClosed++ })

	e.logger.Info("Position closed",
		"position_id", positionID,
		"instrument", position.Instrument,
		"reason", reason,
		"realized_pnl", closed.RealizedPnL.String())

	return core.ExecutionResult{
		Success:    true,
		OrderID:    order.ID,
		PositionID: positionID,
		FillPrice:  closePrice,
		FillTime:   fillTime,
	}
}

func (e *Engine) brokerClose(ctx context.Context, instrument string, units decimal.Decimal) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := e.closePipe.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		return nil, e.broker.ClosePosition(callCtx, instrument, units)
	})
	return err
}

// ReducePosition closes part of a position, realizing proportional P&L
func (e *Engine) ReducePosition(ctx context.Context, positionID string, fraction float64, reason string) core.ExecutionResult {
	if fraction <= 0 || fraction >= 1 {
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: fmt.Errorf("reduce fraction must be in (0, 1), got %v", fraction)}
	}

	position, err := e.ledger.Position(positionID)
	if err != nil {
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: err}
	}
	if position.Closed {
		return core.ExecutionResult{Success: false, PositionID: positionID, Reason: "position already closed"}
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	price, err := e.market.LatestPrice(ctx, position.Instrument)
	if err != nil {
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: fmt.Errorf("%w: no price for %s", core.ErrDataUnavailable, position.Instrument)}
	}

	reduceSize := position.Size.Mul(decimal.NewFromFloat(fraction))
	step := decimal.NewFromFloat(e.cfg.LotStep)
	if step.GreaterThan(decimal.Zero) {
		reduceSize = reduceSize.Div(step).Floor().Mul(step)
	}
	if reduceSize.LessThanOrEqual(decimal.Zero) {
		return core.ExecutionResult{Success: false, PositionID: positionID, Reason: "reduce size below lot step"}
	}

	order := &core.Order{
		Instrument:     position.Instrument,
		Side:           position.Side.Opposite(),
		Kind:           core.OrderMarket,
		RequestedSize:  reduceSize,
		RequestedPrice: price,
		Strategy:       position.Strategy,
	}
	if err := e.ledger.SubmitOrder(order); err != nil {
		return core.ExecutionResult{Success: false, PositionID: positionID, Err: err}
	}

	if e.mode == core.ModeLive {
		if err := e.brokerClose(ctx, position.Instrument, reduceSize); err != nil {
			_ = e.ledger.RejectOrder(order.ID)
			return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
		}
	} else {
		price, err = e.simulateFill(ctx, order)
		if err != nil {
			_ = e.ledger.RejectOrder(order.ID)
			return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
		}
	}

	if _, err := e.ledger.ApplyFill(order.ID, reduceSize, price, decimal.Zero, decimal.Zero, time.Now()); err != nil {
		return core.ExecutionResult{Success: false, OrderID: order.ID, PositionID: positionID, Err: err}
	}

	e.logger.Info("Position reduced",
		"position_id", positionID,
		"instrument", position.Instrument,
		"reduced_by", reduceSize.String(),
		"reason", reason)
	return core.ExecutionResult{Success: true, OrderID: order.ID, PositionID: positionID, FillPrice: price, FillTime: time.Now()}
}

// CloseAllPositions closes every open position through a worker pool;
// per-position failures are collected, not fatal to the batch
func (e *Engine) CloseAllPositions(ctx context.Context, reason string) (int, error) {
	positions := e.ledger.OpenPositions()
	if len(positions) == 0 {
		return 0, nil
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "bulk_close",
		MaxWorkers: 4,
	}, e.logger)

	var mu sync.Mutex
	var errs []error
	closed := 0

	for i := range positions {
		id := positions[i].ID
		_ = pool.Submit(func() {
			result := e.ClosePosition(ctx, id, reason)
			mu.Lock()
			defer mu.Unlock()
			if result.Success {
				closed++
			} else if result.Err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", id, result.Err))
			}
		})
	}
	pool.Stop()

	return closed, errors.Join(errs...)
}

// CancelAllOrders cancels every pending order; failures are collected
func (e *Engine) CancelAllOrders(ctx context.Context) (int, error) {
	pending := e.ledger.PendingOrders()
	var errs []error
	cancelled := 0

	for i := range pending {
		id := pending[i].ID
		if e.mode == core.ModeLive {
			if err := e.broker.CancelOrder(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("broker cancel %s: %w", id, err))
				continue
			}
		}
		if err := e.ledger.CancelOrder(id); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

func (e *Engine) recordRejection(instrument, reason string) {
	telemetry.Instruments().OrdersRejectedTotal.Add(context.Background(), 1)
	e.bump(func(s *Summary) { s.OrdersRejected++ })
	e.logger.Warn("Trade rejected", "instrument", instrument, "reason", reason)
}

func (e *Engine) bump(fn func(*Summary)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	fn(&e.summary)
}
