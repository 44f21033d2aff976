// Package ledger holds the canonical in-memory state of orders,
// positions and trade history. It is the single source of truth; all
// other components read from it and request mutations through the
// execution engine, never by touching entity fields directly.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger owns order and position lifecycle mutation. Mutations to a
// given identity are serialized: quick in-memory transitions go through
// the ledger mutex, and long-running close operations claim the
// position first so a second closer observes "already closed".
type Ledger struct {
	logger     core.ILogger
	multiplier decimal.Decimal

	mu           sync.RWMutex
	orders       map[string]*core.Order
	positions    map[string]*core.Position
	byInstrument map[string]string // instrument -> open position ID
	trades       []core.Trade
	closing      map[string]bool // close-claimed position IDs
}

// New creates an empty ledger. contractMultiplier scales P&L per unit
// (1.0 for spot-like instruments).
func New(contractMultiplier decimal.Decimal, logger core.ILogger) *Ledger {
	if contractMultiplier.IsZero() {
		contractMultiplier = decimal.NewFromInt(1)
	}
	return &Ledger{
		logger:       logger.WithField("component", "ledger"),
		multiplier:   contractMultiplier,
		orders:       make(map[string]*core.Order),
		positions:    make(map[string]*core.Position),
		byInstrument: make(map[string]string),
		closing:      make(map[string]bool),
	}
}

// SubmitOrder registers a new order in PENDING state
func (l *Ledger) SubmitOrder(o *core.Order) error {
	if o.RequestedSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order size must be positive, got %s", o.RequestedSize)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.State = core.OrderPending
	o.FilledSize = decimal.Zero
	o.RemainingSize = o.RequestedSize

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[o.ID]; exists {
		return fmt.Errorf("duplicate order id %s", o.ID)
	}
	cp := *o
	l.orders[o.ID] = &cp
	return nil
}

// ApplyFill transitions a PENDING order on a (possibly partial) fill and
// applies its effect to the instrument's position. It returns a copy of
// the affected position.
func (l *Ledger) ApplyFill(orderID string, fillSize, fillPrice, slippage, commission decimal.Decimal, at time.Time) (core.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return core.Position{}, core.ErrOrderNotFound
	}
	if o.State.Terminal() {
		return core.Position{}, fmt.Errorf("%w: order %s is %s", core.ErrOrderTerminal, orderID, o.State)
	}
	if fillSize.LessThanOrEqual(decimal.Zero) || fillSize.GreaterThan(o.RemainingSize) {
		return core.Position{}, fmt.Errorf("fill size %s outside remaining %s for order %s", fillSize, o.RemainingSize, orderID)
	}
	// Validate the position effect before touching the order so a
	// rejected fill leaves the order in its prior state.
	if posID, open := l.byInstrument[o.Instrument]; open {
		p := l.positions[posID]
		if o.Side != p.Side && fillSize.GreaterThan(p.Size) {
			return core.Position{}, fmt.Errorf("offsetting fill %s exceeds open position size %s for %s", fillSize, p.Size, o.Instrument)
		}
	}

	o.FilledSize = o.FilledSize.Add(fillSize)
	o.RemainingSize = o.RequestedSize.Sub(o.FilledSize)
	o.FillPrice = fillPrice
	o.FillTime = at
	o.Slippage = slippage
	o.Commission = o.Commission.Add(commission)
	if o.RemainingSize.IsZero() {
		o.State = core.OrderFilled
	} else {
		o.State = core.OrderPartiallyFilled
	}

	return l.applyToPositionLocked(o, fillSize, fillPrice, at), nil
}

// applyToPositionLocked opens, extends, reduces or closes the position
// keyed by the order's instrument. The fill has already been validated
// against the open position. Caller holds l.mu.
func (l *Ledger) applyToPositionLocked(o *core.Order, fillSize, fillPrice decimal.Decimal, at time.Time) core.Position {
	posID, open := l.byInstrument[o.Instrument]

	if !open {
		p := &core.Position{
			ID:         uuid.NewString(),
			Instrument: o.Instrument,
			Side:       o.Side,
			Size:       fillSize,
			EntryPrice: fillPrice,
			Strategy:   o.Strategy,
			OpenedAt:   at,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			Version:    1,
		}
		l.positions[p.ID] = p
		l.byInstrument[o.Instrument] = p.ID
		l.appendTradeLocked(o, fillSize, fillPrice, at, decimal.Zero, false)
		l.logger.Info("Position opened",
			"position_id", p.ID,
			"instrument", p.Instrument,
			"side", p.Side,
			"size", p.Size.String(),
			"entry", p.EntryPrice.String())
		return *p
	}

	p := l.positions[posID]
	if o.Side == p.Side {
		// Extend: weighted average entry price
		newSize := p.Size.Add(fillSize)
		p.EntryPrice = p.EntryPrice.Mul(p.Size).Add(fillPrice.Mul(fillSize)).Div(newSize)
		p.Size = newSize
		p.Version++
		l.appendTradeLocked(o, fillSize, fillPrice, at, decimal.Zero, false)
		return *p
	}

	// Full offset
	if fillSize.Equal(p.Size) {
		pnl := l.realizedPnLLocked(p, fillPrice, p.Size)
		p.ClosePrice = fillPrice
		p.ClosedAt = at
		p.RealizedPnL = pnl
		p.UnrealizedPnL = decimal.Zero
		p.Closed = true
		p.Version++
		delete(l.byInstrument, o.Instrument)
		delete(l.closing, p.ID)
		l.appendTradeLocked(o, fillSize, fillPrice, at, pnl, true)
		l.logger.Info("Position closed",
			"position_id", p.ID,
			"instrument", p.Instrument,
			"realized_pnl", pnl.String())
		return *p
	}

	// Partial offset: realize proportional P&L, keep position open
	pnl := l.realizedPnLLocked(p, fillPrice, fillSize)
	p.Size = p.Size.Sub(fillSize)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Version++
	l.appendTradeLocked(o, fillSize, fillPrice, at, pnl, true)
	l.logger.Info("Position reduced",
		"position_id", p.ID,
		"instrument", p.Instrument,
		"remaining", p.Size.String(),
		"realized_pnl", pnl.String())
	return *p
}

// realizedPnLLocked computes (close - entry) * size * multiplier, with
// the sign flipped for short positions
func (l *Ledger) realizedPnLLocked(p *core.Position, closePrice, size decimal.Decimal) decimal.Decimal {
	pnl := closePrice.Sub(p.EntryPrice).Mul(size).Mul(l.multiplier)
	if p.Side == core.SideSell {
		pnl = pnl.Neg()
	}
	return pnl
}

func (l *Ledger) appendTradeLocked(o *core.Order, size, price decimal.Decimal, at time.Time, pnl decimal.Decimal, final bool) {
	l.trades = append(l.trades, core.Trade{
		ID:          uuid.NewString(),
		Instrument:  o.Instrument,
		Side:        o.Side,
		Size:        size,
		Price:       price,
		Strategy:    o.Strategy,
		Timestamp:   at,
		RealizedPnL: pnl,
		PnLFinal:    final,
	})
}

// terminate moves a PENDING order to the given terminal state
func (l *Ledger) terminate(orderID string, state core.OrderState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return core.ErrOrderNotFound
	}
	if o.State.Terminal() {
		return fmt.Errorf("%w: order %s is %s", core.ErrOrderTerminal, orderID, o.State)
	}
	o.State = state
	return nil
}

// RejectOrder marks a PENDING order rejected
func (l *Ledger) RejectOrder(orderID string) error {
	return l.terminate(orderID, core.OrderRejected)
}

// CancelOrder marks a PENDING order cancelled
func (l *Ledger) CancelOrder(orderID string) error {
	return l.terminate(orderID, core.OrderCancelled)
}

// ExpireOrder marks a PENDING order expired
func (l *Ledger) ExpireOrder(orderID string) error {
	return l.terminate(orderID, core.OrderExpired)
}

// ClaimClose reserves a position for closing. The second concurrent
// claimer, and any claimer of an already-closed position, receives
// ErrPositionClosed and must no-op.
func (l *Ledger) ClaimClose(positionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return core.ErrPositionNotFound
	}
	if p.Closed || l.closing[positionID] {
		return core.ErrPositionClosed
	}
	l.closing[positionID] = true
	return nil
}

// ReleaseClose abandons a close claim after a failed close attempt
func (l *Ledger) ReleaseClose(positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.closing, positionID)
}

// MarkPrice refreshes a position's unrealized P&L at the given price.
// The ledger exclusively owns this mutation.
func (l *Ledger) MarkPrice(positionID string, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return core.ErrPositionNotFound
	}
	if p.Closed {
		return core.ErrPositionClosed
	}
	pnl := price.Sub(p.EntryPrice).Mul(p.Size).Mul(l.multiplier)
	if p.Side == core.SideSell {
		pnl = pnl.Neg()
	}
	p.UnrealizedPnL = pnl
	return nil
}

// UpdateProtection applies a stop-loss/take-profit mutation using
// optimistic concurrency: the caller passes the version it read, and a
// mismatch returns ErrConcurrencyConflict (re-fetch and retry once).
func (l *Ledger) UpdateProtection(positionID string, version int64, stopLoss, takeProfit decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return core.ErrPositionNotFound
	}
	if p.Closed {
		return core.ErrPositionClosed
	}
	if p.Version != version {
		return core.ErrConcurrencyConflict
	}
	if !stopLoss.IsZero() {
		p.StopLoss = stopLoss
	}
	if !takeProfit.IsZero() {
		p.TakeProfit = takeProfit
	}
	p.Version++
	return nil
}

// Position returns a copy of the position with the given ID
func (l *Ledger) Position(positionID string) (core.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[positionID]
	if !ok {
		return core.Position{}, core.ErrPositionNotFound
	}
	return *p, nil
}

// OpenPositions returns copies of all open positions
func (l *Ledger) OpenPositions() []core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.Position, 0, len(l.byInstrument))
	for _, id := range l.byInstrument {
		out = append(out, *l.positions[id])
	}
	return out
}

// OpenPositionByInstrument returns the open position for an instrument
func (l *Ledger) OpenPositionByInstrument(instrument string) (core.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byInstrument[instrument]
	if !ok {
		return core.Position{}, false
	}
	return *l.positions[id], true
}

// Order returns a copy of the order with the given ID
func (l *Ledger) Order(orderID string) (core.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[orderID]
	if !ok {
		return core.Order{}, core.ErrOrderNotFound
	}
	return *o, nil
}

// PendingOrders returns copies of all orders still in PENDING state
func (l *Ledger) PendingOrders() []core.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []core.Order
	for _, o := range l.orders {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Trades returns a copy of the trade history in insertion order
func (l *Ledger) Trades() []core.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// RealizedPnL returns the sum of finalized trade P&L
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for i := range l.trades {
		if l.trades[i].PnLFinal {
			total = total.Add(l.trades[i].RealizedPnL)
		}
	}
	return total
}

// RealizedPnLSince returns finalized P&L recorded at or after the cutoff
func (l *Ledger) RealizedPnLSince(cutoff time.Time) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for i := range l.trades {
		if l.trades[i].PnLFinal && !l.trades[i].Timestamp.Before(cutoff) {
			total = total.Add(l.trades[i].RealizedPnL)
		}
	}
	return total
}

// OpenNotional returns total entry-price notional across open positions
func (l *Ledger) OpenNotional() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, id := range l.byInstrument {
		p := l.positions[id]
		total = total.Add(p.Size.Mul(p.EntryPrice).Mul(l.multiplier).Abs())
	}
	return total
}

// UnrealizedPnL returns the sum of open positions' unrealized P&L
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, id := range l.byInstrument {
		total = total.Add(l.positions[id].UnrealizedPnL)
	}
	return total
}

// EquityCurve builds the equity series from the initial balance and the
// finalized trade history, in trade order
func (l *Ledger) EquityCurve(initial decimal.Decimal) []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	curve := make([]float64, 0, len(l.trades)+1)
	equity, _ := initial.Float64()
	curve = append(curve, equity)
	for i := range l.trades {
		if !l.trades[i].PnLFinal {
			continue
		}
		pnl, _ := l.trades[i].RealizedPnL.Float64()
		equity += pnl
		curve = append(curve, equity)
	}
	return curve
}

// SaveTo persists a snapshot of the ledger
func (l *Ledger) SaveTo(ctx context.Context, store Store) error {
	l.mu.RLock()
	state := &State{SavedAt: time.Now()}
	for _, o := range l.orders {
		state.Orders = append(state.Orders, *o)
	}
	for _, p := range l.positions {
		state.Positions = append(state.Positions, *p)
	}
	state.Trades = make([]core.Trade, len(l.trades))
	copy(state.Trades, l.trades)
	l.mu.RUnlock()

	return store.Save(ctx, state)
}

// LoadFrom restores the ledger from a persisted snapshot, preserving
// open-position identity across restarts. A nil state is a no-op.
func (l *Ledger) LoadFrom(ctx context.Context, store Store) error {
	state, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = make(map[string]*core.Order, len(state.Orders))
	for i := range state.Orders {
		o := state.Orders[i]
		l.orders[o.ID] = &o
	}
	l.positions = make(map[string]*core.Position, len(state.Positions))
	l.byInstrument = make(map[string]string)
	for i := range state.Positions {
		p := state.Positions[i]
		l.positions[p.ID] = &p
		if !p.Closed {
			l.byInstrument[p.Instrument] = p.ID
		}
	}
	l.trades = make([]core.Trade, len(state.Trades))
	copy(l.trades, state.Trades)
	l.closing = make(map[string]bool)

	l.logger.Info("Ledger restored",
		"orders", len(l.orders),
		"positions", len(l.positions),
		"open", len(l.byInstrument),
		"trades", len(l.trades))
	return nil
}
