package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the offsetting side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind is the order type submitted to the broker
type OrderKind string

const (
	OrderMarket    OrderKind = "MARKET"
	OrderLimit     OrderKind = "LIMIT"
	OrderStop      OrderKind = "STOP"
	OrderStopLimit OrderKind = "STOP_LIMIT"
)

// OrderState is the lifecycle state of an order.
// Only PENDING orders may transition; all other states are terminal.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderFilled          OrderState = "FILLED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderExpired         OrderState = "EXPIRED"
)

// Terminal reports whether the state permits no further transitions
func (s OrderState) Terminal() bool {
	return s != OrderPending
}

// Mode selects how orders are executed
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// Severity classifies risk alerts
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MarketRegime is an opaque regime indicator produced upstream
type MarketRegime string

const (
	RegimeBull   MarketRegime = "bull"
	RegimeBear   MarketRegime = "bear"
	RegimeRange  MarketRegime = "range"
	RegimeCrisis MarketRegime = "crisis"
)

// EconomicCycle is an opaque cycle-phase indicator produced upstream
type EconomicCycle string

const (
	CycleExpansion   EconomicCycle = "expansion"
	CyclePeak        EconomicCycle = "peak"
	CycleContraction EconomicCycle = "contraction"
	CycleTrough      EconomicCycle = "trough"
)

// Order is a request for execution tracked through its lifecycle.
// Invariant maintained by the ledger: FilledSize + RemainingSize == RequestedSize.
type Order struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	Side           Side            `json:"side"`
	Kind           OrderKind       `json:"kind"`
	RequestedSize  decimal.Decimal `json:"requested_size"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	Strategy       string          `json:"strategy"`
	CreatedAt      time.Time       `json:"created_at"`
	State          OrderState      `json:"state"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	FillTime       time.Time       `json:"fill_time"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	RemainingSize  decimal.Decimal `json:"remaining_size"`
	Slippage       decimal.Decimal `json:"slippage"`
	Commission     decimal.Decimal `json:"commission"`
}

// Position is a net open exposure in one instrument.
// Lifecycle mutation is owned exclusively by the ledger.
type Position struct {
	ID            string          `json:"id"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Strategy      string          `json:"strategy"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosePrice    decimal.Decimal `json:"close_price"`
	ClosedAt      time.Time       `json:"closed_at"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Closed        bool            `json:"closed"`
	Version       int64           `json:"version"`
}

// Notional returns the position's exposure at the given mark price
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price).Abs()
}

// UnrealizedPnLPct returns the unrealized P&L as a fraction of entry notional
func (p *Position) UnrealizedPnLPct() float64 {
	notional := p.Size.Mul(p.EntryPrice)
	if notional.IsZero() {
		return 0
	}
	pct, _ := p.UnrealizedPnL.Div(notional).Float64()
	return pct
}

// Trade is an immutable history record created on fill.
// RealizedPnL may be backfilled exactly once when the position closes.
type Trade struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	Side        Side            `json:"side"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	Strategy    string          `json:"strategy"`
	Timestamp   time.Time       `json:"timestamp"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PnLFinal    bool            `json:"pnl_final"`
}

// Signal is a trading decision handed to the execution engine by an
// upstream strategy. ATR carries the signal's embedded volatility measure.
type Signal struct {
	Instrument string
	Side       Side
	Strategy   string
	Price      decimal.Decimal
	ATR        decimal.Decimal
}

// ExecutionResult is the outcome of an execution engine operation.
// Expected rejections set Reason and Success=false; they are not errors.
type ExecutionResult struct {
	Success    bool
	OrderID    string
	PositionID string
	FillPrice  decimal.Decimal
	FillTime   time.Time
	Slippage   decimal.Decimal
	Reason     string
	Err        error
}

// CorrelationPair is one entry of the pairwise correlation matrix
type CorrelationPair struct {
	A           string
	B           string
	Coefficient float64
	Flagged     bool
}

// RiskSnapshot is a point-in-time value object produced by the risk
// metrics engine. It is immutable once produced; the next computation
// supersedes it rather than mutating it.
type RiskSnapshot struct {
	TotalPnL          decimal.Decimal
	DailyPnL          decimal.Decimal
	MaxDrawdown       float64
	CurrentDrawdown   float64
	VaR95             float64
	VaR99             float64
	Sharpe            float64
	Sortino           float64
	Calmar            float64
	WinRate           float64
	ProfitFactor      float64
	Correlations      []CorrelationPair
	CorrelationsKnown bool
	Leverage          float64
	MarginUtilization float64
	TradesSampled     int
	ComputedAt        time.Time
}

// Alert is an append-only risk alert record
type Alert struct {
	Kind      string
	Severity  Severity
	Message   string
	Timestamp time.Time
	Values    map[string]float64
}

// PositionDecision names a position and the human-readable reason it was
// placed on the emergency close or protect list
type PositionDecision struct {
	PositionID string
	Instrument string
	Reason     string
}

// Assessment is the output of the emergency stop decision engine,
// consumed once and then archived to bounded history
type Assessment struct {
	ActionNeeded   bool
	TriggerReasons []string
	RiskLevel      Severity
	Close          []PositionDecision
	Protect        []PositionDecision
	CreatedAt      time.Time
}

// StopSummary records the outcome of executing an emergency stop
type StopSummary struct {
	Closed        int
	Protected     int
	NetPnLImpact  decimal.Decimal
	RiskReduction decimal.Decimal
	Errors        []string
}

// AccountSummary mirrors the broker's account view
type AccountSummary struct {
	Balance         decimal.Decimal
	NAV             decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	MarginUsed      decimal.Decimal
	MarginAvailable decimal.Decimal
}

// BrokerOrderResult is the broker's response to an order submission
type BrokerOrderResult struct {
	Success   bool
	OrderID   string
	FillPrice decimal.Decimal
}
