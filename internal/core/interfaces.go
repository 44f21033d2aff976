// Package core defines the domain types and collaborator interfaces for
// the execution and position-management subsystem.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the adapter to the live broker. Implementations are
// out of scope; the execution engine only depends on this surface.
type Broker interface {
	PlaceMarketOrder(ctx context.Context, instrument string, side Side, units decimal.Decimal, stopLoss, takeProfit decimal.Decimal) (*BrokerOrderResult, error)
	PlaceLimitOrder(ctx context.Context, instrument string, side Side, units decimal.Decimal, price, stopLoss, takeProfit decimal.Decimal) (*BrokerOrderResult, error)
	ClosePosition(ctx context.Context, instrument string, units decimal.Decimal) error
	CancelOrder(ctx context.Context, orderID string) error
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
}

// MarketData supplies prices and risk inputs. Missing data is reported
// through errors, never through fabricated zero values; callers treat
// an error as "unknown" and fail closed on risk-relevant checks.
type MarketData interface {
	LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
	ReturnSeries(ctx context.Context, instrument string, lookback int) ([]float64, error)
	// Volatility returns the current volatility and its rolling normal level.
	Volatility(ctx context.Context, instrument string) (current, normal float64, err error)
	// LiquidityFactor returns available liquidity as a fraction of normal (1.0 = normal).
	LiquidityFactor(ctx context.Context, instrument string) (float64, error)
	Regime(ctx context.Context) (MarketRegime, error)
	Cycle(ctx context.Context) (EconomicCycle, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
