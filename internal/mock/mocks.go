// Package mock provides test doubles for the broker and market data
// collaborators.
package mock

import (
	"context"
	"sync"

	"tradeguard/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// Broker is a testify mock of core.Broker
type Broker struct {
	mock.Mock
}

func (m *Broker) PlaceMarketOrder(ctx context.Context, instrument string, side core.Side, units, stopLoss, takeProfit decimal.Decimal) (*core.BrokerOrderResult, error) {
	args := m.Called(ctx, instrument, side, units, stopLoss, takeProfit)
	if res := args.Get(0); res != nil {
		return res.(*core.BrokerOrderResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Broker) PlaceLimitOrder(ctx context.Context, instrument string, side core.Side, units, price, stopLoss, takeProfit decimal.Decimal) (*core.BrokerOrderResult, error) {
	args := m.Called(ctx, instrument, side, units, price, stopLoss, takeProfit)
	if res := args.Get(0); res != nil {
		return res.(*core.BrokerOrderResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Broker) ClosePosition(ctx context.Context, instrument string, units decimal.Decimal) error {
	args := m.Called(ctx, instrument, units)
	return args.Error(0)
}

func (m *Broker) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *Broker) GetAccountSummary(ctx context.Context) (*core.AccountSummary, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.(*core.AccountSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

// MarketData is a testify mock of core.MarketData
type MarketData struct {
	mock.Mock
}

func (m *MarketData) LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	args := m.Called(ctx, instrument)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MarketData) ReturnSeries(ctx context.Context, instrument string, lookback int) ([]float64, error) {
	args := m.Called(ctx, instrument, lookback)
	if res := args.Get(0); res != nil {
		return res.([]float64), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MarketData) Volatility(ctx context.Context, instrument string) (float64, float64, error) {
	args := m.Called(ctx, instrument)
	return args.Get(0).(float64), args.Get(1).(float64), args.Error(2)
}

func (m *MarketData) LiquidityFactor(ctx context.Context, instrument string) (float64, error) {
	args := m.Called(ctx, instrument)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MarketData) Regime(ctx context.Context) (core.MarketRegime, error) {
	args := m.Called(ctx)
	return args.Get(0).(core.MarketRegime), args.Error(1)
}

func (m *MarketData) Cycle(ctx context.Context) (core.EconomicCycle, error) {
	args := m.Called(ctx)
	return args.Get(0).(core.EconomicCycle), args.Error(1)
}

// StaticMarketData is a stateful fake fed with fixed values, convenient
// where scripting every call is noisy
type StaticMarketData struct {
	mu                sync.RWMutex
	Prices            map[string]decimal.Decimal
	Series            map[string][]float64
	CurrentVolatility float64
	NormalVolatility  float64
	Liquidity         float64
	MarketRegime      core.MarketRegime
	EconomicCycle     core.EconomicCycle
	Err               error
}

func NewStaticMarketData() *StaticMarketData {
	return &StaticMarketData{
		Prices:            make(map[string]decimal.Decimal),
		Series:            make(map[string][]float64),
		CurrentVolatility: 0.01,
		NormalVolatility:  0.01,
		Liquidity:         1.0,
		MarketRegime:      core.RegimeRange,
		EconomicCycle:     core.CycleExpansion,
	}
}

func (s *StaticMarketData) SetPrice(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prices[instrument] = price
}

func (s *StaticMarketData) LatestPrice(_ context.Context, instrument string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return decimal.Zero, s.Err
	}
	price, ok := s.Prices[instrument]
	if !ok {
		return decimal.Zero, core.ErrDataUnavailable
	}
	return price, nil
}

func (s *StaticMarketData) ReturnSeries(_ context.Context, instrument string, lookback int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	series, ok := s.Series[instrument]
	if !ok {
		return nil, core.ErrDataUnavailable
	}
	if lookback > 0 && len(series) > lookback {
		series = series[len(series)-lookback:]
	}
	return series, nil
}

func (s *StaticMarketData) Volatility(_ context.Context, _ string) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return 0, 0, s.Err
	}
	return s.CurrentVolatility, s.NormalVolatility, nil
}

func (s *StaticMarketData) LiquidityFactor(_ context.Context, _ string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return 0, s.Err
	}
	return s.Liquidity, nil
}

func (s *StaticMarketData) Regime(_ context.Context) (core.MarketRegime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return "", s.Err
	}
	return s.MarketRegime, nil
}

func (s *StaticMarketData) Cycle(_ context.Context) (core.EconomicCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return "", s.Err
	}
	return s.EconomicCycle, nil
}
