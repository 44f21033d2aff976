package risk

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/ledger"
	"tradeguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// MetricsEngine computes portfolio risk snapshots from ledger state and
// market data. Each computation produces one immutable snapshot; the
// latest snapshot supersedes the previous one atomically.
type MetricsEngine struct {
	ledger         *ledger.Ledger
	market         core.MarketData
	initialBalance decimal.Decimal
	logger         core.ILogger

	mu     sync.RWMutex
	limits config.RiskLimitsConfig
	latest *core.RiskSnapshot
}

func NewMetricsEngine(limits config.RiskLimitsConfig, led *ledger.Ledger, market core.MarketData, initialBalance decimal.Decimal, logger core.ILogger) *MetricsEngine {
	return &MetricsEngine{
		limits:         limits,
		ledger:         led,
		market:         market,
		initialBalance: initialBalance,
		logger:         logger.WithField("component", "risk_metrics"),
	}
}

// SetLimits replaces the limits used for lookback, correlation and
// freshness decisions
func (e *MetricsEngine) SetLimits(limits config.RiskLimitsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
}

func (e *MetricsEngine) currentLimits() config.RiskLimitsConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// Latest returns the most recent snapshot, ok=false if none has been
// computed yet
func (e *MetricsEngine) Latest() (core.RiskSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return core.RiskSnapshot{}, false
	}
	return *e.latest, true
}

// Fresh reports whether a snapshot exists and is no older than one
// recomputation cycle
func (e *MetricsEngine) Fresh(now time.Time) bool {
	snap, ok := e.Latest()
	if !ok {
		return false
	}
	maxAge := time.Duration(e.currentLimits().RecomputeIntervalSec) * time.Second
	return now.Sub(snap.ComputedAt) <= maxAge
}

// Compute builds a new snapshot from current ledger state. The account
// summary is optional; margin utilization is zero without it.
func (e *MetricsEngine) Compute(ctx context.Context, balance decimal.Decimal, account *core.AccountSummary) (core.RiskSnapshot, error) {
	if balance.LessThanOrEqual(decimal.Zero) {
		return core.RiskSnapshot{}, core.ErrDataUnavailable
	}

	snap := core.RiskSnapshot{ComputedAt: time.Now()}
	limits := e.currentLimits()

	trades := e.ledger.Trades()
	balanceF, _ := balance.Float64()

	var returns []float64
	for i := range trades {
		if !trades[i].PnLFinal {
			continue
		}
		pnl, _ := trades[i].RealizedPnL.Float64()
		returns = append(returns, pnl/balanceF)
	}
	if lb := limits.ReturnLookback; lb > 0 && len(returns) > lb {
		returns = returns[len(returns)-lb:]
	}
	snap.TradesSampled = len(returns)

	snap.TotalPnL = e.ledger.RealizedPnL().Add(e.ledger.UnrealizedPnL())
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	snap.DailyPnL = e.ledger.RealizedPnLSince(midnight)

	equity := e.ledger.EquityCurve(e.initialBalance)
	snap.MaxDrawdown, snap.CurrentDrawdown = drawdownStats(equity)

	snap.VaR95 = percentile(returns, 5)
	snap.VaR99 = percentile(returns, 1)
	if snap.VaR99 > snap.VaR95 {
		snap.VaR99 = snap.VaR95
	}

	if sd := stdDev(returns); sd > 0 {
		snap.Sharpe = (mean(returns) - limits.RiskFreeRate) / sd
	}
	if dd := downsideDev(returns); dd > 0 {
		snap.Sortino = (mean(returns) - limits.RiskFreeRate) / dd
	}
	if snap.MaxDrawdown > 0 {
		totalF, _ := snap.TotalPnL.Float64()
		snap.Calmar = totalF / snap.MaxDrawdown
	}

	snap.WinRate, snap.ProfitFactor = winStats(trades)

	snap.Correlations, snap.CorrelationsKnown = e.openCorrelations(ctx)

	notional, _ := e.ledger.OpenNotional().Float64()
	snap.Leverage = notional / balanceF

	if account != nil {
		used, _ := account.MarginUsed.Float64()
		avail, _ := account.MarginAvailable.Float64()
		if used+avail > 0 {
			snap.MarginUtilization = used / (used + avail)
		}
	}

	e.mu.Lock()
	e.latest = &snap
	e.mu.Unlock()

	telemetry.Instruments().SetRiskGauges(snap.CurrentDrawdown, snap.Leverage, snap.VaR95)

	e.logger.Debug("Risk snapshot computed",
		"trades_sampled", snap.TradesSampled,
		"max_drawdown", snap.MaxDrawdown,
		"var95", snap.VaR95,
		"leverage", snap.Leverage)
	return snap, nil
}

// winStats computes win rate and profit factor over finalized trades
func winStats(trades []core.Trade) (winRate, profitFactor float64) {
	var wins, total int
	winSum, lossSum := decimal.Zero, decimal.Zero
	for i := range trades {
		if !trades[i].PnLFinal {
			continue
		}
		total++
		if trades[i].RealizedPnL.GreaterThan(decimal.Zero) {
			wins++
			winSum = winSum.Add(trades[i].RealizedPnL)
		} else {
			lossSum = lossSum.Add(trades[i].RealizedPnL)
		}
	}
	if total == 0 {
		return 0, 0
	}
	winRate = float64(wins) / float64(total)
	if !lossSum.IsZero() {
		pf, _ := winSum.Div(lossSum.Abs()).Float64()
		profitFactor = pf
	}
	return winRate, profitFactor
}

// openCorrelations computes the pairwise correlation matrix across open
// instruments. Any missing return series marks the whole matrix unknown
// so downstream checks fail closed instead of assuming independence.
func (e *MetricsEngine) openCorrelations(ctx context.Context) ([]core.CorrelationPair, bool) {
	limits := e.currentLimits()
	positions := e.ledger.OpenPositions()
	seen := make(map[string]bool)
	var instruments []string
	for i := range positions {
		if !seen[positions[i].Instrument] {
			seen[positions[i].Instrument] = true
			instruments = append(instruments, positions[i].Instrument)
		}
	}
	if len(instruments) < 2 {
		return nil, true
	}

	series := make(map[string][]float64, len(instruments))
	for _, inst := range instruments {
		s, err := e.market.ReturnSeries(ctx, inst, limits.ReturnLookback)
		if err != nil || len(s) < 2 {
			e.logger.Warn("Return series unavailable, correlation matrix unknown", "instrument", inst, "error", err)
			return nil, false
		}
		series[inst] = s
	}

	var pairs []core.CorrelationPair
	for i := 0; i < len(instruments); i++ {
		for j := i + 1; j < len(instruments); j++ {
			coef := correlation(series[instruments[i]], series[instruments[j]])
			pairs = append(pairs, core.CorrelationPair{
				A:           instruments[i],
				B:           instruments[j],
				Coefficient: coef,
				Flagged:     abs(coef) > limits.CorrelationLimit,
			})
		}
	}
	return pairs, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
