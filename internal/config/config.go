// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Execution   ExecutionConfig   `yaml:"execution"`
	RiskLimits  RiskLimitsConfig  `yaml:"risk_limits"`
	Protection  ProtectionConfig  `yaml:"protection"`
	Triggers    TriggersConfig    `yaml:"emergency_triggers"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	LedgerPath   string `yaml:"ledger_path"`
	CloseOnExit  bool   `yaml:"close_on_exit"`
	AlertWebhook string `yaml:"alert_webhook"`
}

// ExecutionConfig contains execution engine parameters.
// The simulation constants are deliberately configuration, not derived
// values; defaults are placeholders for paper trading.
type ExecutionConfig struct {
	Mode                  string  `yaml:"mode"`
	InitialBalance        float64 `yaml:"initial_balance"`
	RiskPerTradePct       float64 `yaml:"risk_per_trade_pct"`
	StopLossATRMultiplier float64 `yaml:"stop_loss_atr_multiplier"`
	RiskRewardRatio       float64 `yaml:"risk_reward_ratio"`
	ContractMultiplier    float64 `yaml:"contract_multiplier"`
	MinLot                float64 `yaml:"min_lot"`
	LotStep               float64 `yaml:"lot_step"`
	MaxLot                float64 `yaml:"max_lot"`
	CommissionPerUnit     float64 `yaml:"commission_per_unit"`
	SimLatencyMs          int     `yaml:"sim_latency_ms"`
	SlippageBasePct       float64 `yaml:"slippage_base_pct"`
	SlippageDepthUnits    float64 `yaml:"slippage_depth_units"`
	SlippageJitterPct     float64 `yaml:"slippage_jitter_pct"`
	SlippageMaxPct        float64 `yaml:"slippage_max_pct"`
	OrderTimeoutMs        int     `yaml:"order_timeout_ms"`
	OrderRatePerSec       int     `yaml:"order_rate_per_sec"`
	MaxRetries            int     `yaml:"max_retries"`
}

// RiskLimitsConfig contains the limits enforced by the trade validator
// and evaluated by the continuous monitor
type RiskLimitsConfig struct {
	MaxOpenPositions        int     `yaml:"max_open_positions"`
	MaxPositionsPerStrategy int     `yaml:"max_positions_per_strategy"`
	PerTradeRiskPct         float64 `yaml:"per_trade_risk_pct"`
	CorrelationLimit        float64 `yaml:"correlation_limit"`
	MaxLeverage             float64 `yaml:"max_leverage"`
	MaxDrawdownPct          float64 `yaml:"max_drawdown_pct"`
	DailyLossLimitPct       float64 `yaml:"daily_loss_limit_pct"`
	VaRLimitPct             float64 `yaml:"var_limit_pct"`
	RiskFreeRate            float64 `yaml:"risk_free_rate"`
	ReturnLookback          int     `yaml:"return_lookback"`
	RecomputeIntervalSec    int     `yaml:"recompute_interval_sec"`
}

// ProtectionConfig contains the position-protection rules used by the
// emergency stop decision engine
type ProtectionConfig struct {
	MinHoldTimeMin       int      `yaml:"min_hold_time_min"`
	ProfitProtectPct     float64  `yaml:"profit_protect_pct"`
	TrendBreakPct        float64  `yaml:"trend_break_pct"`
	DiversificationCorr  float64  `yaml:"diversification_corr"`
	SinglePosLossPct     float64  `yaml:"single_position_loss_pct"`
	AbsoluteLossFloor    float64  `yaml:"absolute_loss_floor"`
	OversizeNotional     float64  `yaml:"oversize_notional"`
	ReduceFraction       float64  `yaml:"reduce_fraction"`
	StopTightenFraction  float64  `yaml:"stop_tighten_fraction"`
	VolatilityLimitClose float64  `yaml:"volatility_limit_close"`
	TrendStrategies      []string `yaml:"trend_strategies"`
	HedgeStrategies      []string `yaml:"hedge_strategies"`
}

// TriggersConfig contains emergency stop trigger thresholds
type TriggersConfig struct {
	PortfolioLossPct     float64 `yaml:"portfolio_loss_pct"`
	PositionLossPct      float64 `yaml:"position_loss_pct"`
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"`
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	LiquidityFloor       float64 `yaml:"liquidity_floor"`
}

// MonitorConfig contains the continuous monitor cadences
type MonitorConfig struct {
	TickIntervalMs  int `yaml:"tick_interval_ms"`
	RiskIntervalSec int `yaml:"risk_interval_sec"`
	AlertBuffer     int `yaml:"alert_buffer"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	MonitorPoolSize   int `yaml:"monitor_pool_size"`
	MonitorPoolBuffer int `yaml:"monitor_pool_buffer"`
	ClosePoolSize     int `yaml:"close_pool_size"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// Default returns a configuration with working paper-trading defaults
func Default() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:   "INFO",
			LedgerPath: "tradeguard.db",
		},
		Execution: ExecutionConfig{
			Mode:                  "paper",
			InitialBalance:        100000,
			RiskPerTradePct:       0.01,
			StopLossATRMultiplier: 1.0,
			RiskRewardRatio:       2.0,
			ContractMultiplier:    1.0,
			MinLot:                1,
			LotStep:               1,
			MaxLot:                10000000,
			SimLatencyMs:          20,
			SlippageBasePct:       0.0001,
			SlippageDepthUnits:    1000000,
			SlippageJitterPct:     0.0001,
			SlippageMaxPct:        0.002,
			OrderTimeoutMs:        5000,
			OrderRatePerSec:       10,
			MaxRetries:            3,
		},
		RiskLimits: RiskLimitsConfig{
			MaxOpenPositions:        10,
			MaxPositionsPerStrategy: 3,
			PerTradeRiskPct:         0.02,
			CorrelationLimit:        0.7,
			MaxLeverage:             10,
			MaxDrawdownPct:          0.20,
			DailyLossLimitPct:       0.05,
			VaRLimitPct:             0.05,
			ReturnLookback:          100,
			RecomputeIntervalSec:    15,
		},
		Protection: ProtectionConfig{
			MinHoldTimeMin:       15,
			ProfitProtectPct:     0.05,
			TrendBreakPct:        0.02,
			DiversificationCorr:  0.2,
			SinglePosLossPct:     0.10,
			AbsoluteLossFloor:    5000,
			OversizeNotional:     250000,
			ReduceFraction:       0.5,
			StopTightenFraction:  0.5,
			VolatilityLimitClose: 1.5,
			TrendStrategies:      []string{"trend", "momentum", "breakout"},
			HedgeStrategies:      []string{"hedge", "pairs", "correlation"},
		},
		Triggers: TriggersConfig{
			PortfolioLossPct:     0.15,
			PositionLossPct:      0.25,
			VolatilityMultiplier: 3.0,
			CorrelationThreshold: 0.9,
			LiquidityFloor:       0.3,
		},
		Monitor: MonitorConfig{
			TickIntervalMs:  1000,
			RiskIntervalSec: 15,
			AlertBuffer:     64,
		},
		Concurrency: ConcurrencyConfig{
			MonitorPoolSize:   8,
			MonitorPoolBuffer: 256,
			ClosePoolSize:     4,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9464,
		},
	}
}

// Load reads configuration from a YAML file with environment variable
// expansion, applies it over the defaults, and validates the result
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskLimits(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateProtection(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTriggers(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMonitor(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSystem() error {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return fmt.Errorf("system.log_level must be one of DEBUG INFO WARN ERROR FATAL, got %q", c.System.LogLevel)
	}
	return nil
}

func (c *Config) validateExecution() error {
	e := c.Execution
	switch e.Mode {
	case "paper", "live", "backtest":
	default:
		return fmt.Errorf("execution.mode must be paper, live or backtest, got %q", e.Mode)
	}
	if e.InitialBalance <= 0 && e.Mode != "live" {
		return fmt.Errorf("execution.initial_balance must be positive in %s mode", e.Mode)
	}
	if e.RiskPerTradePct <= 0 || e.RiskPerTradePct > 0.1 {
		return fmt.Errorf("execution.risk_per_trade_pct must be in (0, 0.1], got %v", e.RiskPerTradePct)
	}
	if e.StopLossATRMultiplier <= 0 {
		return fmt.Errorf("execution.stop_loss_atr_multiplier must be positive")
	}
	if e.RiskRewardRatio <= 0 {
		return fmt.Errorf("execution.risk_reward_ratio must be positive")
	}
	if e.SlippageMaxPct < e.SlippageBasePct {
		return fmt.Errorf("execution.slippage_max_pct must be >= slippage_base_pct")
	}
	if e.LotStep <= 0 || e.MinLot <= 0 || e.MaxLot < e.MinLot {
		return fmt.Errorf("execution lot settings invalid: min=%v step=%v max=%v", e.MinLot, e.LotStep, e.MaxLot)
	}
	if e.MaxRetries < 0 || e.MaxRetries > 10 {
		return fmt.Errorf("execution.max_retries must be in [0, 10], got %d", e.MaxRetries)
	}
	return nil
}

func (c *Config) validateRiskLimits() error {
	r := c.RiskLimits
	if r.MaxOpenPositions < 1 {
		return fmt.Errorf("risk_limits.max_open_positions must be >= 1")
	}
	if r.MaxPositionsPerStrategy < 1 {
		return fmt.Errorf("risk_limits.max_positions_per_strategy must be >= 1")
	}
	if r.PerTradeRiskPct <= 0 || r.PerTradeRiskPct > 1 {
		return fmt.Errorf("risk_limits.per_trade_risk_pct must be in (0, 1], got %v", r.PerTradeRiskPct)
	}
	if r.CorrelationLimit <= 0 || r.CorrelationLimit > 1 {
		return fmt.Errorf("risk_limits.correlation_limit must be in (0, 1], got %v", r.CorrelationLimit)
	}
	if r.MaxLeverage <= 0 {
		return fmt.Errorf("risk_limits.max_leverage must be positive")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk_limits.max_drawdown_pct must be in (0, 1), got %v", r.MaxDrawdownPct)
	}
	if r.RecomputeIntervalSec < 1 {
		return fmt.Errorf("risk_limits.recompute_interval_sec must be >= 1")
	}
	if r.ReturnLookback < 2 {
		return fmt.Errorf("risk_limits.return_lookback must be >= 2")
	}
	return nil
}

func (c *Config) validateProtection() error {
	p := c.Protection
	if p.MinHoldTimeMin < 0 {
		return fmt.Errorf("protection.min_hold_time_min must be >= 0")
	}
	if p.ProfitProtectPct <= 0 {
		return fmt.Errorf("protection.profit_protect_pct must be positive")
	}
	if p.ReduceFraction <= 0 || p.ReduceFraction >= 1 {
		return fmt.Errorf("protection.reduce_fraction must be in (0, 1), got %v", p.ReduceFraction)
	}
	if p.StopTightenFraction <= 0 || p.StopTightenFraction >= 1 {
		return fmt.Errorf("protection.stop_tighten_fraction must be in (0, 1), got %v", p.StopTightenFraction)
	}
	return nil
}

func (c *Config) validateTriggers() error {
	t := c.Triggers
	if t.PortfolioLossPct <= 0 || t.PortfolioLossPct >= 1 {
		return fmt.Errorf("emergency_triggers.portfolio_loss_pct must be in (0, 1), got %v", t.PortfolioLossPct)
	}
	if t.PositionLossPct <= 0 || t.PositionLossPct >= 1 {
		return fmt.Errorf("emergency_triggers.position_loss_pct must be in (0, 1), got %v", t.PositionLossPct)
	}
	if t.VolatilityMultiplier < 1 {
		return fmt.Errorf("emergency_triggers.volatility_multiplier must be >= 1")
	}
	if t.LiquidityFloor < 0 || t.LiquidityFloor >= 1 {
		return fmt.Errorf("emergency_triggers.liquidity_floor must be in [0, 1), got %v", t.LiquidityFloor)
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	if m.TickIntervalMs < 100 || m.TickIntervalMs > 60000 {
		return fmt.Errorf("monitor.tick_interval_ms must be in [100, 60000], got %d", m.TickIntervalMs)
	}
	if m.RiskIntervalSec < 1 || m.RiskIntervalSec > 3600 {
		return fmt.Errorf("monitor.risk_interval_sec must be in [1, 3600], got %d", m.RiskIntervalSec)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with environment values
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
