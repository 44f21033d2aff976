package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
execution:
  mode: backtest
  initial_balance: 50000
risk_limits:
  max_leverage: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "backtest", cfg.Execution.Mode)
	assert.Equal(t, float64(50000), cfg.Execution.InitialBalance)
	assert.Equal(t, float64(5), cfg.RiskLimits.MaxLeverage)
	// Untouched sections keep defaults
	assert.Equal(t, 10, cfg.RiskLimits.MaxOpenPositions)
	assert.Equal(t, 0.15, cfg.Triggers.PortfolioLossPct)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LEDGER_PATH", "/tmp/test-ledger.db")
	path := writeConfig(t, `
system:
  ledger_path: ${TEST_LEDGER_PATH}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-ledger.db", cfg.System.LedgerPath)
}

func TestLoadKeepsUnknownEnvVarLiteral(t *testing.T) {
	path := writeConfig(t, `
system:
  ledger_path: ${DEFINITELY_NOT_SET_VAR}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${DEFINITELY_NOT_SET_VAR}", cfg.System.LedgerPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"bad mode", func(c *Config) { c.Execution.Mode = "demo" }, "execution.mode"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "TRACE" }, "system.log_level"},
		{"zero balance", func(c *Config) { c.Execution.InitialBalance = 0 }, "initial_balance"},
		{"risk per trade too high", func(c *Config) { c.Execution.RiskPerTradePct = 0.5 }, "risk_per_trade_pct"},
		{"slippage cap below base", func(c *Config) {
			c.Execution.SlippageBasePct = 0.01
			c.Execution.SlippageMaxPct = 0.001
		}, "slippage_max_pct"},
		{"no open positions", func(c *Config) { c.RiskLimits.MaxOpenPositions = 0 }, "max_open_positions"},
		{"correlation over 1", func(c *Config) { c.RiskLimits.CorrelationLimit = 1.5 }, "correlation_limit"},
		{"drawdown at 1", func(c *Config) { c.RiskLimits.MaxDrawdownPct = 1 }, "max_drawdown_pct"},
		{"reduce fraction 1", func(c *Config) { c.Protection.ReduceFraction = 1 }, "reduce_fraction"},
		{"portfolio loss over 1", func(c *Config) { c.Triggers.PortfolioLossPct = 1.5 }, "portfolio_loss_pct"},
		{"tick too fast", func(c *Config) { c.Monitor.TickIntervalMs = 10 }, "tick_interval_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateJoinsSectionErrors(t *testing.T) {
	cfg := Default()
	cfg.Execution.Mode = "demo"
	cfg.RiskLimits.MaxLeverage = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.mode")
	assert.Contains(t, err.Error(), "max_leverage")
}
