package main

import (
	"flag"
	"fmt"
	"os"

	"tradeguard/internal/bootstrap"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/mock"
	"tradeguard/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tradeguard version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting tradeguard",
		"version", version,
		"mode", cfg.Execution.Mode,
		"ledger_path", cfg.System.LedgerPath,
	)

	broker, market, err := buildAdapters(cfg, logger)
	if err != nil {
		logger.Fatal("Adapter setup failed", "error", err)
	}

	app, err := bootstrap.New(cfg, broker, market, logger)
	if err != nil {
		logger.Fatal("Bootstrap failed", "error", err)
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

// buildAdapters resolves the broker and market data collaborators for
// the configured mode. Live adapters are deployment specific and plug
// in here; paper and backtest modes run against the static feed.
func buildAdapters(cfg *config.Config, logger core.ILogger) (core.Broker, core.MarketData, error) {
	switch cfg.Execution.Mode {
	case "live":
		return nil, nil, fmt.Errorf("no broker adapter compiled into this binary")
	default:
		logger.Warn("Running against static market data", "mode", cfg.Execution.Mode)
		return nil, mock.NewStaticMarketData(), nil
	}
}
