// Package bootstrap wires the components together and owns the
// application lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeguard/internal/alert"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/emergency"
	"tradeguard/internal/execution"
	"tradeguard/internal/ledger"
	"tradeguard/internal/monitor"
	"tradeguard/internal/risk"
	"tradeguard/internal/trading"
	"tradeguard/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Runner is a component with a blocking run loop tied to a context
type Runner interface {
	Run(ctx context.Context) error
}

// App holds the wired component graph
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Ledger  *ledger.Ledger
	Store   ledger.Store
	Service *trading.Service

	broker    core.Broker
	exec      *execution.Engine
	monitor   *monitor.Monitor
	telemetry *telemetry.Telemetry
	metricsrv *telemetry.Server
}

// New builds the component graph. The broker may be nil outside live
// mode; market data is always required.
func New(cfg *config.Config, broker core.Broker, market core.MarketData, logger core.ILogger) (*App, error) {
	if cfg.Execution.Mode == "live" && broker == nil {
		return nil, fmt.Errorf("live mode requires a broker")
	}

	led := ledger.New(decimal.NewFromFloat(cfg.Execution.ContractMultiplier), logger)

	store, err := ledger.NewSQLiteStore(cfg.System.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	if err := led.LoadFrom(context.Background(), store); err != nil {
		store.Close()
		return nil, fmt.Errorf("ledger restore: %w", err)
	}

	metrics := risk.NewMetricsEngine(cfg.RiskLimits, led, market, decimal.NewFromFloat(cfg.Execution.InitialBalance), logger)

	// The validator consults the emergency engine and the emergency
	// engine drives the execution engine, which consults the validator;
	// the executor link is wired after construction
	emerg := emergency.NewEngine(cfg.Triggers, cfg.Protection, led, market, nil, metrics, logger)
	validator := risk.NewValidator(cfg.RiskLimits, led, metrics, market, emerg, logger)
	exec := execution.NewEngine(cfg.Execution, led, validator, broker, market, logger)
	emerg.SetExecutor(exec)

	alerts := alert.NewManager(logger)
	alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.System.AlertWebhook != "" {
		alerts.AddChannel(alert.NewWebhookChannel(cfg.System.AlertWebhook))
	}

	mon := monitor.New(cfg.Monitor, cfg.RiskLimits, cfg.Concurrency, led, market, exec, metrics, emerg, alerts, logger)
	svc := trading.NewService(led, validator, metrics, exec, emerg, mon, logger)

	app := &App{
		Cfg:     cfg,
		Logger:  logger.WithField("component", "app"),
		Ledger:  led,
		Store:   store,
		Service: svc,
		broker:  broker,
		exec:    exec,
		monitor: mon,
	}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("tradeguard")
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.telemetry = tel
		app.metricsrv = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	return app, nil
}

// Run starts the monitor and any extra runners, then blocks until a
// termination signal arrives or a runner fails
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.metricsrv != nil {
		a.metricsrv.Start()
	}
	a.monitor.Start(ctx)
	a.Logger.Info("Application started", "mode", a.Cfg.Execution.Mode)

	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

// shutdown stops intake first, settles open work, then persists state.
// Live mode optionally force-closes every position on the way out.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Service.Pause()

	if a.Cfg.Execution.Mode == "live" && a.Cfg.System.CloseOnExit {
		closed, err := a.exec.CloseAllPositions(ctx, "shutdown")
		if err != nil {
			a.Logger.Error("Force close on exit incomplete", "closed", closed, "error", err)
		} else {
			a.Logger.Info("Positions closed on exit", "closed", closed)
		}
	}

	a.exec.Drain()
	a.monitor.Stop()

	if a.Cfg.Execution.Mode != "live" {
		if err := a.Ledger.SaveTo(ctx, a.Store); err != nil {
			a.Logger.Error("Ledger persist failed", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Ledger store close failed", "error", err)
	}

	if a.metricsrv != nil {
		if err := a.metricsrv.Stop(ctx); err != nil {
			a.Logger.Error("Metrics server stop failed", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Error("Telemetry shutdown failed", "error", err)
		}
	}
}
