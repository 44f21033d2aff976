// Package trading is the facade the surrounding application talks to.
// It wires the execution engine, risk components and emergency stop
// behind one injected service and adds no policy of its own.
package trading

import (
	"context"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/emergency"
	"tradeguard/internal/execution"
	"tradeguard/internal/ledger"
	"tradeguard/internal/monitor"
	"tradeguard/internal/risk"

	"github.com/shopspring/decimal"
)

type Service struct {
	ledger    *ledger.Ledger
	validator *risk.Validator
	metrics   *risk.MetricsEngine
	exec      *execution.Engine
	emergency *emergency.Engine
	monitor   *monitor.Monitor
	logger    core.ILogger
}

func NewService(led *ledger.Ledger, validator *risk.Validator, metrics *risk.MetricsEngine, exec *execution.Engine, emerg *emergency.Engine, mon *monitor.Monitor, logger core.ILogger) *Service {
	return &Service{
		ledger:    led,
		validator: validator,
		metrics:   metrics,
		exec:      exec,
		emergency: emerg,
		monitor:   mon,
		logger:    logger.WithField("component", "trading"),
	}
}

// ExecuteSignal sizes, validates and executes a trading signal against
// the current account balance
func (s *Service) ExecuteSignal(ctx context.Context, signal core.Signal) core.ExecutionResult {
	balance, err := s.exec.AccountBalance(ctx)
	if err != nil {
		return core.ExecutionResult{Reason: "account balance unavailable", Err: err}
	}
	return s.exec.ExecuteSignal(ctx, signal, balance)
}

// ValidateTrade runs the admission gates for a proposed trade without
// executing it. The reserved exposure is released immediately.
func (s *Service) ValidateTrade(ctx context.Context, signal core.Signal, size decimal.Decimal) (bool, string) {
	balance, err := s.exec.AccountBalance(ctx)
	if err != nil {
		return false, "account balance unavailable"
	}
	approved, reason := s.validator.ValidateAndReserve(ctx, signal, size, balance)
	if approved {
		s.validator.Release(size.Mul(signal.Price).Abs())
	}
	return approved, reason
}

func (s *Service) ClosePosition(ctx context.Context, positionID, reason string) core.ExecutionResult {
	return s.exec.ClosePosition(ctx, positionID, reason)
}

func (s *Service) CloseAllPositions(ctx context.Context, reason string) (int, error) {
	return s.exec.CloseAllPositions(ctx, reason)
}

// EmergencyStop assesses the portfolio and, when action is needed,
// executes the resulting close and protect decisions
func (s *Service) EmergencyStop(ctx context.Context) (core.StopSummary, error) {
	balance, err := s.exec.AccountBalance(ctx)
	if err != nil {
		return core.StopSummary{}, err
	}
	needed, assessment := s.emergency.Assess(ctx, balance)
	if !needed {
		s.logger.Info("Emergency stop requested, no action needed",
			"risk_level", assessment.RiskLevel)
		return core.StopSummary{}, nil
	}
	return s.emergency.Execute(ctx, assessment), nil
}

func (s *Service) GetExecutionSummary() execution.Summary {
	return s.exec.Summary()
}

// GetRiskSnapshot returns the latest snapshot, recomputing first when
// the cached one is stale
func (s *Service) GetRiskSnapshot(ctx context.Context) (core.RiskSnapshot, error) {
	if snap, ok := s.metrics.Latest(); ok && s.metrics.Fresh(time.Now()) {
		return snap, nil
	}
	balance, account, err := s.exec.Account(ctx)
	if err != nil {
		return core.RiskSnapshot{}, err
	}
	return s.metrics.Compute(ctx, balance, account)
}

func (s *Service) GetEmergencyStopStatus() emergency.Status {
	return s.emergency.Status()
}

// SetRiskLimits swaps the active limits on every component that
// evaluates them
func (s *Service) SetRiskLimits(limits config.RiskLimitsConfig) {
	s.validator.SetLimits(limits)
	s.metrics.SetLimits(limits)
	s.monitor.SetLimits(limits)
	s.logger.Info("Risk limits updated",
		"max_leverage", limits.MaxLeverage,
		"max_drawdown_pct", limits.MaxDrawdownPct)
}

func (s *Service) SetProtectionRules(rules config.ProtectionConfig) {
	s.emergency.SetProtection(rules)
}

// Pause stops new signal intake; open positions keep being monitored
func (s *Service) Pause() {
	s.exec.Pause()
	s.logger.Warn("Trading paused")
}

func (s *Service) Resume() {
	s.exec.Resume()
	s.logger.Info("Trading resumed")
}

func (s *Service) Paused() bool { return s.exec.Paused() }
