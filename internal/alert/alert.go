// Package alert fans risk alerts out to notification channels.
package alert

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/core"
)

// Channel delivers an alert to one destination
type Channel interface {
	Send(ctx context.Context, alert core.Alert) error
	Name() string
}

// Manager dispatches alerts to all registered channels, each with its
// own timeout. Dispatch is asynchronous so the trading path never
// blocks on notification delivery.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	timeout  time.Duration
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  10 * time.Second,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Dispatch sends the alert to every channel without waiting for delivery
func (m *Manager) Dispatch(ctx context.Context, alert core.Alert) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			if err := c.Send(timeoutCtx, alert); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// LogChannel writes alerts to the structured log
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, alert core.Alert) error {
	log := l.logger.WithFields(map[string]interface{}{
		"kind":     alert.Kind,
		"severity": alert.Severity,
	})
	switch alert.Severity {
	case core.SeverityCritical, core.SeverityHigh:
		log.Error(alert.Message)
	case core.SeverityMedium:
		log.Warn(alert.Message)
	default:
		log.Info(alert.Message)
	}
	return nil
}
