package core

import (
	"context"
	"errors"
)

// Standardized subsystem errors. Expected trade rejections are not
// errors; they travel as ExecutionResult reasons. These sentinels cover
// the failure taxonomy: execution failures, missing data, and
// concurrency conflicts.
var (
	ErrTradingPaused       = errors.New("trading paused")
	ErrPositionClosed      = errors.New("position already closed")
	ErrPositionNotFound    = errors.New("position not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderTerminal       = errors.New("order in terminal state")
	ErrDataUnavailable     = errors.New("required market data unavailable")
	ErrConcurrencyConflict = errors.New("entity mutated between read and write")
	ErrNetwork             = errors.New("network error")
	ErrTimeout             = errors.New("broker request timed out")
	ErrBrokerRejected      = errors.New("order rejected by broker")
	ErrInvalidInstrument   = errors.New("invalid instrument")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// IsTransient reports whether a broker error is worth retrying.
// Rejections and invalid instruments are terminal for the order.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
