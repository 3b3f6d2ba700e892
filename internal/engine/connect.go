package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
)

// Backoff is a bounded exponential retry policy
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the wait before retry number attempt (0-based):
// InitialDelay * 2^attempt, capped at MaxDelay
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return b.MaxDelay
	}
	delay := b.InitialDelay * time.Duration(1<<uint(attempt))
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// ConnectError is returned when every connection attempt failed
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("engine connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{models.ErrRemoteEngine, e.Err}
}

// Retry calls attempt until it succeeds or the policy is exhausted. The wait
// between attempts follows Delay and is cut short when ctx is done.
func (b Backoff) Retry(ctx context.Context, name string, attempt func(ctx context.Context) error) error {
	maxAttempts := b.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := attempt(ctx); err != nil {
			lastErr = err
			logger.Warn("%s attempt %d/%d failed: %v", name, i+1, maxAttempts, err)
		} else {
			if i > 0 {
				logger.Info("%s succeeded after %d attempts", name, i+1)
			}
			return nil
		}

		if i == maxAttempts-1 {
			break
		}

		delay := b.Delay(i)
		logger.Debug("%s retrying in %v", name, delay)
		select {
		case <-ctx.Done():
			return &ConnectError{Attempts: i + 1, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return &ConnectError{Attempts: maxAttempts, Err: lastErr}
}
