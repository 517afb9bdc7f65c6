package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/logger"
)

// RetryConfig defines configuration for retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryWithBackoff executes a function with exponential backoff retry logic.
// The wait between attempts is abandoned when ctx is cancelled.
func RetryWithBackoff(ctx context.Context, operation string, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation '%s' succeeded after %d attempts", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if attempt == config.MaxAttempts {
			logger.Error("Operation '%s' failed after %d attempts: %v", operation, config.MaxAttempts, err)
			break
		}

		logger.Warn("Operation '%s' failed (attempt %d/%d): %v. Retrying in %v...",
			operation, attempt, config.MaxAttempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation '%s' cancelled after %d attempts: %w", operation, attempt, lastErr)
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("operation '%s' failed after %d attempts: %w", operation, config.MaxAttempts, lastErr)
}

// Wrap wraps an error with additional context
func Wrap(err error, context string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	contextMsg := fmt.Sprintf(context, args...)
	return fmt.Errorf("%s: %w", contextMsg, err)
}

// ComponentError represents an error from a specific component
type ComponentError struct {
	Component string
	Operation string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Component, e.Operation, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// NewComponentError creates a new component-specific error
func NewComponentError(component, operation string, err error) error {
	return &ComponentError{
		Component: component,
		Operation: operation,
		Err:       err,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// SafeClose safely closes a resource and logs any errors
func SafeClose(closer interface{ Close() error }, resourceName string) {
	if closer == nil {
		return
	}

	if err := closer.Close(); err != nil {
		logger.Warn("Failed to close %s: %v", resourceName, err)
	}
}
