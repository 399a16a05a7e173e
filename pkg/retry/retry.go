package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meshvault/pkg/errdefs"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	return doWith(ctx, config, fn, func(error) bool { return true })
}

// DoRecoverable executes fn with exponential backoff, but gives up
// immediately when fn returns an error the taxonomy marks non-recoverable.
// Capacity and checksum failures must surface to the caller without retry.
func DoRecoverable(ctx context.Context, config Config, fn func() error) error {
	return doWith(ctx, config, fn, IsRetryable)
}

func doWith(ctx context.Context, config Config, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable checks if an error is worth retrying. Errors from the storage
// taxonomy answer by their recoverable flag; anything else falls back to a
// transport-error heuristic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if _, ok := errdefs.CodeOf(err); ok {
		return errdefs.IsRecoverable(err)
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no responders",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
