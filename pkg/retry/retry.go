package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
)

// Backoff grows the delay between attempts exponentially, capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Multiplier defaults to 2 when not above 1
	Multiplier float64
	// Jitter spreads each delay by up to this fraction in either direction
	Jitter float64
}

// Delay returns the wait before retrying after the given failed attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 {
		delay = math.Min(delay, float64(b.Max))
	}
	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += rand.Float64()*2*spread - spread
	}
	return time.Duration(math.Max(delay, 0))
}

// Config bounds a retry loop
type Config struct {
	// MaxAttempts counts the first try; values below 1 mean a single try
	MaxAttempts int
	Backoff     Backoff
	// RetryIf defaults to DefaultRetryIf
	RetryIf func(error) bool
	// Logger receives one debug entry per retry, and one when giving up
	Logger logger.Logger
}

// DefaultRetryIf retries general checkpoint errors and untyped errors, and
// gives up immediately on corrupted, version and not-found errors
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var typed *errs.Error
	if errors.As(err, &typed) {
		return errs.IsRetryable(typed.Type)
	}
	return true
}

// Do runs op until it succeeds, returns an error RetryIf rejects, or
// MaxAttempts is used up. The last error is wrapped when attempts run out.
func Do(cfg Config, op func() error) error {
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	attempts := max(cfg.MaxAttempts, 1)
	log := logger.OrDefault(cfg.Logger)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			if attempt > 1 {
				log.DebugWithFields("Operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}
		if !retryIf(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := cfg.Backoff.Delay(attempt)
		log.DebugWithFields("Retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": attempts,
			"delay":        delay,
			"error":        err.Error(),
		})
		time.Sleep(delay)
	}

	log.WithError(err).DebugWithFields("Retry attempts exhausted", map[string]interface{}{
		"attempts": attempts,
	})
	return fmt.Errorf("max retry attempts (%d) exceeded: %w", attempts, err)
}
