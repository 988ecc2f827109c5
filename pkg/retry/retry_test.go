package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
)

func TestBackoffDelay(t *testing.T) {
	backoff := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 0},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{9, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, backoff.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	backoff := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.3}
	for i := 0; i < 20; i++ {
		delay := backoff.Delay(2)
		assert.GreaterOrEqual(t, delay, 140*time.Millisecond)
		assert.LessOrEqual(t, delay, 260*time.Millisecond)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	log := logger.NewTestLogger()
	attempts := 0
	err := Do(Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: time.Millisecond},
		Logger:      log,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errs.Checkpoint("not visible yet", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, log.GetMessagesByLevel("DEBUG"), 3, "two retries and one success entry")
	assert.True(t, log.HasMessage("Operation succeeded after retry"))
}

func TestDoMaxAttemptsExceeded(t *testing.T) {
	log := logger.NewTestLogger()
	attempts := 0
	cause := errs.Checkpoint("still missing", nil)
	err := Do(Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond},
		Logger:      log,
	}, func() error {
		attempts++
		return cause
	})

	assert.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCheckpoint))
	assert.Equal(t, 3, attempts)
	assert.True(t, log.HasMessage("Retry attempts exhausted"))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	corrupted := errs.Corrupted("empty file", nil)
	err := Do(Config{MaxAttempts: 5, Backoff: Backoff{Base: time.Millisecond}}, func() error {
		attempts++
		return corrupted
	})

	assert.Equal(t, corrupted, err)
	assert.Equal(t, 1, attempts)
}

func TestDoSingleAttemptByDefault(t *testing.T) {
	attempts := 0
	err := Do(Config{}, func() error {
		attempts++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDefaultRetryIf(t *testing.T) {
	assert.False(t, DefaultRetryIf(nil))
	assert.False(t, DefaultRetryIf(context.Canceled))
	assert.False(t, DefaultRetryIf(errs.NotFound("aa", "missing")))
	assert.False(t, DefaultRetryIf(errs.Version("9", "1.0")))
	assert.True(t, DefaultRetryIf(errs.Checkpoint("io", nil)))
	assert.True(t, DefaultRetryIf(errors.New("plain")))
}
