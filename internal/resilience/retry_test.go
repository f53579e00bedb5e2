package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-cto/ctod/internal/errs"
)

func TestExecuteWithHookSucceedsAfterTransientRetries(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 1 * time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	h := NewRetryHandler(cfg, nil)

	attempts := 0
	var retryCount int
	err := h.ExecuteWithHook(context.Background(), "k", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &errs.RuntimeError{Category: errs.CategoryConnection, Message: "dropped"}
		}
		return nil
	}, func(err error, next int, delay time.Duration) {
		retryCount++
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retryCount)
}

func TestExecuteStopsImmediatelyOnPermanentError(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	h := NewRetryHandler(cfg, nil)

	attempts := 0
	permanent := &errs.RuntimeError{Category: errs.CategoryCLINotFound, Message: "not found"}
	err := h.Execute(context.Background(), "k", func(ctx context.Context) error {
		attempts++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a permanent error must not be retried")
	assert.Equal(t, permanent, err)
}

func TestExecuteExhaustsMaxAttemptsThenReturnsLastError(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	h := NewRetryHandler(cfg, nil)

	attempts := 0
	err := h.Execute(context.Background(), "k", func(ctx context.Context) error {
		attempts++
		return &errs.RuntimeError{Category: errs.CategoryTimeout, Message: "slow"}
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestExecuteWithCircuitBreakerRejectsWhenOpen(t *testing.T) {
	dir := t.TempDir()
	cb, err := NewCircuitBreaker(dir+"/breaker.json", BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	require.NoError(t, err)

	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 1
	h := NewRetryHandler(cfg, cb)

	// First call trips the breaker (threshold 1).
	err1 := h.Execute(context.Background(), "svc", func(ctx context.Context) error {
		return &errs.RuntimeError{Category: errs.CategoryConnection, Message: "down"}
	})
	require.Error(t, err1)

	// Second call should be rejected by the breaker without invoking fn.
	called := false
	err2 := h.Execute(context.Background(), "svc", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err2)
	assert.False(t, called, "fn must not run while the circuit is open")
	var circuitErr *ErrCircuitOpen
	assert.ErrorAs(t, err2, &circuitErr)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.MaxAttempts = 5
	h := NewRetryHandler(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- h.Execute(ctx, "k", func(ctx context.Context) error {
			attempts++
			return &errs.RuntimeError{Category: errs.CategoryConnection, Message: "down"}
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not observe context cancellation")
	}
}

func TestRetryDatabaseOpRetriesTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryDatabaseOp(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
