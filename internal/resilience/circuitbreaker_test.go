package resilience

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-cto/ctod/internal/model"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) *CircuitBreaker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breakers.json")
	cb, err := NewCircuitBreaker(path, cfg)
	require.NoError(t, err)
	return cb
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, BreakerConfig{Threshold: 3, Cooldown: time.Hour})

	assert.True(t, cb.Allow(ctx, "k"))
	cb.RecordFailure(ctx, "k")
	cb.RecordFailure(ctx, "k")
	assert.Equal(t, model.BreakerClosed, cb.Status("k").State, "below threshold should stay closed")

	cb.RecordFailure(ctx, "k")
	assert.Equal(t, model.BreakerOpen, cb.Status("k").State)
	assert.False(t, cb.Allow(ctx, "k"), "an open breaker must refuse new attempts")
}

func TestCircuitBreakerHalfOpenAfterCooldownThenCloses(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, BreakerConfig{Threshold: 1, Cooldown: 1 * time.Millisecond})

	cb.RecordFailure(ctx, "k")
	require.Equal(t, model.BreakerOpen, cb.Status("k").State)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow(ctx, "k"), "cooldown elapsed should admit a half-open probe")
	assert.Equal(t, model.BreakerHalfOpen, cb.Status("k").State)

	cb.RecordSuccess(ctx, "k")
	assert.Equal(t, model.BreakerHalfOpen, cb.Status("k").State, "one success keeps it half-open")
	cb.RecordSuccess(ctx, "k")
	assert.Equal(t, model.BreakerClosed, cb.Status("k").State, "two consecutive successes close it")
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, BreakerConfig{Threshold: 1, Cooldown: 1 * time.Millisecond})

	cb.RecordFailure(ctx, "k")
	time.Sleep(5 * time.Millisecond)
	cb.Allow(ctx, "k") // advances to half-open

	cb.RecordFailure(ctx, "k")
	assert.Equal(t, model.BreakerOpen, cb.Status("k").State, "any failure while half-open reopens the circuit")
}

func TestCircuitBreakerKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, BreakerConfig{Threshold: 1, Cooldown: time.Hour})

	cb.RecordFailure(ctx, "a")
	assert.Equal(t, model.BreakerOpen, cb.Status("a").State)
	assert.Equal(t, model.BreakerClosed, cb.Status("b").State, "an unrelated key must not be affected")
}

func TestCircuitBreakerPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "breakers.json")

	cb, err := NewCircuitBreaker(path, BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	require.NoError(t, err)
	cb.RecordFailure(ctx, "k")
	require.Equal(t, model.BreakerOpen, cb.Status("k").State)

	reloaded, err := NewCircuitBreaker(path, BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, model.BreakerOpen, reloaded.Status("k").State, "state must survive a fresh load from disk")
}

func TestCircuitBreakerCleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, DefaultBreakerConfig())
	cb.RecordFailure(ctx, "stale")

	removed := cb.CleanupOlderThan(-1 * time.Second)
	assert.Equal(t, 1, removed)
	assert.Equal(t, model.BreakerClosed, cb.Status("stale").State, "a pruned key reports a fresh default record")
}
