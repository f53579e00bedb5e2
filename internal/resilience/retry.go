package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/claude-cto/ctod/internal/errs"
)

// Strategy selects the backoff shape used between attempts (spec §4.4).
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyFixed       Strategy = "fixed"
)

// RetryConfig tunes one RetryHandler's attempt budget and backoff shape.
type RetryConfig struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	ExponentialBase  float64
	Jitter           bool
	Strategy         Strategy

	// RateLimitInitialDelay and RateLimitMaxAttempts override the profile above
	// when the classified error is a rate-limit error (spec §4.4).
	RateLimitInitialDelay time.Duration
	RateLimitMaxAttempts  int
}

// DefaultRetryConfig matches spec §4.2/§4.4: exponential, base 2, seeded 1s, capped
// at 60s, ±25% jitter, 3 attempts; rate-limit errors get 60s initial and 5 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:           3,
		InitialDelay:          time.Second,
		MaxDelay:              60 * time.Second,
		ExponentialBase:       2.0,
		Jitter:                true,
		Strategy:              StrategyExponential,
		RateLimitInitialDelay: 60 * time.Second,
		RateLimitMaxAttempts:  5,
	}
}

// RetryHandler classifies errors, consults a CircuitBreaker, and computes backoff
// delays per spec §4.4.
type RetryHandler struct {
	cfg     RetryConfig
	breaker *CircuitBreaker

	attemptCounter metric.Int64Counter
	successCounter metric.Int64Counter
	failCounter    metric.Int64Counter
}

// NewRetryHandler builds a RetryHandler that consults breaker before every attempt.
func NewRetryHandler(cfg RetryConfig, breaker *CircuitBreaker) *RetryHandler {
	meter := otel.GetMeterProvider().Meter("ctod-resilience")
	attempt, _ := meter.Int64Counter("ctod_retry_attempts_total")
	success, _ := meter.Int64Counter("ctod_retry_success_total")
	fail, _ := meter.Int64Counter("ctod_retry_fail_total")
	return &RetryHandler{cfg: cfg, breaker: breaker, attemptCounter: attempt, successCounter: success, failCounter: fail}
}

// maxAttemptsFor returns the attempt budget, widened for rate-limit errors once one
// has been observed in the loop (err may be nil on the first call).
func (h *RetryHandler) maxAttemptsFor(err error) int {
	if isRateLimit(err) && h.cfg.RateLimitMaxAttempts > 0 {
		return h.cfg.RateLimitMaxAttempts
	}
	return h.cfg.MaxAttempts
}

func isRateLimit(err error) bool {
	var re *errs.RuntimeError
	if err == nil {
		return false
	}
	if ok := asRuntimeError(err, &re); ok {
		return re.Category == errs.CategoryRateLimit
	}
	return false
}

func asRuntimeError(err error, target **errs.RuntimeError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if re, ok := e.(*errs.RuntimeError); ok {
			*target = re
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// delayFor computes the backoff for a zero-based attempt index under the handler's
// configured strategy, applying the rate-limit profile override and ±25% jitter.
func (h *RetryHandler) delayFor(attempt int, lastErr error) time.Duration {
	initial := h.cfg.InitialDelay
	base := h.cfg.ExponentialBase
	if isRateLimit(lastErr) {
		initial = h.cfg.RateLimitInitialDelay
		base = 1.5
	}

	var delay time.Duration
	switch h.cfg.Strategy {
	case StrategyLinear:
		delay = initial * time.Duration(attempt+1)
	case StrategyFibonacci:
		delay = initial * time.Duration(fibonacci(attempt))
	case StrategyFixed:
		delay = initial
	default: // exponential
		delay = time.Duration(float64(initial) * math.Pow(base, float64(attempt)))
	}

	if delay > h.cfg.MaxDelay {
		delay = h.cfg.MaxDelay
	}
	if h.cfg.Jitter {
		jitterRange := float64(delay) * 0.25
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitterRange)
	}
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

func fibonacci(n int) int {
	a, b := 1, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// ErrCircuitOpen is returned by Execute when the breaker refuses the attempt
// outright, without ever invoking fn.
type ErrCircuitOpen struct{ Key string }

func (e *ErrCircuitOpen) Error() string { return fmt.Sprintf("circuit breaker open for %q", e.Key) }

// OnRetry, if set by the caller via ExecuteWithHook, observes each retry decision.
type OnRetry func(err error, attempt int, delay time.Duration)

// Execute runs fn under the retry/circuit-breaker policy, consulting breaker before
// each attempt and classifying errors via errs.IsTransient (spec §4.4).
func (h *RetryHandler) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return h.ExecuteWithHook(ctx, key, fn, nil)
}

// ExecuteWithHook is Execute plus a retry-observed callback, used by TaskRunner to
// append a progress line on each retry.
func (h *RetryHandler) ExecuteWithHook(ctx context.Context, key string, fn func(ctx context.Context) error, onRetry OnRetry) error {
	var lastErr error
	maxAttempts := h.cfg.MaxAttempts

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if h.breaker != nil && !h.breaker.Allow(ctx, key) {
			return &ErrCircuitOpen{Key: key}
		}

		h.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
		err := fn(ctx)
		if err == nil {
			if h.breaker != nil {
				h.breaker.RecordSuccess(ctx, key)
			}
			h.successCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
			return nil
		}

		lastErr = err
		if h.breaker != nil {
			h.breaker.RecordFailure(ctx, key)
		}

		if !errs.IsTransient(err) {
			h.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
			return err
		}

		maxAttempts = h.maxAttemptsFor(err)
		if attempt+1 >= maxAttempts {
			break
		}

		delay := h.delayFor(attempt, err)
		if onRetry != nil {
			onRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	h.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
	return lastErr
}

// exponentialBackOff adapts cenkalti/backoff/v4's ExponentialBackOff to this
// package's RetryConfig, used by the Store's connection-retry policy (spec §4.1)
// which does not need circuit-breaker gating.
func exponentialBackOff(cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.ExponentialBase
	b.RandomizationFactor = 0.25
	return backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
}

// RetryDatabaseOp runs fn with the Store's bounded exponential policy (3 attempts,
// initial 0.5s, base 2) via cenkalti/backoff/v4, independent of any circuit breaker.
func RetryDatabaseOp(ctx context.Context, fn func() error) error {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, ExponentialBase: 2.0}
	return backoff.Retry(fn, backoff.WithContext(exponentialBackOff(cfg), ctx))
}
