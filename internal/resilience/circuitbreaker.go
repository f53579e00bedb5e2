// Package resilience implements the per-key CircuitBreaker and the RetryHandler
// backoff strategies of spec §4.4, grounded on the teacher's mutex-guarded,
// otel-instrumented resilience primitives (libs/go/core/resilience) but using the
// spec's plain threshold/cooldown policy rather than the teacher's adaptive
// sliding-window scheme.
package resilience

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/claude-cto/ctod/internal/model"
)

// BreakerConfig tunes one CircuitBreaker's trip/recovery behavior.
type BreakerConfig struct {
	Threshold int           // failure count that opens the breaker; each CLOSED success lowers it by one (default 5)
	Cooldown  time.Duration // time in OPEN before a HALF_OPEN probe is permitted (default 60s)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 60 * time.Second}
}

// CircuitBreaker implements the CLOSED -> OPEN -> HALF_OPEN -> CLOSED lattice of
// spec §3/§4.4, keyed per caller (e.g. per task id or per endpoint), persisted as a
// whole to a single JSON file via atomic rename.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	store *persistedStore

	openCounter   metric.Int64Counter
	closeCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
}

// NewCircuitBreaker constructs a breaker backed by the JSON file at path. If the
// file exists, it is loaded immediately; corrupt or partial entries are skipped
// rather than failing the whole load.
func NewCircuitBreaker(path string, cfg BreakerConfig) (*CircuitBreaker, error) {
	store, err := loadPersistedStore(path)
	if err != nil {
		return nil, err
	}
	meter := otel.GetMeterProvider().Meter("ctod-resilience")
	openCounter, _ := meter.Int64Counter("ctod_circuit_open_total")
	closeCounter, _ := meter.Int64Counter("ctod_circuit_closed_total")
	rejectCounter, _ := meter.Int64Counter("ctod_circuit_rejected_total")
	return &CircuitBreaker{cfg: cfg, store: store, openCounter: openCounter, closeCounter: closeCounter, rejectCounter: rejectCounter}, nil
}

// recordOf returns the record for key, creating a fresh CLOSED one if absent.
func (cb *CircuitBreaker) recordOf(key string) *model.CircuitBreakerRecord {
	if r, ok := cb.store.get(key); ok {
		return r
	}
	return &model.CircuitBreakerRecord{Key: key, State: model.BreakerClosed, LastUpdated: time.Now()}
}

// Allow reports whether an attempt under key is currently permitted, advancing
// OPEN -> HALF_OPEN when the cooldown has elapsed.
func (cb *CircuitBreaker) Allow(ctx context.Context, key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r := cb.recordOf(key)
	switch r.State {
	case model.BreakerOpen:
		if r.LastFailureTime != nil && time.Since(*r.LastFailureTime) >= cb.cfg.Cooldown {
			r.State = model.BreakerHalfOpen
			r.SuccessCount = 0
			r.LastUpdated = time.Now()
			cb.store.put(key, r)
			return true
		}
		cb.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
		return false
	default:
		return true
	}
}

// RecordSuccess records a success under key, closing a HALF_OPEN breaker after two
// consecutive successes and decaying the failure count while CLOSED.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r := cb.recordOf(key)
	switch r.State {
	case model.BreakerHalfOpen:
		r.SuccessCount++
		if r.SuccessCount >= 2 {
			r.State = model.BreakerClosed
			r.FailureCount = 0
			r.SuccessCount = 0
			cb.closeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
		}
	case model.BreakerClosed:
		if r.FailureCount > 0 {
			r.FailureCount--
		}
	}
	r.LastUpdated = time.Now()
	cb.store.put(key, r)
	cb.store.save()
}

// RecordFailure records a failure under key, tripping to OPEN on threshold breach
// or on any failure while HALF_OPEN.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r := cb.recordOf(key)
	now := time.Now()
	r.FailureCount++
	r.LastFailureTime = &now
	r.SuccessCount = 0

	switch r.State {
	case model.BreakerClosed:
		if r.FailureCount >= cb.cfg.Threshold {
			r.State = model.BreakerOpen
			cb.openCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
		}
	case model.BreakerHalfOpen:
		r.State = model.BreakerOpen
		cb.openCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
	}
	r.LastUpdated = now
	cb.store.put(key, r)
	cb.store.save()
}

// Status returns a copy of the current record for key, for diagnostics endpoints.
func (cb *CircuitBreaker) Status(key string) model.CircuitBreakerRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r := cb.recordOf(key)
	return *r
}

// CleanupOlderThan removes persisted records whose LastUpdated predates maxAge.
// This is required, not optional: without it, circuit-breaker state accumulates
// unboundedly on disk (spec §4.4).
func (cb *CircuitBreaker) CleanupOlderThan(maxAge time.Duration) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := cb.store.removeOlderThan(cutoff)
	if removed > 0 {
		cb.store.save()
	}
	return removed
}

// persistedStore is the in-memory mirror of the breaker JSON file, with atomic
// rename writes and tolerant loading of partial/corrupt entries.
type persistedStore struct {
	mu      sync.Mutex
	path    string
	records map[string]*model.CircuitBreakerRecord
}

func loadPersistedStore(path string) (*persistedStore, error) {
	s := &persistedStore{path: path, records: make(map[string]*model.CircuitBreakerRecord)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Corrupt file: start fresh rather than failing startup.
		return s, nil
	}
	for key, msg := range raw {
		var rec model.CircuitBreakerRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			continue
		}
		s.records[key] = &rec
	}
	return s, nil
}

func (s *persistedStore) get(key string) (*model.CircuitBreakerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

func (s *persistedStore) put(key string, r *model.CircuitBreakerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = r
}

func (s *persistedStore) removeOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, r := range s.records {
		if r.LastUpdated.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

func (s *persistedStore) save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}
