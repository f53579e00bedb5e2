// Package maintenance owns the daemon's recurring housekeeping: the periodic
// sweeps spec §4.4/§4.5 require so disk usage and on-disk bookkeeping stay
// bounded during normal, long-running operation (as opposed to the one-shot
// sweep recovery.go runs once at startup). Grounded on the teacher's own `robfig/cron/v3`
// scheduler dependency.
package maintenance

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/resilience"
)

// Config tunes the three independent sweeps. Zero values fall back to
// sensible defaults in NewScheduler.
type Config struct {
	LogDir                  string
	BreakerCleanupSchedule  string // cron spec for CircuitBreaker stale-entry cleanup
	BreakerMaxAge           time.Duration
	RegistryCleanupSchedule string // cron spec for ProcessRegistry age-based GC
	RegistryMaxAge          time.Duration
	LogPruneSchedule        string // cron spec for old-log pruning
	LogMaxAge               time.Duration
}

// DefaultConfig matches the intervals the teacher's shutdown-time one-shot
// cleanup used as an age threshold, now run on an ongoing schedule instead of
// only once at process exit.
func DefaultConfig(logDir string) Config {
	return Config{
		LogDir:                  logDir,
		BreakerCleanupSchedule:  "@every 1h",
		BreakerMaxAge:           30 * 24 * time.Hour,
		RegistryCleanupSchedule: "@every 1h",
		RegistryMaxAge:          7 * 24 * time.Hour,
		LogPruneSchedule:        "@daily",
		LogMaxAge:               7 * 24 * time.Hour,
	}
}

// Scheduler runs the three maintenance sweeps on independent cron schedules
// for as long as the daemon is up, per spec §4.4's "this cleanup is
// required -- its absence causes unbounded disk growth".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers all three sweeps against their configured schedules.
// A malformed cron expression in cfg is a programmer error and panics, same
// as the teacher treats an invalid route registration.
func NewScheduler(cfg Config, breaker *resilience.CircuitBreaker, registry *procregistry.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()

	if _, err := c.AddFunc(cfg.BreakerCleanupSchedule, func() {
		n := breaker.CleanupOlderThan(cfg.BreakerMaxAge)
		logger.Info("maintenance: circuit breaker cleanup", "removed", n)
	}); err != nil {
		panic("maintenance: invalid breaker cleanup schedule: " + err.Error())
	}

	if _, err := c.AddFunc(cfg.RegistryCleanupSchedule, func() {
		n := registry.CleanupOldEntries(cfg.RegistryMaxAge)
		logger.Info("maintenance: process registry cleanup", "removed", n)
	}); err != nil {
		panic("maintenance: invalid registry cleanup schedule: " + err.Error())
	}

	if _, err := c.AddFunc(cfg.LogPruneSchedule, func() {
		n := pruneOldLogs(cfg.LogDir, cfg.LogMaxAge)
		logger.Info("maintenance: log pruning", "removed", n)
	}); err != nil {
		panic("maintenance: invalid log prune schedule: " + err.Error())
	}

	return &Scheduler{cron: c, logger: logger}
}

// Start begins running all registered sweeps in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and blocks until any in-flight sweep finishes.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// pruneOldLogs removes regular files directly under dir whose modification
// time predates maxAge, mirroring ProcessRegistry.CleanupOldEntries' age-based
// retention policy but for the flat summary/detailed/raw log tree under
// LogDir (spec §4.4's third required sweep).
func pruneOldLogs(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}
