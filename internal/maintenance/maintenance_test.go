package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/resilience"
)

func TestPruneOldLogsRemovesOnlyAgedFiles(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.log")
	old := filepath.Join(dir, "old.log")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	removed := pruneOldLogs(dir, 24*time.Hour)
	assert.Equal(t, 1, removed)

	_, err := os.Stat(fresh)
	assert.NoError(t, err, "a fresh log file must survive pruning")
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "an aged log file must be removed")
}

func TestPruneOldLogsToleratesMissingDirectory(t *testing.T) {
	assert.Equal(t, 0, pruneOldLogs(filepath.Join(t.TempDir(), "does-not-exist"), time.Hour))
}

func TestNewSchedulerRegistersAllThreeSweepsAndRunsThem(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	breaker, err := resilience.NewCircuitBreaker(filepath.Join(dir, "breakers.json"), resilience.DefaultBreakerConfig())
	require.NoError(t, err)

	registry, err := procregistry.Open(filepath.Join(dir, "registry.json"), nil)
	require.NoError(t, err)

	cfg := Config{
		LogDir:                  dir,
		BreakerCleanupSchedule:  "@every 10ms",
		BreakerMaxAge:           time.Millisecond,
		RegistryCleanupSchedule: "@every 10ms",
		RegistryMaxAge:          time.Millisecond,
		LogPruneSchedule:        "@every 10ms",
		LogMaxAge:               24 * time.Hour,
	}
	s := NewScheduler(cfg, breaker, registry, nil)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond, "log pruning sweep never ran")
}
