package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withIsolatedHomeAndCWD points HOME at a fresh temp dir and chdirs into a
// second temp dir with no .claude-cto.json, so Load sees only its built-in
// defaults (no user or project config file to merge in).
func withIsolatedHomeAndCWD(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	cwd := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(cwd))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadAppliesBuiltInDefaults(t *testing.T) {
	withIsolatedHomeAndCWD(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Task.MaxConcurrentTasks)
	assert.Equal(t, 7200, cfg.Task.TaskTimeoutSeconds)
	assert.False(t, cfg.Task.UseIsolatedTasks)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 80.0, cfg.Resources.MemoryWarningThreshold)
	assert.Equal(t, 95.0, cfg.Resources.MemoryCriticalThreshold)
	assert.Equal(t, filepath.Join(cfg.AppDir, "logs"), cfg.LogDir)
}

func TestLoadEnvVarOverridesBareName(t *testing.T) {
	withIsolatedHomeAndCWD(t)
	t.Setenv("SERVER_PORT", "9100")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadEnvVarOverridesPrefixedName(t *testing.T) {
	withIsolatedHomeAndCWD(t)
	t.Setenv("CLAUDE_CTO_SERVER_HOST", "127.0.0.1")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadFlagsOutrankEnvironment(t *testing.T) {
	withIsolatedHomeAndCWD(t)
	t.Setenv("SERVER_PORT", "9100")

	flags := pflag.NewFlagSet("ctod", pflag.ContinueOnError)
	flags.Int("server.port", 8000, "")
	require.NoError(t, flags.Set("server.port", "9200"))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}
