// Package config loads the daemon's configuration from flags, environment, a
// project-local file, a user file, and finally built-in defaults, matching the
// priority chain of the original Config.load() (spec §6.4).
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Task holds task-execution limits and behavior.
type Task struct {
	MaxConcurrentTasks  int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeoutSeconds  int           `mapstructure:"task_timeout_seconds"`
	TaskMemoryLimitMB   int           `mapstructure:"task_memory_limit_mb"`
	UseIsolatedTasks    bool          `mapstructure:"use_isolated_tasks"`
	CleanupIntervalDays int           `mapstructure:"cleanup_interval_days"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelaySeconds   int           `mapstructure:"retry_delay_seconds"`
}

// Server holds HTTP listener and process-lifecycle behavior.
type Server struct {
	Port                  int    `mapstructure:"port"`
	Host                  string `mapstructure:"host"`
	LogLevel              string `mapstructure:"log_level"`
	CleanupOnStartup      bool   `mapstructure:"cleanup_on_startup"`
	KillDuplicateServers  bool   `mapstructure:"kill_duplicate_servers"`
}

// Database holds the Store's connection path and policy.
type Database struct {
	Path              string `mapstructure:"path"`
	BusyTimeoutSec    int    `mapstructure:"busy_timeout_seconds"`
	ConnectRetries    int    `mapstructure:"connect_retries"`
	ConnectRetryDelay int    `mapstructure:"connect_retry_delay_ms"`
}

// Resources holds MemoryMonitor thresholds.
type Resources struct {
	MemoryWarningThreshold  float64 `mapstructure:"memory_warning_threshold"`
	MemoryCriticalThreshold float64 `mapstructure:"memory_critical_threshold"`
}

// Notification holds the best-effort webhook side-effect hook's settings.
type Notification struct {
	WebhookURL string `mapstructure:"webhook_url"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
}

// Config is the complete, merged configuration for one daemon process.
type Config struct {
	AppDir       string       `mapstructure:"app_dir"`
	LogDir       string       `mapstructure:"log_dir"`
	Task         Task         `mapstructure:"task"`
	Server       Server       `mapstructure:"server"`
	Database     Database     `mapstructure:"database"`
	Resources    Resources    `mapstructure:"resources"`
	Notification Notification `mapstructure:"notification"`
}

func defaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-cto"
	}
	return filepath.Join(home, ".claude-cto")
}

func setDefaults(v *viper.Viper) {
	appDir := defaultAppDir()
	v.SetDefault("app_dir", appDir)
	v.SetDefault("log_dir", filepath.Join(appDir, "logs"))

	v.SetDefault("task.max_concurrent_tasks", 10)
	v.SetDefault("task.task_timeout_seconds", 7200)
	v.SetDefault("task.task_memory_limit_mb", 4096)
	v.SetDefault("task.use_isolated_tasks", false)
	v.SetDefault("task.cleanup_interval_days", 7)
	v.SetDefault("task.max_retries", 3)
	v.SetDefault("task.retry_delay_seconds", 60)

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.cleanup_on_startup", true)
	v.SetDefault("server.kill_duplicate_servers", false)

	v.SetDefault("database.path", filepath.Join(appDir, "tasks.db"))
	v.SetDefault("database.busy_timeout_seconds", 30)
	v.SetDefault("database.connect_retries", 3)
	v.SetDefault("database.connect_retry_delay_ms", 500)

	v.SetDefault("resources.memory_warning_threshold", 80.0)
	v.SetDefault("resources.memory_critical_threshold", 95.0)

	v.SetDefault("notification.webhook_url", "")
	v.SetDefault("notification.timeout_ms", 5000)
}

// bindEnvVars wires the bare environment-variable names spec §6.4 names (distinct
// from the CLAUDE_CTO_-prefixed ones, which viper's AutomaticEnv + prefix already
// covers) onto their config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "CLAUDE_CTO_DB")
	_ = v.BindEnv("log_dir", "CLAUDE_CTO_LOG_DIR")
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("task.max_concurrent_tasks", "MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("task.task_timeout_seconds", "TASK_TIMEOUT")
	_ = v.BindEnv("task.task_memory_limit_mb", "TASK_MEMORY_LIMIT_MB")
	_ = v.BindEnv("resources.memory_warning_threshold", "MEMORY_WARNING_THRESHOLD")
	_ = v.BindEnv("resources.memory_critical_threshold", "MEMORY_CRITICAL_THRESHOLD")
}

// Load builds a Config from, in increasing priority: built-in defaults, the user
// file (~/.claude-cto/config.json), the project-local file (./.claude-cto.json),
// environment variables (CLAUDE_CTO_* and the bare names in spec §6.4), then flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("json")
	v.SetConfigName("config")
	v.AddConfigPath(defaultAppDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	projectV := viper.New()
	projectV.SetConfigFile(".claude-cto.json")
	if err := projectV.ReadInConfig(); err == nil {
		if mergeErr := v.MergeConfigMap(projectV.AllSettings()); mergeErr != nil {
			return nil, mergeErr
		}
	}

	v.SetEnvPrefix("CLAUDE_CTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("server.port", f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDir, "logs")
	}
	return &cfg, nil
}
