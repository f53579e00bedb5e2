// Command ctod is the claude-cto daemon: a fire-and-forget execution service
// for long-running agentic tasks (spec §1), grounded on the teacher's
// cobra-rooted main.go plus its signal.NotifyContext shutdown sequence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/claude-cto/ctod/internal/agentruntime"
	"github.com/claude-cto/ctod/internal/config"
	"github.com/claude-cto/ctod/internal/maintenance"
	"github.com/claude-cto/ctod/internal/memorymonitor"
	"github.com/claude-cto/ctod/internal/notification"
	"github.com/claude-cto/ctod/internal/orchestrator"
	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/recovery"
	"github.com/claude-cto/ctod/internal/resilience"
	"github.com/claude-cto/ctod/internal/serverlock"
	"github.com/claude-cto/ctod/internal/store"
	"github.com/claude-cto/ctod/internal/taskrunner"
	"github.com/claude-cto/ctod/internal/telemetry"

	apiserver "github.com/claude-cto/ctod/internal/api"
)

const serviceName = "ctod"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ctod",
		Short: "claude-cto daemon: fire-and-forget execution for long-running agentic tasks",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newCleanupLocksCmd())
	root.AddCommand(newRunTaskCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and begin accepting tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	cmd.Flags().Int("port", 0, "override server.port")
	cmd.Flags().Bool("force", false, "force-acquire the server lock by replacing its lock file (kills no process; see --kill-existing)")
	cmd.Flags().Bool("kill-existing", false, "kill an existing live server on this port before starting")
	return cmd
}

func newCleanupLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-locks",
		Short: "Remove server lock files whose recorded PID is no longer alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := serverlock.CleanupAllLocks()
			fmt.Printf("removed %d lock file(s)\n", n)
			return nil
		},
	}
}

func newRunTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-task <task-id>",
		Short:  "Run a single already-created task and exit (isolated-runner mode's re-invocation target)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID int64
			if _, err := fmt.Sscanf(args[0], "%d", &taskID); err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}
			return runIsolatedTask(cmd, taskID)
		},
	}
}

// deps bundles the daemon's wired components so both the long-running server
// and the isolated-runner re-invocation can share construction logic.
type deps struct {
	cfg       *config.Config
	st        *store.Store
	registry  *procregistry.Registry
	breaker   *resilience.CircuitBreaker
	monitor   *memorymonitor.Monitor
	runner    *taskrunner.Runner
	orch      *orchestrator.Orchestrator
	isolated  *taskrunner.IsolatedRunner // nil unless task.use_isolated_tasks is set
	scheduler *maintenance.Scheduler
}

func buildDeps(ctx context.Context, flags *pflag.FlagSet, logger *slog.Logger) (*deps, func(), error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create app dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.Path, cfg.LogDir, cfg.Database.BusyTimeoutSec)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	registry, err := procregistry.Open(filepath.Join(cfg.AppDir, "process_registry.json"), logger)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("open process registry: %w", err)
	}

	breaker, err := resilience.NewCircuitBreaker(filepath.Join(cfg.AppDir, "circuit_breakers.json"), resilience.DefaultBreakerConfig())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("open circuit breaker: %w", err)
	}

	thresholds := memorymonitor.Thresholds{
		WarningPercent:  cfg.Resources.MemoryWarningThreshold,
		CriticalPercent: cfg.Resources.MemoryCriticalThreshold,
	}
	monitor := memorymonitor.New(15*time.Second, thresholds, logger)
	monitor.Start(ctx)

	notifier := notification.New(cfg.Notification.WebhookURL, time.Duration(cfg.Notification.TimeoutMS)*time.Millisecond, logger)
	runtime := agentruntime.NewCLIRuntime("")

	runnerCfg := taskrunner.DefaultConfig()
	runnerCfg.MaxConcurrentTasks = cfg.Task.MaxConcurrentTasks
	runnerCfg.RetryConfig.MaxAttempts = cfg.Task.MaxRetries

	runner := taskrunner.New(st, registry, runtime, notifier, monitor, breaker, runnerCfg, logger, telemetry.Tracer("taskrunner"))
	orch := orchestrator.New(st, runner, logger)

	var isolated *taskrunner.IsolatedRunner
	if cfg.Task.UseIsolatedTasks {
		selfBinary, binErr := os.Executable()
		if binErr != nil {
			selfBinary = os.Args[0]
		}
		isolated = taskrunner.NewIsolatedRunner(taskrunner.IsolatedConfig{
			AppDir:              cfg.AppDir,
			SelfBinaryPath:      selfBinary,
			MemoryLimitMB:       cfg.Task.TaskMemoryLimitMB,
			TimeoutSeconds:      cfg.Task.TaskTimeoutSeconds,
			CleanupIntervalDays: cfg.Task.CleanupIntervalDays,
		}, logger)
	}

	scheduler := maintenance.NewScheduler(maintenance.DefaultConfig(cfg.LogDir), breaker, registry, logger)
	scheduler.Start()

	cleanup := func() {
		scheduler.Stop()
		monitor.Stop()
		st.Close()
	}
	return &deps{cfg: cfg, st: st, registry: registry, breaker: breaker, monitor: monitor, runner: runner, orch: orch, isolated: isolated, scheduler: scheduler}, cleanup, nil
}

// runIsolatedTask is the entrypoint the isolated-runner subprocess invokes: it
// runs exactly one task to a terminal state, using the same TaskRunner
// contract as the in-process path, then exits (spec §9, task_runner.py).
func runIsolatedTask(cmd *cobra.Command, taskID int64) error {
	logger := telemetry.InitLogging(serviceName + "-runner")
	ctx, cancel := signalContext()
	defer cancel()

	d, cleanup, err := buildDeps(ctx, cmd.Flags(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	d.registry.RegisterTask(taskID, os.Getpid())
	defer d.registry.MarkTaskCompleted(taskID)

	return d.runner.Run(ctx, taskID)
}

func runServe(cmd *cobra.Command) error {
	logger := telemetry.InitLogging(serviceName)
	ctx, cancel := signalContext()
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, serviceName)
	defer telemetry.Flush(context.Background(), shutdownTrace)
	defer func() { _ = shutdownMetrics(context.Background()) }()

	d, cleanup, err := buildDeps(ctx, cmd.Flags(), logger)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg := d.cfg

	lock, err := serverlock.New(cfg.Server.Port, logger)
	if err != nil {
		return fmt.Errorf("init server lock: %w", err)
	}
	force, _ := cmd.Flags().GetBool("force")
	killExisting, _ := cmd.Flags().GetBool("kill-existing")
	if err := lock.Acquire(serverlock.AcquireOptions{Force: force, KillExisting: killExisting || cfg.Server.KillDuplicateServers}); err != nil {
		return fmt.Errorf("acquire server lock: %w", err)
	}
	defer lock.Release()

	if cfg.Server.CleanupOnStartup {
		report := recovery.New(d.st, d.registry, logger).RunOnStartup(ctx, cfg.Server.Port)
		logger.Info("startup recovery complete",
			"stale_locks_cleaned", report.StaleLocksCleaned,
			"orphaned_processes_killed", report.OrphanedProcessesKilled,
			"tasks_marked_failed", report.TasksMarkedFailed,
			"registry_entries_cleaned", report.RegistryEntriesCleaned,
			"agent_processes_terminated", report.AgentProcessesTerminated,
		)
	} else {
		d.registry.RegisterServer(cfg.Server.Port)
	}

	srv := apiserver.NewServer(d.st, d.runner, d.orch, d.isolated, serviceName, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
