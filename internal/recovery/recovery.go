// Package recovery runs the daemon's startup reconciliation routine: it clears
// stale locks, reaps processes left behind by a crash, and marks any task that
// claims to still be RUNNING but plainly is not, grounded on recovery.py.
package recovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/serverlock"
	"github.com/claude-cto/ctod/internal/store"
)

// maxTaskRuntime bounds how long a RUNNING task may go without being reconsidered
// orphaned, independent of whether its PID is still alive.
const maxTaskRuntime = 2 * time.Hour

// maxUnstartedAge bounds how long a task with no PID recorded may sit before
// recovery gives up on it ever having started.
const maxUnstartedAge = time.Hour

// Report summarizes one recovery pass, returned for logging and diagnostics.
type Report struct {
	StaleLocksCleaned        int
	OrphanedProcessesKilled  int
	TasksMarkedFailed        int
	RegistryEntriesCleaned   int
	AgentProcessesTerminated int
}

// Service performs startup recovery against a Store and a ProcessRegistry.
type Service struct {
	st       *store.Store
	registry *procregistry.Registry
	logger   *slog.Logger
}

// New constructs a Service.
func New(st *store.Store, registry *procregistry.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{st: st, registry: registry, logger: logger}
}

// RunOnStartup executes the full six-step recovery routine and records this
// daemon instance in the process registry as the server for port (spec's
// ambient recovery behavior).
func (s *Service) RunOnStartup(ctx context.Context, port int) Report {
	s.logger.Info("starting server recovery")
	var report Report

	// Step 1: clear stale server locks across all ports.
	report.StaleLocksCleaned = serverlock.CleanupAllLocks()

	// Step 2: terminate orphaned agent-runtime subprocesses still running after a crash.
	report.AgentProcessesTerminated = s.cleanupOrphanedAgentProcesses()

	// Step 3: reap orphaned processes tracked in the process registry.
	report.OrphanedProcessesKilled = s.registry.CleanupOrphaned(false)

	// Step 4: reconcile database task states against reality.
	report.TasksMarkedFailed = s.reconcileTaskStates(ctx)

	// Step 5: trim old registry entries.
	report.RegistryEntriesCleaned = s.registry.CleanupOldEntries(7 * 24 * time.Hour)

	// Step 6: register this daemon instance as the server in the process registry.
	s.registry.RegisterServer(port)

	s.logger.Info("recovery complete",
		"stale_locks_cleaned", report.StaleLocksCleaned,
		"agent_processes_terminated", report.AgentProcessesTerminated,
		"orphaned_processes_killed", report.OrphanedProcessesKilled,
		"tasks_marked_failed", report.TasksMarkedFailed,
		"registry_entries_cleaned", report.RegistryEntriesCleaned,
	)
	return report
}

// cleanupOrphanedAgentProcesses scans every running process on the host for an
// agent-runtime child whose parent daemon is no longer alive, terminating it
// gracefully before escalating to a kill.
func (s *Service) cleanupOrphanedAgentProcesses() int {
	procs, err := process.Processes()
	if err != nil {
		s.logger.Error("enumerate processes for recovery failed", "error", err)
		return 0
	}

	terminated := 0
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil || !strings.Contains(strings.ToLower(name), "claude") {
			continue
		}
		env, err := proc.Environ()
		if err != nil || !hasEntrypointMarker(env) {
			continue
		}

		orphaned := true
		if parent, err := proc.Parent(); err == nil && parent != nil {
			if running, _ := parent.IsRunning(); running {
				parentCmd, _ := parent.Cmdline()
				if strings.Contains(strings.ToLower(parentCmd), "ctod") {
					orphaned = false
				}
			}
		}
		if !orphaned {
			continue
		}

		s.logger.Warn("found orphaned agent process", "pid", proc.Pid)
		if err := proc.Terminate(); err != nil {
			continue
		}
		terminated++
		if !waitForExit(proc, 5*time.Second) {
			_ = proc.Kill()
		}
	}
	return terminated
}

func hasEntrypointMarker(env []string) bool {
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			return true
		}
	}
	return false
}

func waitForExit(proc *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, _ := proc.IsRunning(); !running {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

// reconcileTaskStates marks every task claiming RUNNING as FAILED when its process
// is plainly gone, too old, or has simply run too long.
func (s *Service) reconcileTaskStates(ctx context.Context) int {
	running, err := s.st.ListTasksByStatus(ctx, model.StatusRunning)
	if err != nil {
		s.logger.Error("list running tasks for recovery failed", "error", err)
		return 0
	}

	markedFailed := 0
	for _, task := range running {
		reason, shouldFail := recoveryVerdict(task)
		if !shouldFail {
			continue
		}
		if err := s.st.MarkFailed(ctx, task.ID, "Recovery: "+reason); err != nil {
			s.logger.Error("mark recovered task failed", "task_id", task.ID, "error", err)
			continue
		}
		s.registry.MarkTaskCompleted(task.ID)
		s.logger.Info("marked task failed during recovery", "task_id", task.ID, "reason", reason)
		markedFailed++
	}
	return markedFailed
}

func recoveryVerdict(task *model.Task) (reason string, shouldFail bool) {
	if task.StartedAt != nil && time.Since(*task.StartedAt) > maxTaskRuntime {
		return "task exceeded maximum runtime (2 hours)", true
	}

	if task.PID != nil {
		if !process.PidExists(int32(*task.PID)) {
			return "task process no longer exists", true
		}
		proc, err := process.NewProcess(int32(*task.PID))
		if err != nil {
			return "cannot access task process", true
		}
		if name, err := proc.Name(); err != nil || !looksLikeRunnerProcess(name) {
			return "pid exists but is not a task runner process", true
		}
		return "", false
	}

	if time.Since(task.CreatedAt) > maxUnstartedAge {
		return "old task with no pid recorded", true
	}
	return "", false
}

func looksLikeRunnerProcess(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "ctod") || strings.Contains(lower, "claude")
}
