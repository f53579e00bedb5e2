// Package procregistry tracks every OS process the daemon spawns (the server
// itself, task runners, and their agent-runtime children) in a JSON file so a
// crashed-and-restarted daemon can find and reap orphans, grounded on
// process_registry.py.
package procregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/claude-cto/ctod/internal/model"
)

// Registry is the JSON-persisted, PID-indexed map of every process this daemon
// ever spawned, across restarts.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries map[int]*model.ProcessRegistryEntry
	logger  *slog.Logger
}

// Open loads (or creates) the registry file at path.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, entries: make(map[int]*model.ProcessRegistryEntry), logger: logger}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw map[string]*model.ProcessRegistryEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		r.logger.Error("process registry file corrupt, starting fresh", "error", err)
		return nil
	}
	for k, v := range raw {
		pid, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		r.entries[pid] = v
	}
	r.logger.Info("loaded process registry", "entries", len(r.entries))
	return nil
}

func (r *Registry) save() {
	out := make(map[string]*model.ProcessRegistryEntry, len(r.entries))
	for pid, e := range r.entries {
		out[strconv.Itoa(pid)] = e
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		r.logger.Error("marshal process registry failed", "error", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error("write process registry failed", "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Error("rename process registry failed", "error", err)
	}
}

// RegisterServer records the daemon's own PID as the listening server.
func (r *Registry) RegisterServer(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := os.Getpid()
	r.entries[pid] = &model.ProcessRegistryEntry{
		Kind: model.ProcessServer, PID: pid, Port: port,
		StartedAt: time.Now(), Status: model.ProcessRunning,
	}
	r.save()
	r.logger.Info("registered server process", "pid", pid, "port", port)
}

// RegisterTask records a task runner's PID, with the daemon as its parent.
func (r *Registry) RegisterTask(taskID int64, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pid] = &model.ProcessRegistryEntry{
		Kind: model.ProcessTask, PID: pid, TaskID: taskID, ParentPID: os.Getpid(),
		StartedAt: time.Now(), Status: model.ProcessRunning,
	}
	r.save()
	r.logger.Info("registered task process", "task_id", taskID, "pid", pid)
}

// RegisterChild attaches a discovered agent-runtime child PID (e.g. the `claude`
// CLI subprocess) to its parent task-runner entry.
func (r *Registry) RegisterChild(taskRunnerPID, childPID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskRunnerPID]
	if !ok || e.Kind != model.ProcessTask {
		return
	}
	for _, existing := range e.ChildPIDs {
		if existing == childPID {
			return
		}
	}
	e.ChildPIDs = append(e.ChildPIDs, childPID)
	r.save()
	r.logger.Info("registered child process", "task_runner_pid", taskRunnerPID, "child_pid", childPID)
}

// DiscoverAgentChild polls /proc (via gopsutil) for a descendant of parentPID whose
// command line names a Claude CLI process, up to timeout. Used right after a task
// runner spawns its agent-runtime subprocess, since the SDK does not hand back a
// PID synchronously.
func (r *Registry) DiscoverAgentChild(parentPID int, timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		parent, err := process.NewProcess(int32(parentPID))
		if err != nil {
			return 0, false
		}
		children, err := parent.Children()
		if err == nil {
			for _, child := range children {
				cmdline, err := child.Cmdline()
				if err != nil {
					continue
				}
				name, _ := child.Name()
				lower := strings.ToLower(cmdline)
				if strings.Contains(lower, "claude") || strings.Contains(strings.ToLower(name), "node") {
					pid := int(child.Pid)
					r.RegisterChild(parentPID, pid)
					return pid, true
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	r.logger.Warn("could not discover agent subprocess within timeout", "parent_pid", parentPID)
	return 0, false
}

// MarkTaskCompleted flips a task-runner entry (and implicitly its children) to
// completed once the task reaches a terminal state.
func (r *Registry) MarkTaskCompleted(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Kind == model.ProcessTask && e.TaskID == taskID {
			now := time.Now()
			e.Status = model.ProcessCompleted
			e.EndedAt = &now
			r.save()
			return
		}
	}
}

func pidAlive(pid int) bool {
	return process.PidExists(int32(pid))
}

// GetOrphaned returns every registered task whose parent daemon process is no
// longer alive, plus every still-alive agent-runtime child of a task runner found
// dead while still marked running — candidates for reclamation after a crash.
func (r *Registry) GetOrphaned() []model.ProcessRegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []model.ProcessRegistryEntry
	for pid, e := range r.entries {
		if !pidAlive(pid) {
			if e.Status == model.ProcessRunning {
				now := time.Now()
				e.Status = model.ProcessDead
				e.EndedAt = &now
				if e.Kind == model.ProcessTask {
					for _, childPID := range e.ChildPIDs {
						if pidAlive(childPID) {
							orphaned = append(orphaned, model.ProcessRegistryEntry{
								Kind: model.ProcessTask, PID: childPID, TaskID: e.TaskID, ParentPID: pid,
							})
						}
					}
				}
			}
			continue
		}
		if e.Kind != model.ProcessTask {
			continue
		}
		if e.ParentPID != 0 && !pidAlive(e.ParentPID) {
			orphaned = append(orphaned, *e)
		}
	}
	r.save()
	return orphaned
}

// CleanupOrphaned reaps every orphaned process: SIGTERM by default, SIGKILL when
// force is set (e.g. a prior SIGTERM pass already ran and processes are still
// alive). Returns the count successfully signalled.
func (r *Registry) CleanupOrphaned(force bool) int {
	orphaned := r.GetOrphaned()
	cleaned := 0

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range orphaned {
		sig := syscall.SIGTERM
		if force {
			sig = syscall.SIGKILL
		}
		proc, err := os.FindProcess(entry.PID)
		if err != nil {
			continue
		}
		if err := proc.Signal(sig); err != nil {
			r.logger.Warn("could not signal orphaned process", "pid", entry.PID, "error", err)
			continue
		}
		cleaned++
		r.logger.Info("signalled orphaned process", "pid", entry.PID, "signal", sig)
		if e, ok := r.entries[entry.PID]; ok {
			now := time.Now()
			e.Status = model.ProcessTerminated
			e.EndedAt = &now
		}
	}
	r.save()
	return cleaned
}

// CleanupOldEntries removes terminal entries older than maxAge to bound the
// registry's on-disk size.
func (r *Registry) CleanupOldEntries(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for pid, e := range r.entries {
		if e.Status == model.ProcessRunning {
			continue
		}
		if e.StartedAt.Before(cutoff) {
			delete(r.entries, pid)
			removed++
		}
	}
	if removed > 0 {
		r.save()
		r.logger.Info("removed old process registry entries", "count", removed)
	}
	return removed
}

// GetRunningTasks lists every entry currently believed to be a running task.
func (r *Registry) GetRunningTasks() []model.ProcessRegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var running []model.ProcessRegistryEntry
	for _, e := range r.entries {
		if e.Kind == model.ProcessTask && e.Status == model.ProcessRunning {
			running = append(running, *e)
		}
	}
	return running
}

// IsServerRunning reports whether a live, genuine claude-cto server is already
// bound to port, double-checking via the process's own command line rather than
// trusting the registry's cached status alone.
func (r *Registry) IsServerRunning(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, e := range r.entries {
		if e.Kind != model.ProcessServer || e.Port != port || e.Status != model.ProcessRunning {
			continue
		}
		if !pidAlive(pid) {
			now := time.Now()
			e.Status = model.ProcessDead
			e.EndedAt = &now
			r.save()
			continue
		}
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err == nil && strings.Contains(strings.ToLower(cmdline), "ctod") {
			return true
		}
	}
	return false
}

// Describe renders one entry for diagnostics output.
func Describe(e model.ProcessRegistryEntry) string {
	return fmt.Sprintf("pid=%d kind=%s status=%s", e.PID, e.Kind, e.Status)
}
