// Package serverlock enforces a single daemon instance per port via a PID file,
// detecting and reclaiming stale locks left by a crashed process, grounded on
// server_lock.py.
package serverlock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const lockDir = "/tmp/claude-cto-locks"

// Lock guards a single TCP port against a second daemon binding it.
type Lock struct {
	port     int
	pid      int
	path     string
	logger   *slog.Logger
}

// New returns a Lock for port, ensuring the lock directory exists.
func New(port int, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, err
	}
	return &Lock{
		port:   port,
		pid:    os.Getpid(),
		path:   filepath.Join(lockDir, fmt.Sprintf("server-%d.pid", port)),
		logger: logger,
	}, nil
}

// IsRunning reports whether a live, genuine ctod server already holds the lock
// file's recorded PID for this port, returning that PID either way (0 if absent
// or unreadable).
func (l *Lock) IsRunning() (bool, int) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, 0
	}
	oldPID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		l.logger.Error("unreadable lock file", "error", err)
		return false, 0
	}
	if !process.PidExists(int32(oldPID)) {
		l.logger.Info("found stale lock file", "port", l.port, "pid", oldPID)
		return false, oldPID
	}

	proc, err := process.NewProcess(int32(oldPID))
	if err != nil {
		return false, oldPID
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return false, oldPID
	}
	lower := strings.ToLower(cmdline)
	if strings.Contains(lower, "ctod") && strings.Contains(cmdline, strconv.Itoa(l.port)) {
		return true, oldPID
	}
	l.logger.Warn("pid exists but is not a ctod server", "pid", oldPID)
	return false, oldPID
}

// AcquireOptions tune Acquire's behavior when a live server already holds the lock.
type AcquireOptions struct {
	Force        bool // also remove the lock file after a live holder was killed; stale lock files are removed regardless
	KillExisting bool // SIGTERM (then SIGKILL) a live conflicting server first
}

// Acquire claims the lock for this process, optionally killing a live conflicting
// server or clearing a stale lock file first.
func (l *Lock) Acquire(opts AcquireOptions) error {
	running, existingPID := l.IsRunning()

	if running && existingPID != 0 {
		if !opts.KillExisting {
			return fmt.Errorf("server already running on port %d (pid %d)", l.port, existingPID)
		}
		l.logger.Warn("killing existing server", "pid", existingPID, "port", l.port)
		if err := syscall.Kill(existingPID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal existing server: %w", err)
		}
		died := false
		for i := 0; i < 10; i++ {
			if !process.PidExists(int32(existingPID)) {
				died = true
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
		if !died {
			_ = syscall.Kill(existingPID, syscall.SIGKILL)
			time.Sleep(500 * time.Millisecond)
		}
	}

	if _, err := os.Stat(l.path); err == nil && (opts.Force || !running) {
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("remove stale lock: %w", err)
		}
		l.logger.Info("removed stale lock file", "port", l.port)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(l.pid)), 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("rename lock file: %w", err)
	}
	l.logger.Info("acquired server lock", "port", l.port, "pid", l.pid)
	return nil
}

// Release removes the lock file, but only if it still names this process —
// another process may have taken the port after a stale-lock race.
func (l *Lock) Release() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	storedPID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		l.logger.Error("error parsing lock file on release", "error", err)
		return
	}
	if storedPID != l.pid {
		l.logger.Warn("lock file contains different pid, not removing", "stored_pid", storedPID)
		return
	}
	if err := os.Remove(l.path); err != nil {
		l.logger.Error("error releasing lock", "error", err)
		return
	}
	l.logger.Info("released server lock", "port", l.port)
}

// CleanupAllLocks removes every stale (dead-PID) lock file in lockDir, returning
// the count removed.
func CleanupAllLocks() int {
	entries, err := filepath.Glob(filepath.Join(lockDir, "server-*.pid"))
	if err != nil {
		return 0
	}
	cleaned := 0
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if !process.PidExists(int32(pid)) {
			if err := os.Remove(path); err == nil {
				cleaned++
			}
		}
	}
	return cleaned
}

// RunningServer is one (port, pid) pair discovered among live lock files.
type RunningServer struct {
	Port int
	PID  int
}

// AllRunningServers lists every port with a live, genuine ctod server currently
// holding its lock file.
func AllRunningServers() []RunningServer {
	entries, err := filepath.Glob(filepath.Join(lockDir, "server-*.pid"))
	if err != nil {
		return nil
	}
	var servers []RunningServer
	for _, path := range entries {
		base := strings.TrimSuffix(filepath.Base(path), ".pid")
		parts := strings.SplitN(base, "-", 2)
		if len(parts) != 2 {
			continue
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || !process.PidExists(int32(pid)) {
			continue
		}
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err == nil && strings.Contains(strings.ToLower(cmdline), "ctod") {
			servers = append(servers, RunningServer{Port: port, PID: pid})
		}
	}
	return servers
}
