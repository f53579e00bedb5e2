// Package memorymonitor samples system and per-task resource usage on a
// background ticker and raises threshold warnings, grounded on memory_monitor.py.
package memorymonitor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// TaskMetrics tracks one task's resource footprint across its lifetime.
type TaskMetrics struct {
	TaskID            int64
	StartTime         time.Time
	EndTime           *time.Time
	PeakMemoryMB      float64
	AvgMemoryMB       float64
	CPUPercent        float64
	ErrorCount        int
	RetryCount        int
	MessagesProcessed int
}

// DurationSeconds returns the task's elapsed wall-clock time, or the time since
// start if it has not yet ended.
func (m *TaskMetrics) DurationSeconds() float64 {
	end := time.Now()
	if m.EndTime != nil {
		end = *m.EndTime
	}
	return end.Sub(m.StartTime).Seconds()
}

// SystemMetrics is one point-in-time sample of host and aggregate task health.
type SystemMetrics struct {
	Timestamp        time.Time
	CPUPercent       float64
	MemoryPercent    float64
	MemoryUsedMB     float64
	MemoryAvailable  float64
	DiskUsagePercent float64
	ActiveTasks      int
	FailedTasks1h    int
	SuccessRate1h    float64
	AvgDuration1h    float64
}

// Thresholds tunes the warning/critical memory-percent levels.
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{WarningPercent: 80.0, CriticalPercent: 95.0}
}

// Monitor samples host and task resource usage on a fixed interval. It must be
// started with Start and stopped with Stop; Stop cancels the background
// goroutine and waits for it to exit.
type Monitor struct {
	checkInterval time.Duration
	thresholds    Thresholds
	logger        *slog.Logger
	selfProc      *process.Process

	mu      sync.Mutex
	tasks   map[int64]*TaskMetrics
	history []SystemMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor with the given sampling interval.
func New(checkInterval time.Duration, thresholds Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	selfProc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		checkInterval: checkInterval,
		thresholds:    thresholds,
		logger:        logger,
		selfProc:      selfProc,
		tasks:         make(map[int64]*TaskMetrics),
	}
}

// StartTaskMonitoring begins tracking one task's resource usage.
func (m *Monitor) StartTaskMonitoring(taskID int64) *TaskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := &TaskMetrics{TaskID: taskID, StartTime: time.Now()}
	m.tasks[taskID] = metrics
	return metrics
}

// EndTaskMonitoring marks a task's metrics as final.
func (m *Monitor) EndTaskMonitoring(taskID int64, success bool) *TaskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	now := time.Now()
	metrics.EndTime = &now
	if !success {
		metrics.ErrorCount++
	}
	return metrics
}

// UpdateTaskMetrics records progress counters observed mid-execution.
func (m *Monitor) UpdateTaskMetrics(taskID int64, messages, errorsSeen, retries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.tasks[taskID]
	if !ok {
		return
	}
	metrics.MessagesProcessed = messages
	metrics.ErrorCount = errorsSeen
	metrics.RetryCount = retries
}

// Start launches the background sampling loop; it is a no-op if already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(loopCtx)
	m.logger.Info("started memory monitoring", "interval", m.checkInterval)
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	m.logger.Info("stopped memory monitoring")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := m.collectSystemMetrics()
			m.recordHistory(metrics)
			m.updateActiveTaskMetrics()
			m.checkThresholds(metrics)
			if m.taskCount() > 100 {
				m.CleanupOldMetrics(24 * time.Hour)
			}
		}
	}
}

func (m *Monitor) collectSystemMetrics() SystemMetrics {
	cpuPercents, err := cpu.Percent(0, false)
	cpuPercent := 0.0
	if err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vmem, err := mem.VirtualMemory()
	memPercent, memUsedMB, memAvailMB := 0.0, 0.0, 0.0
	if err == nil {
		memPercent = vmem.UsedPercent
		memUsedMB = float64(vmem.Used) / (1024 * 1024)
		memAvailMB = float64(vmem.Available) / (1024 * 1024)
	}

	diskPercent := 0.0
	if d, err := disk.Usage("/"); err == nil {
		diskPercent = d.UsedPercent
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	oneHourAgo := time.Now().Add(-time.Hour)
	var failed, completed int
	var totalDuration float64
	for _, t := range m.tasks {
		if t.EndTime == nil {
			active++
		}
		if t.StartTime.Before(oneHourAgo) {
			continue
		}
		if t.EndTime != nil {
			completed++
			totalDuration += t.DurationSeconds()
		}
		if t.ErrorCount > 0 {
			failed++
		}
	}
	successRate := 0.0
	avgDuration := 0.0
	if completed > 0 {
		successRate = float64(completed-failed) / float64(completed) * 100
		avgDuration = totalDuration / float64(completed)
	}

	return SystemMetrics{
		Timestamp:        time.Now(),
		CPUPercent:       cpuPercent,
		MemoryPercent:    memPercent,
		MemoryUsedMB:     memUsedMB,
		MemoryAvailable:  memAvailMB,
		DiskUsagePercent: diskPercent,
		ActiveTasks:      active,
		FailedTasks1h:    failed,
		SuccessRate1h:    successRate,
		AvgDuration1h:    avgDuration,
	}
}

func (m *Monitor) recordHistory(metrics SystemMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, metrics)
	cutoff := time.Now().Add(-time.Hour)
	kept := m.history[:0]
	for _, h := range m.history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	m.history = kept
}

func (m *Monitor) updateActiveTaskMetrics() {
	if m.selfProc == nil {
		return
	}
	memInfo, err := m.selfProc.MemoryInfo()
	if err != nil {
		return
	}
	currentMemoryMB := float64(memInfo.RSS) / (1024 * 1024)
	cpuPercent, _ := m.selfProc.CPUPercent()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.EndTime != nil {
			continue
		}
		if currentMemoryMB > t.PeakMemoryMB {
			t.PeakMemoryMB = currentMemoryMB
		}
		if t.AvgMemoryMB == 0 {
			t.AvgMemoryMB = currentMemoryMB
		} else {
			t.AvgMemoryMB = (t.AvgMemoryMB + currentMemoryMB) / 2
		}
		t.CPUPercent = cpuPercent
	}
}

func (m *Monitor) checkThresholds(metrics SystemMetrics) {
	switch {
	case metrics.MemoryPercent >= m.thresholds.CriticalPercent:
		m.logger.Error("memory usage critical", "percent", metrics.MemoryPercent, "used_mb", metrics.MemoryUsedMB)
	case metrics.MemoryPercent >= m.thresholds.WarningPercent:
		m.logger.Warn("memory usage high", "percent", metrics.MemoryPercent, "used_mb", metrics.MemoryUsedMB)
	}
}

func (m *Monitor) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// CleanupOldMetrics drops terminal task metrics older than maxAge, preventing
// unbounded growth of the in-memory map.
func (m *Monitor) CleanupOldMetrics(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range m.tasks {
		if t.EndTime != nil && t.StartTime.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleaned up old task metrics", "count", removed)
	}
	return removed
}

// CurrentSnapshot returns the latest system metrics plus active task metrics, for
// a diagnostics endpoint.
func (m *Monitor) CurrentSnapshot() (SystemMetrics, []TaskMetrics) {
	sys := m.collectSystemMetrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []TaskMetrics
	for _, t := range m.tasks {
		if t.EndTime == nil {
			active = append(active, *t)
		}
	}
	return sys, active
}

// TaskSnapshot returns a copy of one task's metrics, if tracked.
func (m *Monitor) TaskSnapshot(taskID int64) (TaskMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskMetrics{}, false
	}
	return *t, true
}
