// Package model defines the persisted data shapes shared across the daemon:
// tasks, orchestrations, process-registry entries, and circuit-breaker state.
package model

import "time"

// TaskStatus is a task's position in the lifecycle lattice.
//
//	PENDING  -> RUNNING -> {COMPLETED, FAILED}
//	WAITING  -> PENDING -> RUNNING -> {COMPLETED, FAILED}
//	WAITING  -> SKIPPED
//
// No transition returns to an earlier state; COMPLETED/FAILED/SKIPPED are terminal.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusWaiting   TaskStatus = "WAITING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusSkipped   TaskStatus = "SKIPPED"
)

// IsTerminal reports whether s admits no further transition.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Model selects the underlying agent model, which affects only the per-task timeout ceiling.
type Model string

const (
	ModelSonnet Model = "sonnet"
	ModelOpus   Model = "opus"
	ModelHaiku  Model = "haiku"
)

// TimeoutCeiling returns the per-attempt wall-clock budget for this model (spec §4.2).
func (m Model) TimeoutCeiling() time.Duration {
	switch m {
	case ModelHaiku:
		return 10 * time.Minute
	case ModelOpus:
		return 60 * time.Minute
	case ModelSonnet, "":
		return 30 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Task is one unit of agentic work.
type Task struct {
	ID                int64      `json:"id"`
	Status            TaskStatus `json:"status"`
	WorkingDirectory  string     `json:"working_directory"`
	SystemPrompt      string     `json:"system_prompt,omitempty"`
	ExecutionPrompt   string     `json:"execution_prompt"`
	Model             Model      `json:"model"`
	PID               *int       `json:"pid,omitempty"`
	LogFilePath       string     `json:"log_file_path"`
	LastActionCache   string     `json:"last_action_cache,omitempty"`
	FinalSummary      *string    `json:"final_summary,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`

	// Orchestration membership, nullable unless the task is part of a DAG.
	OrchestrationID     *int64    `json:"orchestration_id,omitempty"`
	Identifier          string    `json:"identifier,omitempty"`
	DependsOn           []string  `json:"depends_on,omitempty"`
	InitialDelaySeconds float64   `json:"initial_delay,omitempty"`
	DependencyFailedAt  *time.Time `json:"dependency_failed_at,omitempty"`
}

// OrchestrationStatus is the terminal/non-terminal state of a DAG run.
type OrchestrationStatus string

const (
	OrchPending   OrchestrationStatus = "pending"
	OrchRunning   OrchestrationStatus = "running"
	OrchCompleted OrchestrationStatus = "completed"
	OrchFailed    OrchestrationStatus = "failed"
	OrchCancelled OrchestrationStatus = "cancelled"
)

// IsTerminal reports whether no further worker may mutate this orchestration.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case OrchCompleted, OrchFailed, OrchCancelled:
		return true
	default:
		return false
	}
}

// Orchestration is a DAG container row that aggregates completion counters.
type Orchestration struct {
	ID             int64               `json:"id"`
	Status         OrchestrationStatus `json:"status"`
	TotalTasks     int                 `json:"total_tasks"`
	CompletedTasks int                 `json:"completed_tasks"`
	FailedTasks    int                 `json:"failed_tasks"`
	SkippedTasks   int                 `json:"skipped_tasks"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
}

// ProcessKind discriminates what a ProcessRegistryEntry tracks.
type ProcessKind string

const (
	ProcessServer ProcessKind = "server"
	ProcessTask   ProcessKind = "task"
)

// ProcessStatus is the registry's view of a tracked process's liveness.
type ProcessStatus string

const (
	ProcessRunning    ProcessStatus = "running"
	ProcessCompleted  ProcessStatus = "completed"
	ProcessTerminated ProcessStatus = "terminated"
	ProcessDead       ProcessStatus = "dead"
)

// ProcessRegistryEntry is one tracked OS process: a server, a task runner, or an
// agent-runtime child process.
type ProcessRegistryEntry struct {
	Kind      ProcessKind   `json:"type"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"started_at"`
	Status    ProcessStatus `json:"status"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`

	// Kind == ProcessServer
	Port int `json:"port,omitempty"`

	// Kind == ProcessTask
	TaskID    int64 `json:"task_id,omitempty"`
	ParentPID int   `json:"parent_pid,omitempty"`
	ChildPIDs []int `json:"child_pids,omitempty"`
}

// BreakerState is the CLOSED/OPEN/HALF_OPEN position of one circuit-breaker key.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerRecord is the persisted state of one circuit-breaker key.
type CircuitBreakerRecord struct {
	Key             string       `json:"key"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
}
