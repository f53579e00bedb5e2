package api

import (
	"time"

	"github.com/claude-cto/ctod/internal/model"
)

// CreateTaskRequest is the shared request body shape for /tasks and /mcp/tasks
// (spec §6.1); the two endpoints differ only in validation strictness.
type CreateTaskRequest struct {
	ExecutionPrompt  string `json:"execution_prompt"`
	WorkingDirectory string `json:"working_directory"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	Model            string `json:"model,omitempty"`
}

// TaskView is the public projection of a Task (spec §6.1: "TaskView").
type TaskView struct {
	ID              int64      `json:"id"`
	Status          string     `json:"status"`
	WorkingDirectory string    `json:"working_directory"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastActionCache string     `json:"last_action_cache,omitempty"`
	FinalSummary    string     `json:"final_summary,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func newTaskView(t *model.Task) TaskView {
	v := TaskView{
		ID:               t.ID,
		Status:           string(t.Status),
		WorkingDirectory: t.WorkingDirectory,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
		LastActionCache:  t.LastActionCache,
	}
	if t.FinalSummary != nil {
		v.FinalSummary = *t.FinalSummary
	}
	if t.ErrorMessage != nil {
		v.ErrorMessage = *t.ErrorMessage
	}
	return v
}

// TaskItem is one entry of a POST /orchestrations request body.
type TaskItem struct {
	Identifier       string   `json:"identifier"`
	ExecutionPrompt  string   `json:"execution_prompt"`
	WorkingDirectory string   `json:"working_directory"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Model            string   `json:"model,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	InitialDelay     float64  `json:"initial_delay,omitempty"`
}

// CreateOrchestrationRequest is the POST /orchestrations request body.
type CreateOrchestrationRequest struct {
	Tasks []TaskItem `json:"tasks"`
}

// OrchestrationTaskView is one entry of the POST /orchestrations response's
// per-task echo (spec §6.1).
type OrchestrationTaskView struct {
	Identifier   string   `json:"identifier"`
	TaskID       int64    `json:"task_id"`
	DependsOn    []string `json:"depends_on,omitempty"`
	InitialDelay float64  `json:"initial_delay,omitempty"`
}

// CreateOrchestrationResponse is the POST /orchestrations response body.
type CreateOrchestrationResponse struct {
	OrchestrationID int64                   `json:"orchestration_id"`
	Status          string                  `json:"status"`
	TotalTasks      int                     `json:"total_tasks"`
	Tasks           []OrchestrationTaskView `json:"tasks"`
}

// OrchestrationView is the full GET /orchestrations/{id} response: the
// orchestration row plus a per-task summary (spec §6.1).
type OrchestrationView struct {
	ID             int64      `json:"id"`
	Status         string     `json:"status"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	SkippedTasks   int        `json:"skipped_tasks"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Tasks          []TaskView `json:"tasks"`
}

func newOrchestrationView(o *model.Orchestration, tasks []*model.Task) OrchestrationView {
	v := OrchestrationView{
		ID:             o.ID,
		Status:         string(o.Status),
		TotalTasks:     o.TotalTasks,
		CompletedTasks: o.CompletedTasks,
		FailedTasks:    o.FailedTasks,
		SkippedTasks:   o.SkippedTasks,
		CreatedAt:      o.CreatedAt,
		StartedAt:      o.StartedAt,
		EndedAt:        o.EndedAt,
	}
	for _, t := range tasks {
		v.Tasks = append(v.Tasks, newTaskView(t))
	}
	return v
}
