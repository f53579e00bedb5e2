// Package store is the relational persistence layer for tasks and orchestrations
// (spec §4.1), grounded on the teacher's mutex-free single-connection sqlite access
// pattern but using modernc.org/sqlite, a pure-Go driver, in place of bbolt: bbolt is
// a KV store and cannot express the schema_migrations/foreign-key shape this spec
// requires.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"os"

	_ "modernc.org/sqlite"

	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/pathutil"
	"github.com/claude-cto/ctod/internal/resilience"
)

// ErrTaskNotFound is returned by Get/Update operations on an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrOrchestrationNotFound mirrors ErrTaskNotFound for orchestrations.
var ErrOrchestrationNotFound = errors.New("orchestration not found")

// ErrTaskNotDeletable is returned by DeleteTask when the task is not in a terminal
// or skipped state (spec §4.1: RUNNING, PENDING, and WAITING are all refused).
var ErrTaskNotDeletable = errors.New("task is not in a deletable state")

// Store wraps a single *sql.DB connection to the daemon's sqlite file.
type Store struct {
	db     *sql.DB
	logDir string
}

// Open connects to the sqlite file at path, applies pending migrations, and returns
// a ready Store. Connection attempts are retried under RetryDatabaseOp, since the
// file may be transiently locked by another process during startup races.
func Open(ctx context.Context, path, logDir string, busyTimeoutSec int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, busyTimeoutSec*1000)

	var db *sql.DB
	err := resilience.RetryDatabaseOp(ctx, func() error {
		var openErr error
		db, openErr = sql.Open("sqlite", dsn)
		if openErr != nil {
			return openErr
		}
		return db.PingContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite tolerates only one writer; serialize all access through one connection
	// rather than juggle SQLITE_BUSY under a connection pool.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, logDir: logDir}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateTaskInput carries the caller-supplied fields for a new task.
type CreateTaskInput struct {
	WorkingDirectory    string
	SystemPrompt        string
	ExecutionPrompt     string
	Model               model.Model
	OrchestrationID     *int64
	Identifier          string
	DependsOn           []string
	InitialDelaySeconds float64
}

// CreateTask is two-phase per spec §4.1: insert a row to obtain the id, compute a
// deterministic log filename from (id, sanitized working directory, timestamp,
// kind), then update the row with that path before returning.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*model.Task, error) {
	dependsOnJSON, err := json.Marshal(in.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	m := in.Model
	if m == "" {
		m = model.ModelSonnet
	}

	var id int64
	err = resilience.RetryDatabaseOp(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (status, working_directory, system_prompt, execution_prompt, model,
				orchestration_id, identifier, depends_on, initial_delay)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(model.StatusPending), in.WorkingDirectory, in.SystemPrompt, in.ExecutionPrompt, string(m),
			in.OrchestrationID, nullableString(in.Identifier), string(dependsOnJSON), in.InitialDelaySeconds)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	now := time.Now()
	logPath := filepath.Join(s.logDir, pathutil.GenerateLogFilename(id, in.WorkingDirectory, pathutil.LogSummary, now))
	err = resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `UPDATE tasks SET log_file_path = ? WHERE id = ?`, logPath, id)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("update log_file_path: %w", err)
	}

	return s.GetTask(ctx, id)
}

// GetTask loads one task by id, returning ErrTaskNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks, most recently created first.
func (s *Store) ListTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task currently in status, used by the recovery
// routine to find RUNNING tasks left behind by a crashed daemon.
func (s *Store) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByOrchestration returns all tasks belonging to an orchestration, in
// creation order (the order fan-out originally submitted them).
func (s *Store) GetTasksByOrchestration(ctx context.Context, orchestrationID int64) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE orchestration_id = ? ORDER BY id ASC`, orchestrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus transitions a task's status. started_at is set only the first
// time a task enters RUNNING (spec invariant: started_at is set once).
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		var execErr error
		if status == model.StatusRunning {
			_, execErr = s.db.ExecContext(ctx, `
				UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?)
				WHERE id = ?`, string(status), time.Now(), id)
		} else {
			_, execErr = s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
		}
		return execErr
	})
}

// AppendProgress appends line to the task's log file and updates last_action_cache
// in a single transaction, so readers of last_action_cache never observe a state
// that disagrees with what is on disk (spec §4.1).
func (s *Store) AppendProgress(ctx context.Context, id int64, line string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	return resilience.RetryDatabaseOp(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		if _, execErr := tx.ExecContext(ctx, `UPDATE tasks SET last_action_cache = ? WHERE id = ?`, line, id); execErr != nil {
			tx.Rollback()
			return execErr
		}
		if appendErr := appendLogLine(task.LogFilePath, line); appendErr != nil {
			tx.Rollback()
			return appendErr
		}
		return tx.Commit()
	})
}

// FinalizeTask marks a task COMPLETED with its final summary.
func (s *Store) FinalizeTask(ctx context.Context, id int64, summary string) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, final_summary = ?, ended_at = ? WHERE id = ?`,
			string(model.StatusCompleted), summary, time.Now(), id)
		return execErr
	})
}

// MarkFailed marks a task FAILED with an error message.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, ended_at = ? WHERE id = ?`,
			string(model.StatusFailed), errMsg, time.Now(), id)
		return execErr
	})
}

// MarkSkipped marks a task SKIPPED, recording when and why (spec §4.1
// mark_skipped(id, reason): the reason is persisted to error_message so it
// surfaces the same way a failure would, per spec §4.3/§7's required strings
// like "Skipped due to dependency failure" and "Cancelled by user").
func (s *Store) MarkSkipped(ctx context.Context, id int64, reason string) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		now := time.Now()
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, dependency_failed_at = ?, ended_at = ? WHERE id = ?`,
			string(model.StatusSkipped), reason, now, now, id)
		return execErr
	})
}

// RecordPID sets the subprocess PID once a task begins running.
func (s *Store) RecordPID(ctx context.Context, id int64, pid int) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `UPDATE tasks SET pid = ? WHERE id = ?`, pid, id)
		return execErr
	})
}

// RecordRetry increments a task's retry_count and stamps last_retry_at.
func (s *Store) RecordRetry(ctx context.Context, id int64) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?`,
			time.Now(), id)
		return execErr
	})
}

// ClearCompletedTasks bulk-deletes tasks in {COMPLETED, FAILED}, returning the
// number removed (spec §4.1).
func (s *Store) ClearCompletedTasks(ctx context.Context) (int, error) {
	var n int64
	err := resilience.RetryDatabaseOp(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			DELETE FROM tasks WHERE status IN (?, ?)`,
			string(model.StatusCompleted), string(model.StatusFailed))
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return int(n), err
}

// DeleteTask refuses to delete a task in {RUNNING, PENDING, WAITING} (spec §4.1).
func (s *Store) DeleteTask(ctx context.Context, id int64) (bool, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	switch task.Status {
	case model.StatusRunning, model.StatusPending, model.StatusWaiting:
		return false, ErrTaskNotDeletable
	}

	var deleted bool
	err = resilience.RetryDatabaseOp(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		deleted = n > 0
		return execErr
	})
	return deleted, err
}

// CreateOrchestration inserts a new orchestration shell for totalTasks tasks.
func (s *Store) CreateOrchestration(ctx context.Context, totalTasks int) (*model.Orchestration, error) {
	var id int64
	err := resilience.RetryDatabaseOp(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO orchestrations (status, total_tasks) VALUES (?, ?)`,
			string(model.OrchPending), totalTasks)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert orchestration: %w", err)
	}
	return s.GetOrchestration(ctx, id)
}

// GetOrchestration loads one orchestration by id.
func (s *Store) GetOrchestration(ctx context.Context, id int64) (*model.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, orchSelectColumns+` FROM orchestrations WHERE id = ?`, id)
	return scanOrchestration(row)
}

// ListOrchestrations returns every orchestration, most recently created first,
// backing GET /orchestrations (spec §6.1).
func (s *Store) ListOrchestrations(ctx context.Context) ([]*model.Orchestration, error) {
	rows, err := s.db.QueryContext(ctx, orchSelectColumns+` FROM orchestrations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrchestrationStatus transitions an orchestration's overall status, setting
// started_at once on first RUNNING and ended_at when it becomes terminal.
func (s *Store) UpdateOrchestrationStatus(ctx context.Context, id int64, status model.OrchestrationStatus) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		var execErr error
		now := time.Now()
		switch status {
		case model.OrchRunning:
			_, execErr = s.db.ExecContext(ctx, `
				UPDATE orchestrations SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
				string(status), now, id)
		case model.OrchCompleted, model.OrchFailed, model.OrchCancelled:
			_, execErr = s.db.ExecContext(ctx, `
				UPDATE orchestrations SET status = ?, ended_at = ? WHERE id = ?`, string(status), now, id)
		default:
			_, execErr = s.db.ExecContext(ctx, `UPDATE orchestrations SET status = ? WHERE id = ?`, string(status), id)
		}
		return execErr
	})
}

// UpdateOrchestrationCounts refreshes the completed/failed/skipped task tallies,
// used by the Orchestrator as each task reaches a terminal state.
func (s *Store) UpdateOrchestrationCounts(ctx context.Context, id int64, completed, failed, skipped int) error {
	return resilience.RetryDatabaseOp(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE orchestrations SET completed_tasks = ?, failed_tasks = ?, skipped_tasks = ? WHERE id = ?`,
			completed, failed, skipped, id)
		return execErr
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func appendLogLine(path, line string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

const taskSelectColumns = `SELECT id, status, working_directory, system_prompt, execution_prompt, model,
	pid, log_file_path, last_action_cache, final_summary, error_message, created_at, started_at, ended_at,
	orchestration_id, identifier, depends_on, initial_delay, dependency_failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t             model.Task
		systemPrompt  sql.NullString
		pid           sql.NullInt64
		lastAction    sql.NullString
		finalSummary  sql.NullString
		errMessage    sql.NullString
		startedAt     sql.NullTime
		endedAt       sql.NullTime
		orchID        sql.NullInt64
		identifier    sql.NullString
		dependsOnJSON string
		depFailedAt   sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Status, &t.WorkingDirectory, &systemPrompt, &t.ExecutionPrompt, &t.Model,
		&pid, &t.LogFilePath, &lastAction, &finalSummary, &errMessage, &t.CreatedAt, &startedAt, &endedAt,
		&orchID, &identifier, &dependsOnJSON, &t.InitialDelaySeconds, &depFailedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	t.SystemPrompt = systemPrompt.String
	if pid.Valid {
		p := int(pid.Int64)
		t.PID = &p
	}
	t.LastActionCache = lastAction.String
	if finalSummary.Valid {
		t.FinalSummary = &finalSummary.String
	}
	if errMessage.Valid {
		t.ErrorMessage = &errMessage.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	if orchID.Valid {
		t.OrchestrationID = &orchID.Int64
	}
	t.Identifier = identifier.String
	if dependsOnJSON != "" {
		_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	}
	if depFailedAt.Valid {
		t.DependencyFailedAt = &depFailedAt.Time
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const orchSelectColumns = `SELECT id, status, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
	created_at, started_at, ended_at`

func scanOrchestration(row rowScanner) (*model.Orchestration, error) {
	var (
		o         model.Orchestration
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Status, &o.TotalTasks, &o.CompletedTasks, &o.FailedTasks, &o.SkippedTasks,
		&o.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrchestrationNotFound
		}
		return nil, err
	}
	if startedAt.Valid {
		o.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		o.EndedAt = &endedAt.Time
	}
	return &o, nil
}

// IsBusyError reports whether err is sqlite's SQLITE_BUSY, used by callers that want
// to distinguish lock contention from genuine data errors.
func IsBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}
