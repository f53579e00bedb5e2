// Package taskrunner drives one task from admission to a terminal state (spec
// §4.2), grounded on the teacher's task_executor.go request/retry shape and on
// task_runner.py/executor.py's streamed-message rendering and cleanup path.
package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/claude-cto/ctod/internal/agentruntime"
	"github.com/claude-cto/ctod/internal/errs"
	"github.com/claude-cto/ctod/internal/memorymonitor"
	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/notification"
	"github.com/claude-cto/ctod/internal/pathutil"
	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/resilience"
	"github.com/claude-cto/ctod/internal/store"
)

// ErrAdmissionRefused is returned by Run when the running-task ceiling is
// already at capacity (spec §4.2, §5 backpressure policy (a)).
var ErrAdmissionRefused = fmt.Errorf("running-task ceiling reached")

// Config tunes one Runner's admission and retry policy.
type Config struct {
	MaxConcurrentTasks int // default 10 (spec §5)
	RetryConfig        resilience.RetryConfig
}

func DefaultConfig() Config {
	return Config{MaxConcurrentTasks: 10, RetryConfig: resilience.DefaultRetryConfig()}
}

// Runner executes tasks against the agent runtime, one at a time per Run call,
// with a shared admission semaphore bounding total concurrency.
type Runner struct {
	st        *store.Store
	registry  *procregistry.Registry
	runtime   agentruntime.Runtime
	notifier  *notification.Notifier
	monitor   *memorymonitor.Monitor
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryHandler
	logger    *slog.Logger
	tracer    trace.Tracer
	admission chan struct{}
}

// New constructs a Runner. monitor may be nil if resource sampling is disabled.
func New(st *store.Store, registry *procregistry.Registry, runtime agentruntime.Runtime,
	notifier *notification.Notifier, monitor *memorymonitor.Monitor, breaker *resilience.CircuitBreaker,
	cfg Config, logger *slog.Logger, tracer trace.Tracer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		st:        st,
		registry:  registry,
		runtime:   runtime,
		notifier:  notifier,
		monitor:   monitor,
		breaker:   breaker,
		retry:     resilience.NewRetryHandler(cfg.RetryConfig, breaker),
		logger:    logger,
		tracer:    tracer,
		admission: make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// Run drives taskID from PENDING to a terminal state (spec §4.2). It returns
// ErrAdmissionRefused without mutating the task if the running-task ceiling is
// already full; otherwise it returns the final attempt error (nil on success),
// and the outcome is also recorded in the Store.
func (r *Runner) Run(ctx context.Context, taskID int64) error {
	select {
	case r.admission <- struct{}{}:
	default:
		return ErrAdmissionRefused
	}
	defer func() { <-r.admission }()

	ctx, span := r.tracer.Start(ctx, "taskrunner.run", trace.WithAttributes(attribute.Int64("task_id", taskID)))
	defer span.End()

	task, err := r.st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}

	if err := r.st.UpdateTaskStatus(ctx, taskID, model.StatusRunning); err != nil {
		return fmt.Errorf("transition task %d to running: %w", taskID, err)
	}
	selfPID := os.Getpid()
	if err := r.st.RecordPID(ctx, taskID, selfPID); err != nil {
		r.logger.Warn("record pid failed", "task_id", taskID, "error", err)
	}
	r.registry.RegisterTask(taskID, selfPID)
	defer r.registry.MarkTaskCompleted(taskID)

	r.notifier.NotifyTaskStarted(taskID)
	if r.monitor != nil {
		r.monitor.StartTaskMonitoring(taskID)
	}

	ceiling := task.Model.TimeoutCeiling()
	key := fmt.Sprintf("task:%d", taskID)

	attempts := 0
	var lastMessageCount int
	runErr := r.retry.ExecuteWithHook(ctx, key, func(attemptCtx context.Context) error {
		attempts++
		count, err := r.runAttempt(attemptCtx, task, ceiling)
		lastMessageCount = count
		return err
	}, func(attemptErr error, nextAttempt int, delay time.Duration) {
		_ = r.st.AppendProgress(ctx, taskID, fmt.Sprintf(
			"retry %d scheduled in %s after %s", nextAttempt, delay.Round(10*time.Millisecond), errs.Render(attemptErr)))
		_ = r.st.RecordRetry(ctx, taskID)
	})

	success := runErr == nil
	var finalMessage string
	if success {
		finalMessage = fmt.Sprintf("Task completed successfully (%d messages)", lastMessageCount)
		if attempts > 1 {
			finalMessage = fmt.Sprintf("%s after %d attempts", finalMessage, attempts)
		}
		if err := r.st.FinalizeTask(ctx, taskID, finalMessage); err != nil {
			r.logger.Error("finalize task failed", "task_id", taskID, "error", err)
		}
	} else {
		finalMessage = errs.Render(runErr)
		if err := r.st.MarkFailed(ctx, taskID, finalMessage); err != nil {
			r.logger.Error("mark task failed, failed", "task_id", taskID, "error", err)
		}
	}

	if r.monitor != nil {
		r.monitor.EndTaskMonitoring(taskID, success)
	}
	r.notifier.NotifyTaskCompleted(taskID, success, finalMessage)

	span.SetAttributes(attribute.Bool("success", success), attribute.Int("attempts", attempts))
	return runErr
}

// runAttempt opens one agent-runtime stream and drives it to completion or
// error, racing it against the model's per-attempt timeout ceiling (spec §4.2
// steps 3-5).
func (r *Runner) runAttempt(ctx context.Context, task *model.Task, ceiling time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	params := agentruntime.QueryParams{
		WorkingDirectory: task.WorkingDirectory,
		SystemPrompt:     task.SystemPrompt,
		Model:            task.Model,
		PermissionMode:   agentruntime.PermissionModeBypass,
	}
	events := r.runtime.Query(attemptCtx, params, task.ExecutionPrompt)

	count := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return count, nil
			}
			if ev.Err != nil {
				return count, classifyStreamError(ev.Err)
			}
			count++
			r.renderMessage(task, count, ev.Message)
		case <-attemptCtx.Done():
			return count, &errs.RuntimeError{
				Category: errs.CategoryTimeout,
				Message:  fmt.Sprintf("attempt exceeded %s timeout ceiling", ceiling),
				Cause:    attemptCtx.Err(),
			}
		}
	}
}

// renderMessage logs the message's type and ordinal to the raw log and, for
// each recognized content block, a one-line human summary to the summary log
// via append_progress (spec §4.2 step 4, §4.2 Progress-log semantics).
func (r *Runner) renderMessage(task *model.Task, ordinal int, msg *agentruntime.Message) {
	rawPath := pathutil.SiblingLogPath(task.LogFilePath, pathutil.LogRaw)
	appendLine(rawPath, fmt.Sprintf("#%d type=%s", ordinal, msg.Type))

	if msg.Type != agentruntime.MessageAssistant {
		return
	}
	detailedPath := pathutil.SiblingLogPath(task.LogFilePath, pathutil.LogDetailed)
	for _, block := range msg.Blocks {
		summary := agentruntime.Summarize(block)
		appendLine(detailedPath, fmt.Sprintf("[%s] %+v", block.Kind, block))
		if err := r.st.AppendProgress(context.Background(), task.ID, summary); err != nil {
			r.logger.Warn("append progress failed", "task_id", task.ID, "error", err)
		}
	}
}

func appendLine(path, line string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

// classifyStreamError wraps an unclassified stream error as a connection-category
// RuntimeError unless it is already classified; the agent runtime implementation
// is expected to hand back a pre-classified *errs.RuntimeError in the common case.
func classifyStreamError(err error) error {
	var re *errs.RuntimeError
	if asRuntimeError(err, &re) {
		return err
	}
	return &errs.RuntimeError{Category: errs.CategoryConnection, Message: "agent runtime stream error", Cause: err}
}

func asRuntimeError(err error, target **errs.RuntimeError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if re, ok := e.(*errs.RuntimeError); ok {
			*target = re
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
