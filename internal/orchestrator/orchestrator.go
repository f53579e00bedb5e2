// Package orchestrator coordinates a DAG of tasks that share one orchestration
// (spec §4.3), grounded on orchestrator.py's identifier-keyed event/status maps
// translated to goroutines and a sync.Cond-style completion signal per
// identifier, and on the teacher's dag_engine.go for the worker-per-node shape.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/store"
	"github.com/claude-cto/ctod/internal/taskrunner"
)

// delayChan returns a channel that fires once after seconds have elapsed.
func delayChan(seconds float64) <-chan time.Time {
	return time.After(time.Duration(seconds * float64(time.Second)))
}

// ErrCycleDetected is returned by Run when the dependency graph contains a cycle.
type ErrCycleDetected struct{ Identifier string }

func (e *ErrCycleDetected) Error() string {
	return fmt.Sprintf("circular dependency detected involving task %q", e.Identifier)
}

// ErrInvalidDependency is returned by Run when a task names a dependency
// identifier that does not exist in the orchestration.
type ErrInvalidDependency struct{ Identifier, DependsOn string }

func (e *ErrInvalidDependency) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.Identifier, e.DependsOn)
}

// signal is a one-shot broadcast: Wait blocks until Set has been called once.
type signal struct {
	mu     sync.Mutex
	cond   *sync.Cond
	fired  bool
	status model.TaskStatus
}

func newSignal() *signal {
	s := &signal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *signal) Set(status model.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.status = status
	s.fired = true
	s.cond.Broadcast()
}

func (s *signal) Wait(ctx context.Context) model.TaskStatus {
	done := make(chan model.TaskStatus, 1)
	go func() {
		s.mu.Lock()
		for !s.fired {
			s.cond.Wait()
		}
		status := s.status
		s.mu.Unlock()
		done <- status
	}()
	select {
	case status := <-done:
		return status
	case <-ctx.Done():
		return model.StatusFailed
	}
}

// Orchestrator runs one orchestration's task DAG to completion (spec §4.3).
type Orchestrator struct {
	st     *store.Store
	runner *taskrunner.Runner
	logger *slog.Logger
}

func New(st *store.Store, runner *taskrunner.Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{st: st, runner: runner, logger: logger}
}

// Run validates the orchestration's dependency graph, then drives every task
// to a terminal state concurrently, respecting dependency ordering and
// skip-on-failure propagation, before aggregating the final orchestration
// status (spec §4.3 steps and invariants).
func (o *Orchestrator) Run(ctx context.Context, orchestrationID int64) error {
	tasks, err := o.st.GetTasksByOrchestration(ctx, orchestrationID)
	if err != nil {
		return fmt.Errorf("load orchestration %d tasks: %w", orchestrationID, err)
	}

	identifierToID := make(map[string]int64, len(tasks))
	dependencyGraph := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		identifierToID[t.Identifier] = t.ID
		dependencyGraph[t.Identifier] = t.DependsOn
	}

	if err := validateGraph(identifierToID, dependencyGraph); err != nil {
		return err
	}

	signals := make(map[string]*signal, len(tasks))
	for identifier := range identifierToID {
		signals[identifier] = newSignal()
	}

	if err := o.st.UpdateOrchestrationStatus(ctx, orchestrationID, model.OrchRunning); err != nil {
		o.logger.Error("update orchestration status failed", "orchestration_id", orchestrationID, "error", err)
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runTask(ctx, t, dependencyGraph[t.Identifier], signals)
		}()
	}
	wg.Wait()

	return o.finalize(ctx, orchestrationID, tasks, signals)
}

// validateGraph rejects unknown dependency references and cyclic graphs via
// a gray/black DFS (spec §4.3 "DAG validation").
func validateGraph(identifierToID map[string]int64, dependencyGraph map[string][]string) error {
	known := make(map[string]bool, len(identifierToID))
	for identifier := range identifierToID {
		known[identifier] = true
	}
	return ValidateDependencyGraph(known, dependencyGraph)
}

// ValidateDependencyGraph rejects unknown dependency references and cyclic
// graphs via a gray/black DFS (spec §4.3 "DAG validation"). Exported so the API
// layer can reject an invalid orchestration request before any row is
// persisted (spec §6.1: "400 validation / cycle / bad ref").
func ValidateDependencyGraph(known map[string]bool, dependencyGraph map[string][]string) error {
	for identifier, deps := range dependencyGraph {
		for _, dep := range deps {
			if !known[dep] {
				return &ErrInvalidDependency{Identifier: identifier, DependsOn: dep}
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(known))

	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		for _, neighbor := range dependencyGraph[node] {
			switch color[neighbor] {
			case white:
				if err := visit(neighbor); err != nil {
					return err
				}
			case gray:
				return &ErrCycleDetected{Identifier: node}
			}
		}
		color[node] = black
		return nil
	}

	for identifier := range known {
		if color[identifier] == white {
			if err := visit(identifier); err != nil {
				return err
			}
		}
	}
	return nil
}

// runTask waits for identifier's dependencies, skips on upstream failure,
// applies the task's initial delay, then hands it to the TaskRunner; it
// always fires identifier's completion signal exactly once before returning
// (spec §4.3 "Dependency-gated fan-out").
func (o *Orchestrator) runTask(ctx context.Context, task *model.Task, deps []string, signals map[string]*signal) {
	identifier := task.Identifier
	sig := signals[identifier]
	defer func() {
		fresh, err := o.st.GetTask(ctx, task.ID)
		if err != nil {
			sig.Set(model.StatusFailed)
			return
		}
		sig.Set(fresh.Status)
	}()

	for _, dep := range deps {
		if depSig, ok := signals[dep]; ok {
			status := depSig.Wait(ctx)
			if status == model.StatusFailed || status == model.StatusSkipped {
				if err := o.st.MarkSkipped(ctx, task.ID, "Skipped due to dependency failure"); err != nil {
					o.logger.Error("mark skipped failed", "task_id", task.ID, "error", err)
				}
				return
			}
		}
	}

	if task.InitialDelaySeconds > 0 {
		select {
		case <-ctx.Done():
			return
		case <-delayChan(task.InitialDelaySeconds):
		}
	}

	if err := o.st.UpdateTaskStatus(ctx, task.ID, model.StatusPending); err != nil {
		o.logger.Error("transition to pending failed", "task_id", task.ID, "error", err)
	}

	if err := o.runner.Run(ctx, task.ID); err != nil {
		o.logger.Warn("task run returned error", "task_id", task.ID, "error", err)
	}
}

// finalize tallies terminal statuses and stamps the orchestration's counts and
// final status: COMPLETED only if zero tasks failed, regardless of how many
// were skipped (spec §4.3 "Aggregation").
func (o *Orchestrator) finalize(ctx context.Context, orchestrationID int64, tasks []*model.Task, signals map[string]*signal) error {
	var completed, failed, skipped int
	for _, t := range tasks {
		status := signals[t.Identifier].Wait(ctx)
		switch status {
		case model.StatusCompleted:
			completed++
		case model.StatusFailed:
			failed++
		case model.StatusSkipped:
			skipped++
		}
	}

	finalStatus := model.OrchCompleted
	if failed > 0 {
		finalStatus = model.OrchFailed
	}

	if err := o.st.UpdateOrchestrationCounts(ctx, orchestrationID, completed, failed, skipped); err != nil {
		o.logger.Error("update orchestration counts failed", "orchestration_id", orchestrationID, "error", err)
	}
	return o.st.UpdateOrchestrationStatus(ctx, orchestrationID, finalStatus)
}

// Cancel transitions every WAITING or PENDING task in the orchestration to
// SKIPPED, leaving RUNNING tasks untouched to finish naturally (spec §4.3
// "Cancellation").
func (o *Orchestrator) Cancel(ctx context.Context, orchestrationID int64) (int, error) {
	tasks, err := o.st.GetTasksByOrchestration(ctx, orchestrationID)
	if err != nil {
		return 0, fmt.Errorf("load orchestration %d tasks: %w", orchestrationID, err)
	}
	cancelled := 0
	for _, t := range tasks {
		if t.Status == model.StatusWaiting || t.Status == model.StatusPending {
			if err := o.st.MarkSkipped(ctx, t.ID, "Cancelled by user"); err != nil {
				o.logger.Error("cancel: mark skipped failed", "task_id", t.ID, "error", err)
				continue
			}
			cancelled++
		}
	}
	if err := o.st.UpdateOrchestrationStatus(ctx, orchestrationID, model.OrchCancelled); err != nil {
		o.logger.Error("update orchestration status failed", "orchestration_id", orchestrationID, "error", err)
	}
	return cancelled, nil
}
