package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/claude-cto/ctod/internal/agentruntime"
	"github.com/claude-cto/ctod/internal/errs"
	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/notification"
	"github.com/claude-cto/ctod/internal/procregistry"
	"github.com/claude-cto/ctod/internal/store"
	"github.com/claude-cto/ctod/internal/taskrunner"
)

func newTestOrchestrator(t *testing.T, runtime agentruntime.Runtime) (*Orchestrator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "ctod.db"), dir, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := procregistry.Open(filepath.Join(dir, "registry.json"), nil)
	require.NoError(t, err)
	notifier := notification.New("", time.Second, nil)
	tracer := trace.NewNoopTracerProvider().Tracer("test")

	cfg := taskrunner.DefaultConfig()
	cfg.RetryConfig.InitialDelay = time.Millisecond
	cfg.RetryConfig.MaxDelay = 2 * time.Millisecond
	runner := taskrunner.New(st, reg, runtime, notifier, nil, nil, cfg, nil, tracer)

	return New(st, runner, nil), st
}

func okMessage() agentruntime.Message {
	return agentruntime.Message{
		Type:   agentruntime.MessageAssistant,
		Blocks: []agentruntime.ContentBlock{{Kind: agentruntime.BlockText, Text: "ok"}},
	}
}

func TestRunCompletesIndependentTasksAndAggregatesOrchestration(t *testing.T) {
	runtime := agentruntime.NewMockRuntime(agentruntime.Attempt{Messages: []agentruntime.Message{okMessage()}})
	o, st := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	orch, err := st.CreateOrchestration(ctx, 2)
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/a", ExecutionPrompt: "x", OrchestrationID: &orch.ID, Identifier: "a",
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/b", ExecutionPrompt: "y", OrchestrationID: &orch.ID, Identifier: "b",
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, orch.ID))

	got, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrchCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)
}

func TestRunSkipsDownstreamWhenUpstreamFails(t *testing.T) {
	// The first Query call is for whichever task starts first; since "downstream"
	// depends on "upstream" it cannot start before upstream's signal fires, so the
	// single scripted attempt always belongs to upstream.
	runtime := agentruntime.NewMockRuntime(agentruntime.Attempt{
		Err: &errs.RuntimeError{Category: errs.CategoryCLINotFound, Message: "boom"},
	})
	o, st := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	orch, err := st.CreateOrchestration(ctx, 2)
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/a", ExecutionPrompt: "x", OrchestrationID: &orch.ID, Identifier: "upstream",
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/b", ExecutionPrompt: "y", OrchestrationID: &orch.ID,
		Identifier: "downstream", DependsOn: []string{"upstream"},
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, orch.ID))

	tasks, err := st.GetTasksByOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	byIdentifier := map[string]*model.Task{}
	for _, task := range tasks {
		byIdentifier[task.Identifier] = task
	}
	assert.Equal(t, model.StatusFailed, byIdentifier["upstream"].Status)
	assert.Equal(t, model.StatusSkipped, byIdentifier["downstream"].Status)
	require.NotNil(t, byIdentifier["downstream"].ErrorMessage)
	assert.Equal(t, "Skipped due to dependency failure", *byIdentifier["downstream"].ErrorMessage)

	got, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrchFailed, got.Status)
	assert.Equal(t, 1, got.FailedTasks)
	assert.Equal(t, 1, got.SkippedTasks)
}

func TestValidateDependencyGraphDetectsCycle(t *testing.T) {
	known := map[string]bool{"a": true, "b": true}
	graph := map[string][]string{"a": {"b"}, "b": {"a"}}

	err := ValidateDependencyGraph(known, graph)
	require.Error(t, err)
	var cycleErr *ErrCycleDetected
	assert.ErrorAs(t, err, &cycleErr)
}

func TestValidateDependencyGraphRejectsUnknownDependency(t *testing.T) {
	known := map[string]bool{"a": true}
	graph := map[string][]string{"a": {"ghost"}}

	err := ValidateDependencyGraph(known, graph)
	require.Error(t, err)
	var depErr *ErrInvalidDependency
	assert.ErrorAs(t, err, &depErr)
	assert.Equal(t, "ghost", depErr.DependsOn)
}

func TestValidateDependencyGraphAcceptsValidDAG(t *testing.T) {
	known := map[string]bool{"a": true, "b": true, "c": true}
	graph := map[string][]string{"a": {}, "b": {"a"}, "c": {"a", "b"}}
	assert.NoError(t, ValidateDependencyGraph(known, graph))
}

func TestCancelSkipsWaitingAndPendingButLeavesRunningUntouched(t *testing.T) {
	o, st := newTestOrchestrator(t, agentruntime.NewMockRuntime())
	ctx := context.Background()

	orch, err := st.CreateOrchestration(ctx, 3)
	require.NoError(t, err)

	waiting, err := st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/a", ExecutionPrompt: "x", OrchestrationID: &orch.ID, Identifier: "waiting",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateTaskStatus(ctx, waiting.ID, model.StatusWaiting))

	pending, err := st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/b", ExecutionPrompt: "y", OrchestrationID: &orch.ID, Identifier: "pending",
	})
	require.NoError(t, err)

	running, err := st.CreateTask(ctx, store.CreateTaskInput{
		WorkingDirectory: "/tmp/c", ExecutionPrompt: "z", OrchestrationID: &orch.ID, Identifier: "running",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateTaskStatus(ctx, running.ID, model.StatusRunning))

	cancelled, err := o.Cancel(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	gotWaiting, err := st.GetTask(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, gotWaiting.Status)
	require.NotNil(t, gotWaiting.ErrorMessage)
	assert.Equal(t, "Cancelled by user", *gotWaiting.ErrorMessage)

	gotPending, err := st.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, gotPending.Status)

	gotRunning, err := st.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, gotRunning.Status, "a RUNNING task must be left to finish naturally")

	gotOrch, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrchCancelled, gotOrch.Status)
}
