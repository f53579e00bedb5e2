package taskrunner

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
)

func newTestRunner(t *testing.T, runtime agentruntime.Runtime, cfg Config) (*Runner, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "ctod.db"), dir, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := procregistry.Open(filepath.Join(dir, "registry.json"), nil)
	require.NoError(t, err)

	notifier := notification.New("", time.Second, nil)
	tracer := trace.NewNoopTracerProvider().Tracer("test")

	r := New(st, reg, runtime, notifier, nil, nil, cfg, nil, tracer)
	return r, st
}

func textMessage(s string) agentruntime.Message {
	return agentruntime.Message{
		Type:   agentruntime.MessageAssistant,
		Blocks: []agentruntime.ContentBlock{{Kind: agentruntime.BlockText, Text: s}},
	}
}

func TestRunDrivesTaskToCompletedOnSuccess(t *testing.T) {
	runtime := agentruntime.NewMockRuntime(agentruntime.Attempt{
		Messages: []agentruntime.Message{textMessage("hello"), textMessage("done")},
	})
	cfg := DefaultConfig()
	cfg.RetryConfig.InitialDelay = time.Millisecond
	cfg.RetryConfig.MaxDelay = 2 * time.Millisecond
	r, st := newTestRunner(t, runtime, cfg)

	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.CreateTaskInput{WorkingDirectory: "/tmp/proj", ExecutionPrompt: "build it"})
	require.NoError(t, err)

	runErr := r.Run(ctx, task.ID)
	require.NoError(t, runErr)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.FinalSummary)
	assert.Contains(t, *got.FinalSummary, "2 messages")
	assert.Equal(t, 1, runtime.CallCount())
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	runtime := agentruntime.NewMockRuntime(
		agentruntime.Attempt{Err: &errs.RuntimeError{Category: errs.CategoryConnection, Message: "dropped"}},
		agentruntime.Attempt{Messages: []agentruntime.Message{textMessage("recovered")}},
	)
	cfg := DefaultConfig()
	cfg.RetryConfig.InitialDelay = time.Millisecond
	cfg.RetryConfig.MaxDelay = 2 * time.Millisecond
	r, st := newTestRunner(t, runtime, cfg)

	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.CreateTaskInput{WorkingDirectory: "/tmp/proj", ExecutionPrompt: "build it"})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, runtime.CallCount())
}

func TestRunMarksFailedOnPermanentError(t *testing.T) {
	runtime := agentruntime.NewMockRuntime(agentruntime.Attempt{
		Err: &errs.RuntimeError{Category: errs.CategoryCLINotFound, Message: "claude binary missing"},
	})
	cfg := DefaultConfig()
	cfg.RetryConfig.InitialDelay = time.Millisecond
	r, st := newTestRunner(t, runtime, cfg)

	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.CreateTaskInput{WorkingDirectory: "/tmp/proj", ExecutionPrompt: "build it"})
	require.NoError(t, err)

	runErr := r.Run(ctx, task.ID)
	require.Error(t, runErr)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "claude binary missing")
	assert.Equal(t, 1, runtime.CallCount(), "a permanent error must not be retried")
}

func TestRunRefusesAdmissionWhenAtCapacity(t *testing.T) {
	block := make(chan struct{})
	runtime := &blockingRuntime{release: block}
	cfg := DefaultConfig()
	cfg.MaxConcurrentTasks = 1
	r, st := newTestRunner(t, runtime, cfg)

	ctx := context.Background()
	first, err := st.CreateTask(ctx, store.CreateTaskInput{WorkingDirectory: "/tmp/a", ExecutionPrompt: "x"})
	require.NoError(t, err)
	second, err := st.CreateTask(ctx, store.CreateTaskInput{WorkingDirectory: "/tmp/b", ExecutionPrompt: "y"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, first.ID) }()

	// Give the first Run call time to acquire the admission slot.
	time.Sleep(20 * time.Millisecond)

	err = r.Run(ctx, second.ID)
	assert.ErrorIs(t, err, ErrAdmissionRefused)

	close(block)
	require.NoError(t, <-done)
}

// blockingRuntime emits nothing until release is closed, used to hold the
// admission slot open for TestRunRefusesAdmissionWhenAtCapacity.
type blockingRuntime struct {
	release chan struct{}
}

func (b *blockingRuntime) Query(ctx context.Context, params agentruntime.QueryParams, prompt string) <-chan agentruntime.Event {
	out := make(chan agentruntime.Event)
	go func() {
		defer close(out)
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}()
	return out
}
