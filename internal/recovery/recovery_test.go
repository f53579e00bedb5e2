package recovery

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claude-cto/ctod/internal/model"
)

func TestRecoveryVerdictFailsTaskThatExceededMaxRuntime(t *testing.T) {
	startedLongAgo := time.Now().Add(-3 * time.Hour)
	task := &model.Task{StartedAt: &startedLongAgo}

	reason, shouldFail := recoveryVerdict(task)
	assert.True(t, shouldFail)
	assert.Contains(t, reason, "maximum runtime")
}

func TestRecoveryVerdictFailsTaskWithDeadPID(t *testing.T) {
	startedRecently := time.Now()
	deadPID := 999999
	task := &model.Task{StartedAt: &startedRecently, PID: &deadPID}

	reason, shouldFail := recoveryVerdict(task)
	assert.True(t, shouldFail)
	assert.Contains(t, reason, "no longer exists")
}

func TestRecoveryVerdictFailsTaskWhosePIDIsNotARunnerProcess(t *testing.T) {
	startedRecently := time.Now()
	selfPID := os.Getpid()
	task := &model.Task{StartedAt: &startedRecently, PID: &selfPID}

	reason, shouldFail := recoveryVerdict(task)
	assert.True(t, shouldFail)
	assert.Contains(t, reason, "not a task runner process")
}

func TestRecoveryVerdictFailsOldUnstartedTaskWithNoPID(t *testing.T) {
	task := &model.Task{CreatedAt: time.Now().Add(-2 * time.Hour)}

	reason, shouldFail := recoveryVerdict(task)
	assert.True(t, shouldFail)
	assert.Contains(t, reason, "no pid recorded")
}

func TestRecoveryVerdictLeavesFreshUnstartedTaskAlone(t *testing.T) {
	task := &model.Task{CreatedAt: time.Now()}

	_, shouldFail := recoveryVerdict(task)
	assert.False(t, shouldFail)
}

func TestHasEntrypointMarker(t *testing.T) {
	assert.True(t, hasEntrypointMarker([]string{"PATH=/usr/bin", "CLAUDE_CODE_ENTRYPOINT=sdk-go"}))
	assert.False(t, hasEntrypointMarker([]string{"PATH=/usr/bin"}))
}

func TestLooksLikeRunnerProcess(t *testing.T) {
	assert.True(t, looksLikeRunnerProcess("ctod"))
	assert.True(t, looksLikeRunnerProcess("claude"))
	assert.False(t, looksLikeRunnerProcess("bash"))
}
