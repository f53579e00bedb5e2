package errs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientByCategory(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection is transient", &RuntimeError{Category: CategoryConnection, Message: "dropped"}, true},
		{"rate limit is transient", &RuntimeError{Category: CategoryRateLimit, Message: "429"}, true},
		{"timeout is transient", &RuntimeError{Category: CategoryTimeout, Message: "ceiling exceeded"}, true},
		{"cli not found is permanent", &RuntimeError{Category: CategoryCLINotFound, Message: "no claude on PATH"}, false},
		{"message parse is permanent", &RuntimeError{Category: CategoryMessageParse, Message: "bad schema"}, false},
		{"resource is permanent", &RuntimeError{Category: CategoryResource, Message: "oom"}, false},
		{"unknown error is permanent", fmt.Errorf("boom"), false},
		{"nil is not transient", nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsTransient(c.err))
		})
	}
}

func TestIsTransientProcessExitCodes(t *testing.T) {
	timeoutCode := 124
	assert.True(t, IsTransient(&RuntimeError{Category: CategoryProcess, ExitCode: &timeoutCode}),
		"exit code 124 (timeout-killed) should be transient")

	notFoundCode := 127
	assert.False(t, IsTransient(&RuntimeError{Category: CategoryProcess, ExitCode: &notFoundCode}),
		"exit code 127 (command not found) should be permanent")

	assert.True(t, IsTransient(&RuntimeError{Category: CategoryProcess, Message: "crashed", Stderr: "connection reset"}))
	assert.False(t, IsTransient(&RuntimeError{Category: CategoryProcess, Message: "crashed", Stderr: "connection reset: 401 unauthorized"}),
		"an auth marker in stderr should override a transient marker")
}

func TestRenderFormatsCategoryMessageAndSuggestion(t *testing.T) {
	out := Render(&RuntimeError{Category: CategoryCLINotFound, Message: "claude binary missing"})
	assert.True(t, strings.HasPrefix(out, "[CLINotFoundError] claude binary missing."))
	assert.Contains(t, out, "Install the agent runtime CLI")
}

func TestRenderUnknownErrorFallsBackToUnknownCategory(t *testing.T) {
	out := Render(fmt.Errorf("something broke"))
	assert.Equal(t, "[UnknownError] something broke", out)
}

func TestRenderNilIsEmpty(t *testing.T) {
	assert.Equal(t, "", Render(nil))
}
