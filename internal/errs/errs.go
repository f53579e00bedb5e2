// Package errs classifies agent-runtime and system errors as transient or permanent
// and carries the category/recovery-suggestion metadata that error_message rendering
// needs (spec §4.4, §7).
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category names the error taxonomy bucket an error falls into.
type Category string

const (
	CategoryValidation      Category = "ValidationError"
	CategoryNotFound        Category = "NotFoundError"
	CategoryCLINotFound     Category = "CLINotFoundError"
	CategoryConnection      Category = "CLIConnectionError"
	CategoryProcess         Category = "ProcessError"
	CategoryStreamDecode    Category = "StreamDecodeError"
	CategoryMessageParse    Category = "MessageParseError"
	CategoryRateLimit       Category = "RateLimitError"
	CategoryDatabase        Category = "DatabaseError"
	CategoryResource        Category = "ResourceError"
	CategoryTimeout         Category = "TimeoutError"
	CategoryUnknown         Category = "UnknownError"
)

// RuntimeError is a classified error surfaced by the agent runtime or its subprocess.
// TaskRunner wraps every error from one attempt in a RuntimeError before asking
// RetryHandler for a disposition.
type RuntimeError struct {
	Category Category
	Message  string
	ExitCode *int
	Stderr   string
	Cause    error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// ValidationError is a 400-mapped user-input violation (spec §7): bad prompt length,
// empty working directory, bad identifier, duplicate identifier, cycle, missing dependency.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError is a 404-mapped lookup miss on a task or orchestration id.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %d not found", e.Kind, e.ID) }

// signalExitCodes are subprocess exit codes that indicate the process was killed by
// a timeout or signal rather than failing on its own terms (spec §4.4, §7).
var signalExitCodes = map[int]bool{124: true, 137: true, 143: true}

// permanentExitCodes are exit codes that indicate a structural/environment problem,
// never worth retrying.
var permanentExitCodes = map[int]bool{126: true, 127: true}

var transientStderrMarkers = []string{"timeout", "connection", "network", "rate limit", "temporary", "unavailable"}
var authStderrMarkers = []string{"auth", "unauthorized", "forbidden", "401", "403"}

// IsTransient classifies err per the taxonomy in spec §4.4 / §7. Unknown errors
// default to permanent (false) — a conservative choice that avoids infinite retry
// loops on errors the classifier has never seen.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var re *RuntimeError
	if errors.As(err, &re) {
		switch re.Category {
		case CategoryConnection, CategoryRateLimit, CategoryTimeout:
			return true
		case CategoryCLINotFound, CategoryMessageParse:
			return false
		case CategoryProcess:
			if re.ExitCode != nil {
				if signalExitCodes[*re.ExitCode] {
					return true
				}
				if permanentExitCodes[*re.ExitCode] {
					return false
				}
			}
			return containsAny(re.Stderr, transientStderrMarkers) && !containsAny(re.Stderr, authStderrMarkers)
		case CategoryStreamDecode:
			return containsAny(re.Message, []string{"timeout", "connection"}) ||
				containsAny(re.Message, []string{"incomplete", "truncated"})
		case CategoryDatabase:
			return containsAny(re.Message, transientStderrMarkers)
		case CategoryResource:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, []string{"rate limit", "429"}) {
		return true
	}
	if containsAny(msg, transientStderrMarkers) {
		return true
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(h, n) {
			return true
		}
	}
	return false
}

// recoverySuggestions gives the top human-facing recovery hint per category, rendered
// into error_message alongside the category and a short message (spec §7).
var recoverySuggestions = map[Category]string{
	CategoryCLINotFound:  "Install the agent runtime CLI and ensure it is on PATH.",
	CategoryConnection:   "Verify the agent runtime is reachable and re-authenticate if needed.",
	CategoryProcess:      "Check the task's detailed log for the subprocess exit code and stderr.",
	CategoryStreamDecode: "This may be a transient stream interruption; retry the task.",
	CategoryMessageParse: "Update the agent runtime SDK; a version mismatch likely caused this.",
	CategoryRateLimit:    "The agent runtime rate-limited this request; it will be retried with a longer backoff.",
	CategoryDatabase:     "A transient database connectivity issue occurred; retried automatically.",
	CategoryResource:     "The task exceeded its memory or disk allowance.",
	CategoryTimeout:      "The task exceeded its per-attempt timeout.",
}

// Render formats error_message as category, short message, then the top recovery
// suggestion, in that order (spec §7).
func Render(err error) string {
	if err == nil {
		return ""
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		suggestion := recoverySuggestions[re.Category]
		if suggestion == "" {
			suggestion = "Check the task's detailed log for diagnostic details."
		}
		return fmt.Sprintf("[%s] %s. %s", re.Category, re.Message, suggestion)
	}
	return fmt.Sprintf("[%s] %s", CategoryUnknown, err.Error())
}
