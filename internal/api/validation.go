package api

import (
	"regexp"
	"strings"

	"github.com/claude-cto/ctod/internal/errs"
	"github.com/claude-cto/ctod/internal/model"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

func validateModel(m string) (model.Model, error) {
	switch model.Model(m) {
	case "":
		return model.ModelSonnet, nil
	case model.ModelSonnet, model.ModelOpus, model.ModelHaiku:
		return model.Model(m), nil
	default:
		return "", &errs.ValidationError{Reason: "model must be one of sonnet, opus, haiku"}
	}
}

// validateCreateTask enforces the public /tasks contract (spec §6.1 row 1).
func validateCreateTask(req CreateTaskRequest) (model.Model, error) {
	if len(req.ExecutionPrompt) < 10 {
		return "", &errs.ValidationError{Reason: "execution_prompt must be at least 10 characters"}
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return "", &errs.ValidationError{Reason: "working_directory must not be empty"}
	}
	return validateModel(req.Model)
}

// validateMCPTask enforces the stricter /mcp/tasks contract (spec §6.1 row 2):
// system_prompt 75-500 chars containing the literal token "John Carmack";
// execution_prompt at least 150 chars containing a path separator. The
// John Carmack check is an ecosystem-specific validator preserved from the
// original MCP surface; it has no effect on task execution (spec §9).
func validateMCPTask(req CreateTaskRequest) (model.Model, error) {
	if len(req.SystemPrompt) < 75 || len(req.SystemPrompt) > 500 {
		return "", &errs.ValidationError{Reason: "system_prompt must be 75-500 characters for /mcp/tasks"}
	}
	if !strings.Contains(req.SystemPrompt, "John Carmack") {
		return "", &errs.ValidationError{Reason: `system_prompt must contain the literal token "John Carmack"`}
	}
	if len(req.ExecutionPrompt) < 150 {
		return "", &errs.ValidationError{Reason: "execution_prompt must be at least 150 characters for /mcp/tasks"}
	}
	if !strings.ContainsAny(req.ExecutionPrompt, `/\`) {
		return "", &errs.ValidationError{Reason: "execution_prompt must contain a path separator for /mcp/tasks"}
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return "", &errs.ValidationError{Reason: "working_directory must not be empty"}
	}
	return validateModel(req.Model)
}

// validateOrchestrationItems enforces the /orchestrations contract's per-task
// shape and uniqueness, ahead of the orchestrator's own graph validation.
func validateOrchestrationItems(items []TaskItem) error {
	if len(items) == 0 {
		return &errs.ValidationError{Reason: "at least one task is required"}
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if !identifierPattern.MatchString(item.Identifier) {
			return &errs.ValidationError{Reason: "identifier must match [A-Za-z0-9_-]{1,100}: " + item.Identifier}
		}
		if seen[item.Identifier] {
			return &errs.ValidationError{Reason: "duplicate identifier: " + item.Identifier}
		}
		seen[item.Identifier] = true

		if len(item.ExecutionPrompt) < 10 {
			return &errs.ValidationError{Reason: "execution_prompt must be at least 10 characters: " + item.Identifier}
		}
		if strings.TrimSpace(item.WorkingDirectory) == "" {
			return &errs.ValidationError{Reason: "working_directory must not be empty: " + item.Identifier}
		}
		if _, err := validateModel(item.Model); err != nil {
			return err
		}
		if item.InitialDelay < 0 || item.InitialDelay > 3600 {
			return &errs.ValidationError{Reason: "initial_delay must be between 0 and 3600 seconds: " + item.Identifier}
		}
	}
	return nil
}
