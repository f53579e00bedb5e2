// Package agentruntime defines the one external protocol the core depends on
// (spec §6.3): a query function that yields a lazy, finite stream of messages
// for one task attempt. The core treats it as an opaque streaming RPC; this
// package is the seam TaskRunner calls through and the seam tests substitute a
// scripted mock into.
package agentruntime

import (
	"context"

	"github.com/claude-cto/ctod/internal/model"
)

// PermissionMode selects how the agent runtime handles tool-use approval.
// Bypass is mandatory for this system: it exists to automate work that would
// otherwise require interactive approval (spec §4.2 step 3).
type PermissionMode string

const PermissionModeBypass PermissionMode = "bypass"

// QueryParams configures one attempt's invocation of the agent runtime.
type QueryParams struct {
	WorkingDirectory string
	SystemPrompt     string
	Model            model.Model
	PermissionMode   PermissionMode
}

// BlockKind discriminates a content block's shape within an assistant message.
type BlockKind string

const (
	BlockToolUse    BlockKind = "tool_use"
	BlockText       BlockKind = "text"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
)

// ContentBlock is one typed unit of an assistant message's content (spec §6.3).
type ContentBlock struct {
	Kind BlockKind

	// BlockToolUse
	ToolName  string
	ToolInput map[string]any

	// BlockText, BlockThinking
	Text string

	// BlockToolResult
	ToolUseID string
	IsError   bool
}

// MessageType discriminates a streamed message's role. The runtime may emit
// message types this package does not interpret further (e.g. a final "result"
// message); TaskRunner only inspects Blocks when present.
type MessageType string

const (
	MessageAssistant MessageType = "assistant"
	MessageUser      MessageType = "user"
	MessageSystem    MessageType = "system"
	MessageResult    MessageType = "result"
)

// Message is one opaque record in the stream, identified by Type, carrying
// Blocks only when Type == MessageAssistant.
type Message struct {
	Type   MessageType
	Blocks []ContentBlock
}

// Event is one item pulled off a query's channel: exactly one of Message or Err
// is set. The channel closes after the first Err, or after the stream ends
// normally with no further events.
type Event struct {
	Message *Message
	Err     error
}

// Runtime is the seam TaskRunner calls through. CLIRuntime in cli.go spawns
// the external agent-runtime subprocess and parses its stdout protocol; the
// scriptable MockRuntime in mock.go is the one used by tests.
type Runtime interface {
	// Query opens one attempt's stream for prompt under params. The returned
	// channel is closed by the implementation once the stream ends or errors;
	// Query itself must not block past opening the stream.
	Query(ctx context.Context, params QueryParams, prompt string) <-chan Event
}

// Summarize renders the one-line human-readable preview of a content block
// used by TaskRunner's append_progress calls (spec §4.2 step 4, §8 scenario 1).
func Summarize(block ContentBlock) string {
	const previewLen = 80
	switch block.Kind {
	case BlockToolUse:
		return "[tool:" + toolDisplayName(block.ToolName) + "] " + toolInputPreview(block)
	case BlockText:
		return "[text] " + truncate(block.Text, previewLen)
	case BlockToolResult:
		if block.IsError {
			return "[tool_result] failed (" + block.ToolUseID + ")"
		}
		return "[tool_result] succeeded (" + block.ToolUseID + ")"
	case BlockThinking:
		return "[thinking] " + truncate(block.Text, previewLen)
	default:
		return "[unknown]"
	}
}

func toolDisplayName(name string) string {
	if name == "" {
		return "unknown"
	}
	return toLower(name)
}

// toolInputPreview surfaces the single most salient input field for a tool call
// (command, file_path, pattern — in that priority), falling back to a generic
// rendering when none are present.
func toolInputPreview(block ContentBlock) string {
	for _, key := range []string{"command", "file_path", "pattern"} {
		if v, ok := block.ToolInput[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return truncate(s, 100)
			}
		}
	}
	if len(block.ToolInput) == 0 {
		return "(no input)"
	}
	return "(input provided)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
