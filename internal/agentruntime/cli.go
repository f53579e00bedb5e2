package agentruntime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/claude-cto/ctod/internal/errs"
)

// cliEntrypointMarker is set on every spawned agent-runtime subprocess so the
// process registry's orphan scan can recognize it by environment (spec §6.3,
// §4.5 "recovery"), mirroring executor.py's os.environ["CLAUDE_CODE_ENTRYPOINT"].
const cliEntrypointMarker = "CLAUDE_CODE_ENTRYPOINT=sdk-go"

// CLIRuntime implements Runtime by spawning the agent CLI as a subprocess and
// parsing its newline-delimited JSON stream (spec §6.3). This is the only
// component that knows the wire shape of the external agent runtime; every
// other package depends on the Runtime interface, not this type.
type CLIRuntime struct {
	// BinaryPath is the executable to invoke, e.g. "claude". Defaults to
	// "claude" when empty.
	BinaryPath string
}

func NewCLIRuntime(binaryPath string) *CLIRuntime {
	if binaryPath == "" {
		binaryPath = "claude"
	}
	return &CLIRuntime{BinaryPath: binaryPath}
}

// cliLine is one newline-delimited JSON record emitted by the CLI's
// --output-format stream-json mode.
type cliLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type      string         `json:"type"`
			Text      string         `json:"text"`
			Thinking  string         `json:"thinking"`
			Name      string         `json:"name"`
			Input     map[string]any `json:"input"`
			ToolUseID string         `json:"tool_use_id"`
			IsError   bool           `json:"is_error"`
		} `json:"content"`
	} `json:"message"`
}

func (c *CLIRuntime) Query(ctx context.Context, params QueryParams, prompt string) <-chan Event {
	out := make(chan Event)

	args := []string{
		"--print", prompt,
		"--output-format", "stream-json",
		"--permission-mode", string(params.PermissionMode),
	}
	if params.Model != "" {
		args = append(args, "--model", string(params.Model))
	}
	if params.SystemPrompt != "" {
		args = append(args, "--system-prompt", params.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	cmd.Dir = params.WorkingDirectory
	cmd.Env = append(cmd.Environ(), cliEntrypointMarker)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		go func() {
			defer close(out)
			out <- Event{Err: &errs.RuntimeError{Category: errs.CategoryCLINotFound, Message: "failed to open stdout pipe", Cause: err}}
		}()
		return out
	}
	stderr, _ := cmd.StderrPipe()

	if startErr := cmd.Start(); startErr != nil {
		go func() {
			defer close(out)
			out <- Event{Err: classifyStartError(startErr)}
		}()
		return out
	}

	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		stderrBuf := drainStderr(stderr)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var parsed cliLine
			if jsonErr := json.Unmarshal(line, &parsed); jsonErr != nil {
				select {
				case out <- Event{Err: &errs.RuntimeError{Category: errs.CategoryStreamDecode, Message: "malformed stream-json line", Cause: jsonErr}}:
				case <-ctx.Done():
				}
				_ = cmd.Process.Kill()
				return
			}
			msg, ok := toMessage(parsed)
			if !ok {
				continue
			}
			select {
			case out <- Event{Message: msg}:
			case <-ctx.Done():
				return
			}
		}

		waitErr := cmd.Wait()
		if waitErr == nil {
			return
		}
		select {
		case out <- Event{Err: classifyExitError(waitErr, stderrBuf())}:
		case <-ctx.Done():
		}
	}()

	return out
}

func toMessage(line cliLine) (*Message, bool) {
	msgType := MessageType(line.Type)
	switch msgType {
	case MessageAssistant:
	case MessageUser, MessageSystem, MessageResult:
		return &Message{Type: msgType}, true
	default:
		return nil, false
	}

	blocks := make([]ContentBlock, 0, len(line.Message.Content))
	for _, c := range line.Message.Content {
		switch BlockKind(c.Type) {
		case BlockToolUse:
			blocks = append(blocks, ContentBlock{Kind: BlockToolUse, ToolName: c.Name, ToolInput: c.Input})
		case BlockText:
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: c.Text})
		case BlockToolResult:
			blocks = append(blocks, ContentBlock{Kind: BlockToolResult, ToolUseID: c.ToolUseID, IsError: c.IsError})
		case BlockThinking:
			blocks = append(blocks, ContentBlock{Kind: BlockThinking, Text: c.Thinking})
		}
	}
	return &Message{Type: MessageAssistant, Blocks: blocks}, true
}

func classifyStartError(err error) error {
	if _, ok := err.(*exec.Error); ok {
		return &errs.RuntimeError{Category: errs.CategoryCLINotFound, Message: "agent runtime CLI not found on PATH", Cause: err}
	}
	return &errs.RuntimeError{Category: errs.CategoryProcess, Message: "failed to start agent runtime CLI", Cause: err}
}

func classifyExitError(err error, stderr string) error {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return &errs.RuntimeError{Category: errs.CategoryConnection, Message: "agent runtime process wait failed", Cause: err}
	}
	code := exitErr.ExitCode()
	return &errs.RuntimeError{
		Category: errs.CategoryProcess,
		Message:  fmt.Sprintf("agent runtime exited with code %d", code),
		ExitCode: &code,
		Stderr:   stderr,
		Cause:    err,
	}
}

func drainStderr(stderr io.Reader) func() string {
	var buf []byte
	done := make(chan struct{})
	if stderr == nil {
		close(done)
		return func() string { return "" }
	}
	go func() {
		defer close(done)
		chunk := make([]byte, 4096)
		for {
			n, err := stderr.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				if len(buf) > 8192 {
					buf = buf[len(buf)-8192:]
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return func() string {
		<-done
		return string(buf)
	}
}
