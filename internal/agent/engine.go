package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/sandbox"
)

// DefaultMaxTurns bounds a single run when no override is configured.
const DefaultMaxTurns = 10

// ErrBudgetExhausted is returned when the turn loop hits its maximum without
// producing usable output.
var ErrBudgetExhausted = errors.New("turn budget exhausted without usable output")

// truncationNote is appended when the backend signals a hard length cutoff.
const truncationNote = "\n\n[output truncated: generation hit the maximum length]"

// RunContext carries the serialized context for one stage run.
type RunContext struct {
	IssueRef   string
	IssueTitle string
	IssueBody  string
	Labels     []string

	// PreviousOutput is the immediately preceding stage's raw output,
	// passed verbatim.
	PreviousOutput string

	// Knowledge holds optional injected knowledge snippets.
	Knowledge []string

	// Todos is the outstanding todo list carried across stages.
	Todos *TodoState
}

// RunOptions configures a single run.
type RunOptions struct {
	// ToolsEnabled offers the sandbox tool set to the reasoning service.
	ToolsEnabled bool
}

// RunResult is the outcome of one run. TokensUsed and DurationMs are filled
// in even when the run fails.
type RunResult struct {
	Success    bool       `json:"success"`
	Output     string     `json:"output"`
	TokensUsed int        `json:"tokens_used"`
	DurationMs int64      `json:"duration_ms"`
	TodoState  *TodoState `json:"todo_state,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Engine drives bounded turn-based conversations with the reasoning service.
type Engine struct {
	client   Client
	sandbox  *sandbox.Sandbox
	maxTurns int
	logger   *zap.Logger
}

// NewEngine creates an execution engine. The sandbox may be nil when no stage
// enables tools.
func NewEngine(client Client, sb *sandbox.Sandbox, maxTurns int, logger *zap.Logger) (*Engine, error) {
	if client == nil {
		return nil, errors.New("reasoning-service client is required")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:   client,
		sandbox:  sb,
		maxTurns: maxTurns,
		logger:   logger,
	}, nil
}

// Run executes one bounded conversation for the named agent. The turn loop is
// strictly sequential: each turn, including tool dispatch, completes before
// the next is issued. The engine never retries backend failures; the raw
// error is attached to the failed result.
func (e *Engine) Run(ctx context.Context, agentName string, rc RunContext, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}
	finish := func(err error) (*RunResult, error) {
		result.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			return result, err
		}
		result.Success = true
		return result, nil
	}

	template, err := Template(agentName)
	if err != nil {
		return finish(err)
	}

	req := &Request{
		System:   template,
		Messages: []Message{TextMessage(RoleUser, composeContext(rc))},
	}
	if opts.ToolsEnabled {
		req.Tools = SandboxTools()
	}

	logger := e.logger.With(zap.String("agent", agentName))
	var collected []string

	for turn := 0; turn < e.maxTurns; turn++ {
		resp, err := e.client.SendMessage(ctx, req)
		if err != nil {
			return finish(fmt.Errorf("reasoning service turn %d failed: %w", turn+1, err))
		}

		result.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens

		if text := resp.Text(); text != "" {
			collected = append(collected, text)
		}

		switch resp.StopReason {
		case StopToolUse:
			calls := resp.ToolCalls()
			logger.Debug("dispatching tool calls",
				zap.Int("turn", turn+1),
				zap.Int("calls", len(calls)))

			// Both the assistant's call message and the tool results are
			// appended so the next turn sees the full exchange.
			req.Messages = append(req.Messages, Message{Role: RoleAssistant, Content: resp.Content})
			req.Messages = append(req.Messages, Message{Role: RoleUser, Content: e.dispatch(calls, opts)})

		case StopMaxTokens:
			output := strings.Join(collected, "\n\n")
			if strings.TrimSpace(output) == "" {
				return finish(fmt.Errorf("%w: response truncated with no text", ErrBudgetExhausted))
			}
			e.fillOutput(result, output+truncationNote)
			return finish(nil)

		default:
			// Ordinary completion. An empty reply is not usable output;
			// it counts against the turn budget.
			output := strings.Join(collected, "\n\n")
			if strings.TrimSpace(output) == "" {
				logger.Warn("empty completion, retrying within budget", zap.Int("turn", turn+1))
				continue
			}
			e.fillOutput(result, output)
			return finish(nil)
		}
	}

	// Text gathered along the way is still real work; only an empty run
	// fails.
	output := strings.Join(collected, "\n\n")
	if strings.TrimSpace(output) == "" {
		return finish(fmt.Errorf("%w after %d turns", ErrBudgetExhausted, e.maxTurns))
	}
	logger.Warn("turn budget exhausted, salvaging collected text",
		zap.Int("turns", e.maxTurns))
	e.fillOutput(result, output+truncationNote)
	return finish(nil)
}

// dispatch executes every requested tool call in request order. A failure in
// one call does not abort its siblings; each result is reported back
// independently. Every call is a real mutation; there is no dry-run mode.
func (e *Engine) dispatch(calls []ToolCall, opts RunOptions) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(calls))
	for _, call := range calls {
		var res sandbox.Result
		switch {
		case !opts.ToolsEnabled || e.sandbox == nil:
			res = sandbox.Result{Success: false, Error: "tools are not available for this stage"}
		default:
			res = e.sandbox.Execute(sandbox.Request{Operation: call.Name, Params: call.Input})
		}
		blocks = append(blocks, toolResultBlock(call.ID, res))
	}
	return blocks
}

// fillOutput stores the run output, separating the machine-facing todo
// section from the narrative text.
func (e *Engine) fillOutput(result *RunResult, output string) {
	if todos := ParseTodos(output); todos != nil {
		result.TodoState = todos
		output = StripTodoSection(output)
	}
	result.Output = output
}

func toolResultBlock(toolUseID string, res sandbox.Result) ContentBlock {
	block := ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
	}
	if res.Success {
		block.Content = formatPayload(res.Payload)
	} else {
		block.Content = res.Error
		block.IsError = true
	}
	return block
}

func formatPayload(payload map[string]any) string {
	if content, ok := payload["content"].(string); ok {
		return content
	}
	if entries, ok := payload["entries"].([]string); ok {
		return strings.Join(entries, "\n")
	}
	if exists, ok := payload["exists"].(bool); ok {
		return fmt.Sprintf("exists: %t", exists)
	}
	if n, ok := payload["bytes_written"].(int); ok {
		return fmt.Sprintf("wrote %d bytes", n)
	}
	return "ok"
}

// composeContext serializes the stage context into delimited blocks appended
// to the agent template.
func composeContext(rc RunContext) string {
	var b strings.Builder

	b.WriteString("=== ISSUE ===\n")
	fmt.Fprintf(&b, "Ref: %s\n", rc.IssueRef)
	fmt.Fprintf(&b, "Title: %s\n", rc.IssueTitle)
	if len(rc.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(rc.Labels, ", "))
	}
	b.WriteString("Body:\n")
	b.WriteString(rc.IssueBody)
	b.WriteString("\n")

	if rc.PreviousOutput != "" {
		b.WriteString("\n=== PREVIOUS STAGE OUTPUT ===\n")
		b.WriteString(rc.PreviousOutput)
		b.WriteString("\n")
	}

	if len(rc.Knowledge) > 0 {
		b.WriteString("\n=== KNOWLEDGE ===\n")
		for _, snippet := range rc.Knowledge {
			b.WriteString("- " + snippet + "\n")
		}
	}

	if rendered := RenderTodos(rc.Todos); rendered != "" {
		b.WriteString("\n=== OUTSTANDING TODOS ===\n")
		b.WriteString(rendered)
		b.WriteString("\n")
	}

	return b.String()
}

// SandboxTools returns the tool definitions offered when a stage enables
// workspace access.
func SandboxTools() []ToolDefinition {
	pathParam := func(desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": desc},
			},
			"required": []string{"path"},
		}
	}
	return []ToolDefinition{
		{
			Name:        sandbox.ToolReadFile,
			Description: "Read a file from the workspace. The path is relative to the workspace root.",
			InputSchema: pathParam("Workspace-relative file path"),
		},
		{
			Name:        sandbox.ToolWriteFile,
			Description: "Create or overwrite a file in the workspace, creating parent directories as needed.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
					"content": map[string]any{"type": "string", "description": "Complete file content"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        sandbox.ToolListDir,
			Description: "List a workspace directory. Directories are suffixed with /.",
			InputSchema: pathParam("Workspace-relative directory path"),
		},
		{
			Name:        sandbox.ToolFileExists,
			Description: "Check whether a workspace path exists.",
			InputSchema: pathParam("Workspace-relative path"),
		},
	}
}
