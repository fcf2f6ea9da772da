package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/agentrt/internal/convctx"
	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/internal/llm"
	"github.com/meridianhq/agentrt/pkg/models"
)

// maxToolResultChars is the truncation limit applied to a tool result's
// JSON-serialized content before it is yielded and persisted.
const maxToolResultChars = 50000

// AgentLoopEventType discriminates one event yielded by RunAgentLoop.
type AgentLoopEventType string

const (
	AgentLoopAssistantMessage AgentLoopEventType = "assistant_message"
	AgentLoopToolResult       AgentLoopEventType = "tool_result"
	AgentLoopToolBlocked      AgentLoopEventType = "tool_blocked"
	AgentLoopMaxTurnsReached  AgentLoopEventType = "max_turns_reached"
	AgentLoopError            AgentLoopEventType = "error"
)

// AgentLoopEvent is one element of the lazy, finite event sequence
// RunAgentLoop yields for a single dispatch.
type AgentLoopEvent struct {
	Type AgentLoopEventType

	// assistant_message
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string

	// tool_result / tool_blocked
	ToolName   string
	ToolCallID string
	Result     string
	Reason     string

	// max_turns_reached
	Turns int

	Err error
}

// ToolHandler executes one tool call's parsed arguments and returns the
// tool's raw (pre-truncation) result content.
type ToolHandler func(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error)

// AgentLoopConfig configures one RunAgentLoop invocation.
type AgentLoopConfig struct {
	LLM       *llm.Service
	SessionID string
	Context   *convctx.Context
	Tools     []llm.ToolSchema
	Handlers  map[string]ToolHandler
	Hooks     *hooks.Registry
	MaxTurns  int
}

const defaultMaxTurns = 100

// toolCallDecision is the accumulator payload threaded through the
// tool_call hook.
type toolCallDecision struct {
	Name      string
	Arguments json.RawMessage
	Blocked   bool
	Reason    string
}

// RunAgentLoop runs the turn loop described in the component design for
// AgentLoop: assemble context, stream a completion, execute any requested
// tools, and repeat until the model stops requesting tools, maxTurns is
// exceeded, or an unhandled failure occurs. Events are sent on the
// returned channel in strict emission order; the channel is closed when
// the stream ends (normally or on error).
func RunAgentLoop(ctx context.Context, cfg AgentLoopConfig) <-chan AgentLoopEvent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	out := make(chan AgentLoopEvent)

	go func() {
		defer close(out)

		if cfg.Hooks != nil {
			if _, err := cfg.Hooks.Fire(ctx, hooks.EventBeforeAgentStart, hooks.Accumulator{}); err != nil {
				out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
				return
			}
		}

		turn := 0
		for {
			turn++
			if turn > cfg.MaxTurns {
				out <- AgentLoopEvent{Type: AgentLoopMaxTurnsReached, Turns: cfg.MaxTurns}
				return
			}

			if cfg.Hooks != nil {
				if _, err := cfg.Hooks.Fire(ctx, hooks.EventTurnStart, hooks.Accumulator{}); err != nil {
					out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
					return
				}
			}

			assembled := convctx.Assembled{Messages: cfg.Context.Messages(), Options: cfg.Context.Options()}
			if cfg.Hooks != nil {
				acc, err := cfg.Hooks.Fire(ctx, hooks.EventContextAssemble, hooks.Accumulator{Data: assembled})
				if err != nil {
					out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
					return
				}
				if next, ok := acc.Data.(convctx.Assembled); ok {
					assembled = next
				}
			}

			req := &llm.Request{Messages: assembled.Messages, Tools: cfg.Tools, Options: assembled.Options}
			resp, err := cfg.LLM.StreamCompletion(ctx, cfg.SessionID, req)
			if err != nil {
				out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
				return
			}

			out <- AgentLoopEvent{Type: AgentLoopAssistantMessage, Content: resp.Text, ToolCalls: resp.ToolCalls, FinishReason: resp.FinishReason}
			cfg.Context.AppendAssistant(resp.Text, resp.ToolCalls)

			if len(resp.ToolCalls) == 0 {
				if cfg.Hooks != nil {
					cfg.Hooks.Fire(ctx, hooks.EventTurnEnd, hooks.Accumulator{})
					cfg.Hooks.Fire(ctx, hooks.EventAgentEnd, hooks.Accumulator{})
				}
				return
			}

			for _, tc := range resp.ToolCalls {
				if err := runOneToolCall(ctx, cfg, tc, out); err != nil {
					out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
					return
				}
			}

			if cfg.Hooks != nil {
				if _, err := cfg.Hooks.Fire(ctx, hooks.EventTurnEnd, hooks.Accumulator{}); err != nil {
					out <- AgentLoopEvent{Type: AgentLoopError, Err: err}
					return
				}
			}
		}
	}()

	return out
}

func runOneToolCall(ctx context.Context, cfg AgentLoopConfig, tc models.ToolCall, out chan<- AgentLoopEvent) error {
	decision := toolCallDecision{Name: tc.Name, Arguments: tc.Input}
	if cfg.Hooks != nil {
		acc, err := cfg.Hooks.Fire(ctx, hooks.EventToolCall, hooks.Accumulator{Data: decision})
		if err != nil {
			if blockErr, ok := err.(*hooks.HookBlockError); ok {
				return blockToolCall(cfg, tc, blockErr.Reason, out)
			}
			return err
		}
		if next, ok := acc.Data.(toolCallDecision); ok {
			decision = next
		}
	}
	if decision.Blocked {
		return blockToolCall(cfg, tc, decision.Reason, out)
	}

	if cfg.Hooks != nil {
		if _, err := cfg.Hooks.Fire(ctx, hooks.EventToolExecutionStart, hooks.Accumulator{Data: tc.Name}); err != nil {
			return err
		}
	}

	handler, ok := cfg.Handlers[tc.Name]
	var result *ToolResult
	var err error
	if !ok {
		result = &ToolResult{Content: fmt.Sprintf("tool not found: %s", tc.Name), IsError: true}
	} else {
		result, err = handler(ctx, tc.Name, tc.Input)
		if err != nil {
			result = &ToolResult{Content: err.Error(), IsError: true}
		}
	}

	if cfg.Hooks != nil {
		if _, err := cfg.Hooks.Fire(ctx, hooks.EventToolExecutionEnd, hooks.Accumulator{Data: result}); err != nil {
			return err
		}
	}

	serialized := redactToolSecrets(serializeToolResult(result))
	truncated := truncateToolResult(serialized)

	out <- AgentLoopEvent{Type: AgentLoopToolResult, ToolName: tc.Name, ToolCallID: tc.ID, Result: truncated}
	cfg.Context.AppendTool(tc.ID, truncated)

	if cfg.Hooks != nil {
		if _, err := cfg.Hooks.Fire(ctx, hooks.EventToolResult, hooks.Accumulator{Data: result}); err != nil {
			return err
		}
	}
	return nil
}

func blockToolCall(cfg AgentLoopConfig, tc models.ToolCall, reason string, out chan<- AgentLoopEvent) error {
	out <- AgentLoopEvent{Type: AgentLoopToolBlocked, ToolName: tc.Name, ToolCallID: tc.ID, Reason: reason}
	synthetic, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("Tool blocked: %s", reason)})
	cfg.Context.AppendTool(tc.ID, string(synthetic))
	return nil
}

func serializeToolResult(result *ToolResult) string {
	if result == nil {
		return "null"
	}
	if result.Content != "" {
		return result.Content
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(data)
}

// redactToolSecrets strips anything matching a builtin secret pattern
// (API keys, bearer tokens, AWS credentials, generic password/token
// assignments, PEM private keys) out of a tool's serialized result before
// it is yielded or persisted.
func redactToolSecrets(s string) string {
	for _, re := range builtinSecretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func truncateToolResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return fmt.Sprintf("%s\n[truncated: %d chars, showing first %d]", s[:maxToolResultChars], len(s), maxToolResultChars)
}
