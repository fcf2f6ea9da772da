package agent

import (
	"context"
	"encoding/json"

	ctxwindow "github.com/meridianhq/agentrt/internal/context"
	"github.com/meridianhq/agentrt/internal/llm"
	"github.com/meridianhq/agentrt/pkg/models"
)

// AsLLMServiceProvider wraps one of this package's LLMProvider
// implementations (providers.AnthropicProvider, providers.OpenAIProvider,
// ...) as an llm.Provider, so the same backend drives both the
// teacher-derived Runtime and the spec's LLMService without a second
// implementation.
func AsLLMServiceProvider(p LLMProvider, model string) llm.Provider {
	return &llmServiceAdapter{provider: p, model: model}
}

type llmServiceAdapter struct {
	provider LLMProvider
	model    string
}

func (a *llmServiceAdapter) Name() string { return a.provider.Name() }

func (a *llmServiceAdapter) SupportsTools() bool { return a.provider.SupportsTools() }

func (a *llmServiceAdapter) ContextWindow() int {
	if tokens, ok := ctxwindow.GetModelContextWindow(a.model); ok && tokens > 0 {
		return tokens
	}
	return ctxwindow.DefaultContextWindow
}

// tokenCounter is satisfied by provider implementations (Anthropic,
// Google) that expose a precise counting method beyond the interface
// floor; others fall back to the ceil(chars/4) estimate.
type tokenCounter interface {
	CountTokens(req *CompletionRequest) int
}

func (a *llmServiceAdapter) CountTokens(messages []models.Message) int {
	req := &CompletionRequest{Model: a.model, Messages: toCompletionMessages(messages)}
	if tc, ok := a.provider.(tokenCounter); ok {
		return tc.CountTokens(req)
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Input)
		}
	}
	return (total + 3) / 4
}

func (a *llmServiceAdapter) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	creq := &CompletionRequest{
		Model:    model,
		System:   req.System,
		Messages: toCompletionMessages(req.Messages),
		Tools:    toSchemaTools(req.Tools),
	}
	if req.Options.MaxTokens > 0 {
		creq.MaxTokens = req.Options.MaxTokens
	}

	upstream, err := a.provider.Complete(ctx, creq)
	if err != nil {
		return nil, err
	}

	out := make(chan *llm.Chunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			if chunk.Error != nil {
				out <- &llm.Chunk{Err: chunk.Error}
				return
			}
			if chunk.Text != "" {
				out <- &llm.Chunk{Type: llm.ChunkTextDelta, Text: chunk.Text}
			}
			if chunk.ToolCall != nil {
				out <- &llm.Chunk{
					Type:           llm.ChunkToolCallDelta,
					ToolCallID:     chunk.ToolCall.ID,
					ToolCallName:   chunk.ToolCall.Name,
					ArgumentsDelta: string(chunk.ToolCall.Input),
				}
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				out <- &llm.Chunk{Type: llm.ChunkUsage, Usage: &llm.Usage{
					InputTokens:  chunk.InputTokens,
					OutputTokens: chunk.OutputTokens,
					TotalTokens:  chunk.InputTokens + chunk.OutputTokens,
				}}
			}
			if chunk.Done {
				finish := "stop"
				out <- &llm.Chunk{Type: llm.ChunkDone, FinishReason: finish}
			}
		}
	}()
	return out, nil
}

func toCompletionMessages(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}

// schemaTool adapts an llm.ToolSchema (metadata only, no handler) into
// this package's Tool interface so it can ride in CompletionRequest.Tools
// for request serialization. Execute is never called: the spec's
// AgentLoop dispatches tool execution itself via the ToolRegistry, not
// through the provider.
type schemaTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (t *schemaTool) Name() string             { return t.name }
func (t *schemaTool) Description() string      { return t.description }
func (t *schemaTool) Schema() json.RawMessage   { return t.schema }
func (t *schemaTool) Execute(context.Context, json.RawMessage) (*ToolResult, error) {
	return nil, ErrToolNotFound
}

func toSchemaTools(schemas []llm.ToolSchema) []Tool {
	out := make([]Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, &schemaTool{name: s.Name, description: s.Description, schema: json.RawMessage(s.Parameters)})
	}
	return out
}
