// Package llm implements LLMService: provider binding per session,
// streaming chunk aggregation, and fallback rotation across a configured
// provider list.
package llm

import (
	"context"
	"errors"

	"github.com/meridianhq/agentrt/pkg/models"
)

// LLMProviderUnavailable is returned when a completion API is called
// without an active session binding, or when every provider (active plus
// fallbacks) has failed.
var LLMProviderUnavailable = errors.New("llm: no provider available")

// ChunkType discriminates a streamed Chunk, mirroring the collaborator
// contract's {text_delta, tool_call_delta, usage, done} vocabulary.
type ChunkType string

const (
	ChunkTextDelta     ChunkType = "text_delta"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkUsage         ChunkType = "usage"
	ChunkDone          ChunkType = "done"
)

// Usage carries token accounting for one completion call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolSchema describes one tool available to the model for this request;
// ToolRegistry entries are projected into this shape at call time.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema
}

// Request is one completion call.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []ToolSchema
	Options  models.CompletionOptions
}

// Chunk is one element of a provider's streamed response.
type Chunk struct {
	Type ChunkType

	// text_delta
	Text string

	// tool_call_delta: ID is always set; Name/ArgumentsDelta may be
	// partial across successive chunks for the same ID.
	ToolCallID      string
	ToolCallName    string
	ArgumentsDelta  string

	// usage
	Usage *Usage

	// done
	FinishReason string

	Err error
}

// Provider is the collaborator contract an LLM backend must satisfy to be
// bound into an LLMService. It is intentionally independent of
// internal/agent's own LLMProvider interface (used by the teacher's
// pre-existing Runtime) so that this package never imports internal/agent;
// internal/agent instead adapts its provider implementations to this
// interface (see agent.AsLLMServiceProvider).
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
	CountTokens(messages []models.Message) int
	SupportsTools() bool
	ContextWindow() int
}
