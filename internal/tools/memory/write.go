package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/agentrt/internal/agent"
	memstore "github.com/meridianhq/agentrt/internal/memory"
	"github.com/meridianhq/agentrt/pkg/models"
)

// WriteTool implements agent.Tool for explicit memory capture: unlike the
// memory_flush auto-capture hook, a direct memory_write call bypasses the
// importance floor since the caller has already judged it worth keeping.
type WriteTool struct {
	store   *memstore.Store
	agentID string
}

// NewWriteTool builds the memory_write tool bound to store.
func NewWriteTool(store *memstore.Store, agentID string) *WriteTool {
	return &WriteTool{store: store, agentID: agentID}
}

func (t *WriteTool) Name() string { return "memory_write" }

func (t *WriteTool) Description() string {
	return "Saves a fact, decision, or preference to this agent's long-term memory for later recall."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The text to remember"},
    "session_id": {"type": "string", "description": "Session this memory is associated with, if any"},
    "importance": {"type": "number", "description": "Override the heuristic importance score (0-1)"}
  },
  "required": ["content"]
}`)
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Content    string   `json:"content"`
		SessionID  string   `json:"session_id"`
		Importance *float64 `json:"importance"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return &agent.ToolResult{Content: "content is required", IsError: true}, nil
	}

	importance := memstore.ScoreImportance(content)
	if input.Importance != nil {
		importance = *input.Importance
	}

	chunker := memstore.NewChunker(memstore.DefaultConfig())
	parts := chunker.Split(content)
	if len(parts) == 0 {
		parts = []string{content}
	}

	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		chunk := &models.MemoryChunk{
			AgentID:    t.agentID,
			SessionID:  input.SessionID,
			Content:    part,
			Importance: importance,
			SourceType: "memory_write",
			ChunkIndex: i,
		}
		if vec, err := t.store.Embed(ctx, part); err == nil {
			chunk.Embedding = vec
		}
		if err := t.store.Upsert(ctx, chunk); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("memory write failed: %v", err), IsError: true}, nil
		}
		ids = append(ids, chunk.ID)
	}

	payload, _ := json.Marshal(struct {
		Saved      int      `json:"saved"`
		ChunkIDs   []string `json:"chunk_ids"`
		Importance float64  `json:"importance"`
	}{Saved: len(ids), ChunkIDs: ids, Importance: importance})
	return &agent.ToolResult{Content: string(payload)}, nil
}
