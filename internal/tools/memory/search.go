// Package memory implements the two agent-facing tools backed by the
// EpisodicMemoryStore: memory_search (read) and memory_write (capture).
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

// SearchTool implements agent.Tool for hybrid BM25/vector recall against
// an EpisodicMemoryStore.
type SearchTool struct {
	store   *memstore.Store
	agentID string
}

// NewSearchTool builds the memory_search tool bound to store. agentID
// scopes every search to the agent this tool instance belongs to.
func NewSearchTool(store *memstore.Store, agentID string) *SearchTool {
	return &SearchTool{store: store, agentID: agentID}
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Searches this agent's long-term memory for relevant prior facts, decisions, and context."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "What to search for"},
    "max_results": {"type": "integer", "description": "Max results to return (default 5)"},
    "min_importance": {"type": "number", "description": "Minimum importance score (0-1) to include"}
  },
  "required": ["query"]
}`)
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query         string  `json:"query"`
		MaxResults    int     `json:"max_results"`
		MinImportance float64 `json:"min_importance"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return &agent.ToolResult{Content: "query is required", IsError: true}, nil
	}

	opts := models.MemorySearchOptions{
		Query:      query,
		AgentID:    t.agentID,
		MaxResults: input.MaxResults,
		Filters:    models.MemorySearchFilters{MinImportance: input.MinImportance},
	}
	if vec, err := t.store.Embed(ctx, query); err == nil {
		opts.Embedding = vec
	}
	results, err := t.store.Search(ctx, opts)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("memory search failed: %v", err), IsError: true}, nil
	}

	payload, err := json.MarshalIndent(struct {
		Query   string                      `json:"query"`
		Results []models.MemorySearchResult `json:"results"`
	}{Query: query, Results: results}, "", "  ")
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("failed to encode results: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
