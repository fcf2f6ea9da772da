package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/meridianhq/agentrt/pkg/models"
)

func TestWriteTool_RequiresContent(t *testing.T) {
	tool := NewWriteTool(newTestStore(t), "agent-1")
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for missing content")
	}
}

func TestWriteTool_PersistsAndIsSearchable(t *testing.T) {
	store := newTestStore(t)
	write := NewWriteTool(store, "agent-1")
	ctx := context.Background()

	result, err := write.Execute(ctx, json.RawMessage(`{"content":"the deploy key rotates every 90 days"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	results, err := store.Search(ctx, models.MemorySearchOptions{Query: "deploy key rotates", AgentID: "agent-1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected written content to be searchable")
	}
}

func TestWriteTool_ExplicitImportanceOverridesHeuristic(t *testing.T) {
	store := newTestStore(t)
	write := NewWriteTool(store, "agent-1")
	ctx := context.Background()

	if _, err := write.Execute(ctx, json.RawMessage(`{"content":"ok","importance":0.9}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := store.Search(ctx, models.MemorySearchOptions{Query: "ok", AgentID: "agent-1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected the explicitly-important chunk to be found")
	}
	if results[0].Chunk.Importance != 0.9 {
		t.Errorf("expected importance override to apply, got %v", results[0].Chunk.Importance)
	}
}
