package memory

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhq/agentrt/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{Path: ":memory:"}
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_UpsertAndSearchBM25(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []*models.MemoryChunk{
		{AgentID: "a1", Content: "the user prefers dark mode in the editor"},
		{AgentID: "a1", Content: "we decided to use postgres for the main database"},
		{AgentID: "a1", Content: "the weather today is sunny and warm"},
	}
	for _, c := range chunks {
		if err := s.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	results, err := s.Search(ctx, models.MemorySearchOptions{Query: "database postgres", AgentID: "a1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Chunk.Content != chunks[1].Content {
		t.Errorf("expected top hit to be the postgres chunk, got %q", results[0].Chunk.Content)
	}
}

func TestStore_SearchFiltersByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, &models.MemoryChunk{AgentID: "a1", Content: "alpha content about rockets"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, &models.MemoryChunk{AgentID: "a2", Content: "alpha content about rockets too"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Search(ctx, models.MemorySearchOptions{Query: "rockets", AgentID: "a1", MaxResults: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.AgentID != "a1" {
			t.Errorf("expected only a1 results, got %q", r.Chunk.AgentID)
		}
	}
}

func TestStore_UpsertReplacesExistingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunk := &models.MemoryChunk{ID: "fixed-id", AgentID: "a1", Content: "original content"}
	if err := s.Upsert(ctx, chunk); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	chunk.Content = "updated content"
	if err := s.Upsert(ctx, chunk); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	results, err := s.Search(ctx, models.MemorySearchOptions{Query: "updated", AgentID: "a1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one chunk after replace, got %d", len(results))
	}
}

func TestStore_UpdateImportanceClampsRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunk := &models.MemoryChunk{ID: "imp-1", AgentID: "a1", Content: "some content here"}
	if err := s.Upsert(ctx, chunk); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.UpdateImportance(ctx, "imp-1", 5.0); err != nil {
		t.Fatalf("UpdateImportance: %v", err)
	}
	results, err := s.Search(ctx, models.MemorySearchOptions{Query: "content", AgentID: "a1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected result")
	}
	if results[0].Chunk.Importance != 1.0 {
		t.Errorf("expected importance clamped to 1.0, got %v", results[0].Chunk.Importance)
	}
}

func TestStore_UpdateImportanceUnknownChunk(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateImportance(context.Background(), "does-not-exist", 0.5); err == nil {
		t.Fatal("expected error for unknown chunk id")
	}
}

func TestStore_SearchDecaysOlderChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &models.MemoryChunk{ID: "old", AgentID: "a1", Content: "shared keyword phrase alpha", CreatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	recent := &models.MemoryChunk{ID: "recent", AgentID: "a1", Content: "shared keyword phrase beta", CreatedAt: time.Now()}
	if err := s.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := s.Upsert(ctx, recent); err != nil {
		t.Fatalf("Upsert recent: %v", err)
	}

	results, err := s.Search(ctx, models.MemorySearchOptions{Query: "shared keyword phrase", AgentID: "a1", MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected both chunks to be candidates, got %d", len(results))
	}
	if results[0].Chunk.ID != "recent" {
		t.Errorf("expected the recent chunk to rank first due to decay, got %q", results[0].Chunk.ID)
	}
}
