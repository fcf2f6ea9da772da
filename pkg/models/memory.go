package models

import "time"

// MemoryChunk is one retrievable unit in the EpisodicMemoryStore.
type MemoryChunk struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	TokenCount int            `json:"token_count"`
	SourceType string         `json:"source_type"`
	ChunkIndex int            `json:"chunk_index"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Embedding  []float32      `json:"-"`
}

// MemoryMatchType identifies which retrieval path surfaced a SearchResult.
type MemoryMatchType string

const (
	MatchVector MemoryMatchType = "vector"
	MatchBM25   MemoryMatchType = "bm25"
	MatchHybrid MemoryMatchType = "hybrid"
)

// MemorySearchFilters narrows a memory search.
type MemorySearchFilters struct {
	MinImportance float64
	DateFrom      time.Time
	DateTo        time.Time
	SessionID     string
	SourceTypes   []string
}

// MemorySearchOptions parameterizes EpisodicMemoryStore.Search.
type MemorySearchOptions struct {
	Query      string
	AgentID    string
	Embedding  []float32
	Filters    MemorySearchFilters
	MaxResults int
}

// MemorySearchResult is one ranked hit from EpisodicMemoryStore.Search.
type MemorySearchResult struct {
	Chunk     *MemoryChunk
	Score     float64
	MatchType MemoryMatchType
}
