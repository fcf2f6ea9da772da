package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/pkg/models"
)

// FlushPayload is the Accumulator.Data shape the AgentLoop passes to the
// memory_flush and agent_end events. Content is whatever text the loop
// judges worth considering for capture (a turn's assistant reply, a tool
// result, a session summary); AutoCapture controls whether the hook
// should write it at all.
type FlushPayload struct {
	AgentID     string
	SessionID   string
	Content     string
	SourceType  string
	AutoCapture bool
}

// RegisterFlushHook wires s into registry's memory_flush and agent_end
// chains: each fire scores the payload's content for importance and
// writes it as a chunk when it clears cfg.MinImportance. Chunks that
// don't clear the bar are silently skipped, not hard-rejected — a human
// explicitly using the memory_write tool isn't subject to this filter.
func RegisterFlushHook(registry *hooks.Registry, store *Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	handler := func(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
		payload, ok := acc.Data.(FlushPayload)
		if !ok || !payload.AutoCapture {
			return acc, nil
		}
		if err := captureChunk(ctx, store, payload); err != nil {
			logger.Warn("memory auto-capture failed", "error", err)
		}
		return acc, nil
	}
	registry.Register(hooks.EventMemoryFlush, handler, hooks.WithName("memory-autocapture"), hooks.WithPriority(hooks.PriorityLow))
	registry.Register(hooks.EventAgentEnd, handler, hooks.WithName("memory-autocapture"), hooks.WithPriority(hooks.PriorityLow))
}

func captureChunk(ctx context.Context, store *Store, payload FlushPayload) error {
	importance := ScoreImportance(payload.Content)
	if importance < store.cfg.MinImportance {
		return nil
	}
	chunker := NewChunker(store.cfg)
	parts := chunker.Split(payload.Content)
	if len(parts) == 0 {
		return nil
	}
	for i, part := range parts {
		chunk := &models.MemoryChunk{
			AgentID:    payload.AgentID,
			SessionID:  payload.SessionID,
			Content:    part,
			Importance: importance,
			SourceType: payload.SourceType,
			ChunkIndex: i,
		}
		if vec, err := store.Embed(ctx, part); err != nil {
			store.logger.Warn("embedding failed, storing bm25-only", "error", err)
		} else {
			chunk.Embedding = vec
		}
		if err := store.Upsert(ctx, chunk); err != nil {
			return fmt.Errorf("capture chunk %d: %w", i, err)
		}
	}
	return nil
}
