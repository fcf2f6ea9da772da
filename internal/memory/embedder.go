package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianhq/agentrt/internal/memory/embeddings"
)

// defaultEmbeddingCacheSize bounds how many distinct texts' embeddings an
// Embedder remembers; chunk content and search queries repeat often
// enough within a session (re-reading a prior turn, re-running a similar
// query) that recomputing the same embedding is pure waste.
const defaultEmbeddingCacheSize = 2048

// Embedder wraps an embeddings.Provider with an LRU cache keyed by a hash
// of the input text, so the same content never triggers two provider
// round-trips.
type Embedder struct {
	provider embeddings.Provider
	cache    *lru.Cache[string, []float32]
}

// NewEmbedder builds an Embedder over provider. size<=0 uses
// defaultEmbeddingCacheSize.
func NewEmbedder(provider embeddings.Provider, size int) *Embedder {
	if size <= 0 {
		size = defaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Embedder{provider: provider, cache: cache}
}

// Embed returns text's embedding, serving a cached vector when this exact
// text was embedded before.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embeddingCacheKey(text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

func embeddingCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SetEmbedder installs the embedder Upsert/Search callers can use to
// populate a chunk's or query's vector via Store.Embed. A nil embedder
// (the default) keeps Store BM25-only regardless of cfg.VectorEnabled.
func (s *Store) SetEmbedder(e *Embedder) {
	s.embedder = e
}

// Embed computes text's embedding through the store's configured
// Embedder, or returns (nil, nil) when none is set so callers can treat
// embedding as a no-op enrichment rather than special-casing it.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, nil
	}
	return s.embedder.Embed(ctx, text)
}
