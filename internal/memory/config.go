package memory

import "time"

// Config configures an EpisodicMemoryStore.
type Config struct {
	// Enabled turns the store (and its memory_flush/agent_end hook) on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file. ":memory:" is valid for tests.
	Path string `yaml:"path"`

	// VectorEnabled turns on the optional vector candidate path in Search.
	// It requires a sqlite-vec-capable driver; when false, Search runs
	// BM25-only.
	VectorEnabled bool `yaml:"vector_enabled"`

	// DecayHalfLifeDays is the half-life used by the temporal decay term
	// in Search's re-ranking: weight *= 0.5^(age_days/halfLife).
	DecayHalfLifeDays float64 `yaml:"decay_half_life_days"`

	// MMRLambda trades relevance against diversity in re-ranking; 1.0 is
	// pure relevance, 0.0 is pure diversity.
	MMRLambda float64 `yaml:"mmr_lambda"`

	// ChunkTargetTokens and ChunkOverlapTokens parameterize Chunker.
	ChunkTargetTokens  int `yaml:"chunk_target_tokens"`
	ChunkOverlapTokens int `yaml:"chunk_overlap_tokens"`
	ChunkMaxTokens     int `yaml:"chunk_max_tokens"`

	// MinImportance discards auto-captured chunks scoring below this from
	// the memory_flush hook. Explicit memory_write tool calls bypass it.
	MinImportance float64 `yaml:"min_importance"`
}

// DefaultConfig returns the store's defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Path:               "memory.db",
		VectorEnabled:      false,
		DecayHalfLifeDays:  14,
		MMRLambda:          0.7,
		ChunkTargetTokens:  256,
		ChunkOverlapTokens: 32,
		ChunkMaxTokens:     512,
		MinImportance:      0.35,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.DecayHalfLifeDays <= 0 {
		c.DecayHalfLifeDays = d.DecayHalfLifeDays
	}
	if c.MMRLambda <= 0 {
		c.MMRLambda = d.MMRLambda
	}
	if c.ChunkTargetTokens <= 0 {
		c.ChunkTargetTokens = d.ChunkTargetTokens
	}
	if c.ChunkOverlapTokens <= 0 {
		c.ChunkOverlapTokens = d.ChunkOverlapTokens
	}
	if c.ChunkMaxTokens <= 0 {
		c.ChunkMaxTokens = d.ChunkMaxTokens
	}
	if c.MinImportance <= 0 {
		c.MinImportance = d.MinImportance
	}
	return c
}

func halfLifeDuration(days float64) time.Duration {
	return time.Duration(days * 24 * float64(time.Hour))
}
