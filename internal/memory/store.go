// Package memory implements the runtime's long-lived episodic memory: a
// SQLite-backed store of content chunks, retrievable by a hybrid of BM25
// full-text search and (optionally) vector similarity, re-ranked by
// temporal decay and MMR diversity.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meridianhq/agentrt/pkg/models"
)

// Store is an EpisodicMemoryStore: a single SQLite database file shared
// between the memory_flush/agent_end hook (auto-capture) and the
// memory_search/memory_write tools (explicit read/write).
type Store struct {
	db       *sql.DB
	cfg      Config
	logger   *slog.Logger
	embedder *Embedder
}

// Open creates or attaches to a memory database at cfg.Path and ensures
// its schema exists.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writers, matches teacher's vector backend.

	s := &Store{db: db, cfg: cfg, logger: logger.With("component", "memory")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			token_count INTEGER NOT NULL DEFAULT 0,
			source_type TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			metadata TEXT,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_agent ON chunks(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_created ON chunks(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content, content='chunks', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate memory schema: %w", err)
		}
	}
	return nil
}

// Upsert writes a chunk transactionally: INSERT OR REPLACE on chunks, with
// the FTS index kept in sync by the triggers installed in migrate.
func (s *Store) Upsert(ctx context.Context, chunk *models.MemoryChunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	if chunk.TokenCount == 0 {
		chunk.TokenCount = EstimateTokens(chunk.Content)
	}

	metaJSON, err := encodeMetadata(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("encode chunk metadata: %w", err)
	}
	embBlob := encodeEmbedding(chunk.Embedding)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	// DELETE before INSERT (rather than INSERT OR REPLACE) so the AFTER
	// DELETE/AFTER INSERT triggers both fire and the fts index stays
	// consistent with the content table's rowid.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, chunk.ID); err != nil {
		return fmt.Errorf("upsert delete: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (id, agent_id, session_id, content, importance, token_count, source_type, chunk_index, created_at, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.AgentID, chunk.SessionID, chunk.Content, chunk.Importance,
		chunk.TokenCount, chunk.SourceType, chunk.ChunkIndex, chunk.CreatedAt, metaJSON, embBlob,
	)
	if err != nil {
		return fmt.Errorf("upsert insert: %w", err)
	}
	return tx.Commit()
}

// UpdateImportance clamps value to [0,1] and applies it to an existing chunk.
func (s *Store) UpdateImportance(ctx context.Context, chunkID string, value float64) error {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chunks SET importance = ? WHERE id = ?`, value, chunkID)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %q not found", chunkID)
	}
	return nil
}

// Search runs a hybrid BM25 + (optional) vector candidate retrieval,
// re-ranks with temporal decay and MMR diversity, and returns at most
// opts.MaxResults hits.
func (s *Store) Search(ctx context.Context, opts models.MemorySearchOptions) ([]models.MemorySearchResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	candidatePool := maxResults * 4
	if candidatePool < 20 {
		candidatePool = 20
	}

	candidates := map[string]*candidate{}

	if opts.Query != "" {
		bm25, err := s.searchBM25(ctx, opts, candidatePool)
		if err != nil {
			return nil, err
		}
		for _, c := range bm25 {
			candidates[c.chunk.ID] = c
		}
	}

	if s.cfg.VectorEnabled && len(opts.Embedding) > 0 {
		vec, err := s.searchVector(ctx, opts, candidatePool)
		if err != nil {
			s.logger.Warn("vector candidate search failed, continuing with bm25-only", "error", err)
		} else {
			for _, c := range vec {
				if existing, ok := candidates[c.chunk.ID]; ok {
					existing.vectorScore = c.vectorScore
					existing.matchType = models.MatchHybrid
				} else {
					candidates[c.chunk.ID] = c
				}
			}
		}
	}

	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}

	s.applyFinalScore(ranked)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].finalScore > ranked[j].finalScore })

	selected := mmrSelect(ranked, maxResults, s.cfg.MMRLambda)

	results := make([]models.MemorySearchResult, 0, len(selected))
	for _, c := range selected {
		results = append(results, models.MemorySearchResult{
			Chunk:     c.chunk,
			Score:     c.finalScore,
			MatchType: c.matchType,
		})
	}
	return results, nil
}

type candidate struct {
	chunk       *models.MemoryChunk
	bm25Score   float64
	vectorScore float64
	finalScore  float64
	matchType   models.MemoryMatchType
}

func (s *Store) searchBM25(ctx context.Context, opts models.MemorySearchOptions, limit int) ([]*candidate, error) {
	query, args := buildFilteredQuery(`
		SELECT c.id, c.agent_id, c.session_id, c.content, c.importance, c.token_count,
		       c.source_type, c.chunk_index, c.created_at, c.metadata, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?`, opts, []any{ftsQuery(opts.Query)})
	query += fmt.Sprintf(" ORDER BY rank LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	defer rows.Close()

	var out []*candidate
	for rows.Next() {
		chunk, rank, err := scanChunkWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25() returns lower-is-better; normalize to a positive,
		// higher-is-better score via a logistic squash.
		out = append(out, &candidate{chunk: chunk, bm25Score: 1 / (1 + math.Exp(rank)), matchType: models.MatchBM25})
	}
	return out, rows.Err()
}

func (s *Store) searchVector(ctx context.Context, opts models.MemorySearchOptions, limit int) ([]*candidate, error) {
	query, args := buildFilteredQuery(`
		SELECT id, agent_id, session_id, content, importance, token_count,
		       source_type, chunk_index, created_at, metadata, embedding
		FROM chunks c WHERE embedding IS NOT NULL`, opts, nil)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector candidate scan: %w", err)
	}
	defer rows.Close()

	var out []*candidate
	for rows.Next() {
		chunk, embBlob, err := scanChunkWithEmbedding(rows)
		if err != nil {
			return nil, err
		}
		vec := decodeEmbedding(embBlob)
		if len(vec) == 0 {
			continue
		}
		score := cosineSimilarity(opts.Embedding, vec)
		out = append(out, &candidate{chunk: chunk, vectorScore: score, matchType: models.MatchVector})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vectorScore > out[j].vectorScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

// applyFinalScore combines the per-path scores with importance and
// temporal decay: weight *= 0.5^(age_days/halfLife).
func (s *Store) applyFinalScore(candidates []*candidate) {
	halfLife := s.cfg.DecayHalfLifeDays
	now := time.Now()
	for _, c := range candidates {
		base := math.Max(c.bm25Score, c.vectorScore)
		if c.bm25Score > 0 && c.vectorScore > 0 {
			base = 0.5*c.bm25Score + 0.5*c.vectorScore
		}
		ageDays := now.Sub(c.chunk.CreatedAt).Hours() / 24
		decay := math.Pow(0.5, ageDays/halfLife)
		c.finalScore = base * decay * (0.5 + 0.5*c.chunk.Importance)
	}
}

func buildFilteredQuery(base string, opts models.MemorySearchOptions, args []any) (string, []any) {
	query := base
	if opts.AgentID != "" {
		query += " AND c.agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if opts.Filters.SessionID != "" {
		query += " AND c.session_id = ?"
		args = append(args, opts.Filters.SessionID)
	}
	if opts.Filters.MinImportance > 0 {
		query += " AND c.importance >= ?"
		args = append(args, opts.Filters.MinImportance)
	}
	if !opts.Filters.DateFrom.IsZero() {
		query += " AND c.created_at >= ?"
		args = append(args, opts.Filters.DateFrom)
	}
	if !opts.Filters.DateTo.IsZero() {
		query += " AND c.created_at <= ?"
		args = append(args, opts.Filters.DateTo)
	}
	if len(opts.Filters.SourceTypes) > 0 {
		placeholders := ""
		for i, st := range opts.Filters.SourceTypes {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, st)
		}
		query += " AND c.source_type IN (" + placeholders + ")"
	}
	return query, args
}
