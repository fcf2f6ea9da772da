package memory

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/meridianhq/agentrt/pkg/models"
)

func encodeMetadata(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil
	}
	return meta
}

// encodeEmbedding packs a []float32 into a little-endian BLOB.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ftsQuery escapes a free-text query for use as an FTS5 MATCH argument by
// quoting each token, so punctuation in user input can't be read as FTS5
// query syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunkCore(r rowScanner, extra ...any) (*models.MemoryChunk, sql.NullString, error) {
	c := &models.MemoryChunk{}
	var meta, sessionID sql.NullString
	dest := []any{
		&c.ID, &c.AgentID, &sessionID, &c.Content, &c.Importance,
		&c.TokenCount, &c.SourceType, &c.ChunkIndex, &c.CreatedAt, &meta,
	}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, meta, err
	}
	c.SessionID = sessionID.String
	c.Metadata = decodeMetadata(meta)
	return c, meta, nil
}

func scanChunkWithRank(r rowScanner) (*models.MemoryChunk, float64, error) {
	var rank float64
	c, _, err := scanChunkCore(r, &rank)
	return c, rank, err
}

func scanChunkWithEmbedding(r rowScanner) (*models.MemoryChunk, []byte, error) {
	var blob []byte
	c, _, err := scanChunkCore(r, &blob)
	return c, blob, err
}
