package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/pgvector/pgvector-go"
)

// SQLiteIndex implements Index as a pure in-process cosine-similarity
// scan over the memory_entries table (migrations/002_memory.sql),
// used when no Qdrant URL is configured. O(n) per search — acceptable
// for the memory volumes an embedded, single-process runtime holds;
// a real deployment that outgrows this should configure Qdrant.
type SQLiteIndex struct {
	conn *sql.DB
}

// NewSQLiteIndex wraps an existing connection. The caller owns the
// connection's lifecycle — Close is a no-op here.
func NewSQLiteIndex(conn *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{conn: conn}
}

// Upsert inserts or replaces memory entries.
func (s *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if _, err := s.conn.ExecContext(ctx, `
			INSERT INTO memory_entries (id, text, embedding, created_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET text = excluded.text, embedding = excluded.embedding
		`, e.ID, e.Text, encodeVector(e.Embedding), e.CreatedAtMs); err != nil {
			return fmt.Errorf("memory: upsert entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// Search scans every stored entry and returns the limit most similar
// by cosine similarity.
func (s *SQLiteIndex) Search(ctx context.Context, embedding pgvector.Vector, limit int) ([]Result, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, text, embedding FROM memory_entries`)
	if err != nil {
		return nil, fmt.Errorf("memory: scan entries: %w", err)
	}
	defer rows.Close()

	query := embedding.Slice()
	var results []Result
	for rows.Next() {
		var id, text string
		var raw []byte
		if err := rows.Scan(&id, &text, &raw); err != nil {
			return nil, fmt.Errorf("memory: scan entry row: %w", err)
		}
		results = append(results, Result{ID: id, Text: text, Score: cosineSimilarity(query, decodeVector(raw))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate entries: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Healthy pings the underlying connection.
func (s *SQLiteIndex) Healthy(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("memory: sqlite index unhealthy: %w", err)
	}
	return nil
}

// Close is a no-op: the connection is owned by the runtime's storage.DB.
func (s *SQLiteIndex) Close() error { return nil }

func encodeVector(v pgvector.Vector) []byte {
	slice := v.Slice()
	buf := make([]byte, 4*len(slice))
	for i, f := range slice {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
