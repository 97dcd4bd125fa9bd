package memory

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Entry is one remembered memory, as stored by an Index.
type Entry struct {
	ID          string
	Text        string
	Embedding   pgvector.Vector
	CreatedAtMs int64
}

// Result is a single search hit, ranked by similarity to the query.
type Result struct {
	ID    string
	Text  string
	Score float32
}

// Index stores and searches memory entries by vector similarity.
// Implemented by QdrantIndex (optional real backend) and SQLiteIndex
// (in-process fallback used when no Qdrant URL is configured) — the
// same "external override replaces auto-detected backend" shape the
// core provider selector uses for inference backends.
type Index interface {
	Upsert(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, embedding pgvector.Vector, limit int) ([]Result, error)
	Healthy(ctx context.Context) error
	Close() error
}

// QdrantConfig configures a connection to a Qdrant server.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or
// "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given; use the gRPC port instead
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// healthCache caches a Healthy() result for 5 seconds to avoid
// hammering the health endpoint on every recall call.
type healthCache struct {
	mu        sync.Mutex
	lastCheck time.Time
	lastErr   error
}

func (h *healthCache) checkOrCached(check func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastCheck) < 5*time.Second {
		return h.lastErr
	}
	h.lastErr = check()
	h.lastCheck = time.Now()
	return h.lastErr
}
