package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/inferno/internal/registry"
)

// embedderRegistryID is the registry key this module acquires its
// embedder instance under — a constant key rather than per-config,
// since at most one embedder is active per process.
const embedderRegistryID = "memory-embedder"

// Config selects the memory module's embedder and index backends.
type Config struct {
	// Dims sizes the HashEmbedder fallback; ignored if OpenAIAPIKey is set
	// (OpenAI's dimensions are fixed by the chosen model).
	Dims int

	OpenAIAPIKey string
	OpenAIModel  string

	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
}

// Store is the memory module's façade: Remember/Recall, backed by an
// Embedder acquired through the shared registry (the same lazy-load-
// and-refcount contract the core provider uses for inference models)
// and an Index (Qdrant if configured, else the in-process fallback).
type Store struct {
	registry *registry.Registry
	index    Index
	logger   *slog.Logger
	cfg      Config
}

// New constructs a Store. conn backs the in-process fallback index
// (migrations/002_memory.sql's memory_entries table) and must already
// have migrations applied.
func New(ctx context.Context, cfg Config, conn *sql.DB, reg *registry.Registry, logger *slog.Logger) (*Store, error) {
	index, err := resolveIndex(ctx, cfg, conn, logger)
	if err != nil {
		return nil, err
	}
	return &Store{registry: reg, index: index, logger: logger, cfg: cfg}, nil
}

func resolveIndex(ctx context.Context, cfg Config, conn *sql.DB, logger *slog.Logger) (Index, error) {
	if cfg.QdrantURL == "" {
		return NewSQLiteIndex(conn), nil
	}

	dims := uint64(cfg.Dims)
	if dims == 0 {
		dims = 256
	}
	if cfg.OpenAIAPIKey != "" {
		dims = 1536
	}
	collection := cfg.QdrantCollection
	if collection == "" {
		collection = "inferno_memory"
	}

	q, err := NewQdrantIndex(QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: collection,
		Dims:       dims,
	}, logger)
	if err != nil {
		logger.Warn("memory: qdrant unavailable, falling back to in-process index", "error", err)
		return NewSQLiteIndex(conn), nil
	}
	if err := q.EnsureCollection(ctx); err != nil {
		logger.Warn("memory: qdrant collection setup failed, falling back to in-process index", "error", err)
		_ = q.Close()
		return NewSQLiteIndex(conn), nil
	}
	return q, nil
}

func (s *Store) embedder(ctx context.Context) (Embedder, error) {
	loader := func(ctx context.Context) (any, int, registry.Disposer, error) {
		var emb Embedder
		if s.cfg.OpenAIAPIKey != "" {
			oe, err := NewOpenAIEmbedder(s.cfg.OpenAIAPIKey, s.cfg.OpenAIModel, 1536)
			if err != nil {
				return nil, 0, nil, err
			}
			emb = oe
		} else {
			emb = NewHashEmbedder(s.cfg.Dims)
		}
		return emb, 0, nil, nil
	}

	instance, err := s.registry.Acquire(ctx, embedderRegistryID, "embedding", loader, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: acquire embedder: %w", err)
	}
	return instance.(Embedder), nil
}

// Remember embeds text and stores it under id, replacing any existing
// entry with the same id.
func (s *Store) Remember(ctx context.Context, id, text string, nowMs int64) error {
	emb, err := s.embedder(ctx)
	if err != nil {
		return err
	}
	defer s.registry.Release(embedderRegistryID)

	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: embed entry %s: %w", id, err)
	}
	return s.index.Upsert(ctx, []Entry{{ID: id, Text: text, Embedding: vec, CreatedAtMs: nowMs}})
}

// Recall embeds query and returns the limit most similar remembered entries.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]Result, error) {
	emb, err := s.embedder(ctx)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(embedderRegistryID)

	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	return s.index.Search(ctx, vec, limit)
}

// Healthy reports whether the active index backend is reachable.
func (s *Store) Healthy(ctx context.Context) error { return s.index.Healthy(ctx) }

// Close releases the index backend (a no-op for the in-process
// fallback, which shares the runtime's storage connection).
func (s *Store) Close() error { return s.index.Close() }
