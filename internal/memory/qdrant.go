package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex implements Index backed by a Qdrant server. Adapted from
// internal/search/qdrant.go: same parseQdrantURL/EnsureCollection/
// Upsert/Search/Healthy/Close shape, collapsed to a single
// un-filtered collection (no org/agent/decision-type payload indexes —
// memory entries have no tenancy dimension).
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
	health     healthCache
}

// NewQdrantIndex connects to a Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("memory: create collection %q: %w", q.collection, err)
	}

	q.logger.Info("memory: created qdrant collection", "collection", q.collection, "dims", q.dims)
	return nil
}

// Upsert inserts or updates memory entries in Qdrant, storing text and
// createdAtMs as payload so Search can return them without a
// secondary lookup.
func (q *QdrantIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(e.ID),
			Vectors: qdrant.NewVectorsDense(e.Embedding.Slice()),
			Payload: qdrant.NewValueMap(map[string]any{
				"text":          e.Text,
				"created_at_ms": float64(e.CreatedAtMs),
			}),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert %d points: %w", len(entries), err)
	}
	return nil
}

// Search queries Qdrant for the entries most similar to embedding.
func (q *QdrantIndex) Search(ctx context.Context, embedding pgvector.Vector, limit int) ([]Result, error) {
	lim := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding.Slice()),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid() // Upsert always assigns a string UUID id
		var text string
		if payload := sp.GetPayload(); payload != nil {
			if v, ok := payload["text"]; ok {
				text = v.GetStringValue()
			}
		}
		results = append(results, Result{ID: id, Text: text, Score: sp.Score})
	}
	return results, nil
}

// Healthy returns nil if Qdrant is reachable, caching results for 5s.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	return q.health.checkOrCached(func() error {
		_, err := q.client.HealthCheck(ctx)
		if err != nil {
			return fmt.Errorf("memory: qdrant unhealthy: %w", err)
		}
		return nil
	})
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
