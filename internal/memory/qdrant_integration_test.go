package memory

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/inferno/internal/testutil"
)

// testQdrantURL is set by TestMain once the container is reachable.
var testQdrantURL string

func TestMain(m *testing.M) {
	if os.Getenv("INFERNO_SKIP_QDRANT_INTEGRATION") != "" {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartQdrant()
	testQdrantURL = tc.URL
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func TestQdrantIndexEnsureCollectionAndRoundTrip(t *testing.T) {
	if testQdrantURL == "" {
		t.Skip("no qdrant container available")
	}

	logger := testutil.TestLogger()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        testQdrantURL,
		Collection: fmt.Sprintf("inferno_memory_test_%d", os.Getpid()),
		Dims:       64,
	}, logger)
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx))
	require.NoError(t, idx.Healthy(ctx))

	embedder := NewHashEmbedder(64)
	catVec, err := embedder.Embed(ctx, "the cat sat on the mat")
	require.NoError(t, err)
	stockVec, err := embedder.Embed(ctx, "stock prices fell sharply today")
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "cat-1", Text: "the cat sat on the mat", Embedding: catVec, CreatedAtMs: 1},
		{ID: "stock-1", Text: "stock prices fell sharply today", Embedding: stockVec, CreatedAtMs: 2},
	}))

	queryVec, err := embedder.Embed(ctx, "a sleepy cat on a rug")
	require.NoError(t, err)
	results, err := idx.Search(ctx, queryVec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cat-1", results[0].ID)
}

func TestQdrantIndexSearchEmptyCollection(t *testing.T) {
	if testQdrantURL == "" {
		t.Skip("no qdrant container available")
	}

	logger := testutil.TestLogger()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        testQdrantURL,
		Collection: fmt.Sprintf("inferno_memory_test_empty_%d", os.Getpid()),
		Dims:       64,
	}, logger)
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx))

	embedder := NewHashEmbedder(64)
	queryVec, err := embedder.Embed(ctx, "anything")
	require.NoError(t, err)

	results, err := idx.Search(ctx, queryVec, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
