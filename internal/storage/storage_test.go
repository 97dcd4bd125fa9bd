package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/inferno/migrations"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(context.Background(), filepath.Join(dir, "test.sqlite"), logger)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestModelMetadataRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := ModelMetadata{ID: "m1", SizeBytes: 1024, DownloadedAtMs: 1, LastAccessedMs: 1, Checksum: "abc"}
	require.NoError(t, db.PutModelMetadata(ctx, m))

	got, err := db.GetModelMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.SizeBytes, got.SizeBytes)
	assert.Equal(t, "abc", got.Checksum)

	has, err := db.HasModelMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.DeleteModelMetadata(ctx, "m1"))
	_, err = db.GetModelMetadata(ctx, "m1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListModelsSortedByLastAccessed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutModelMetadata(ctx, ModelMetadata{ID: "newer", SizeBytes: 1, LastAccessedMs: 200}))
	require.NoError(t, db.PutModelMetadata(ctx, ModelMetadata{ID: "older", SizeBytes: 1, LastAccessedMs: 100}))

	list, err := db.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "older", list[0].ID)
	assert.Equal(t, "newer", list[1].ID)
}

func TestTouchModelUpdatesLastAccessed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.PutModelMetadata(ctx, ModelMetadata{ID: "m1", SizeBytes: 1, LastAccessedMs: 1}))
	require.NoError(t, db.TouchModel(ctx, "m1", 999))

	got, err := db.GetModelMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(999), got.LastAccessedMs)
}

func TestBlobRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutBlob(ctx, "m1", "shard_0.bin", []byte("hello")))
	data, err := db.GetBlob(ctx, "m1", "shard_0.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	has, err := db.HasCacheEntry(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, has)

	size, err := db.CacheSizeBytes(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	require.NoError(t, db.PurgeCacheEntries(ctx, "m1"))
	has, err = db.HasCacheEntry(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetBlobMissingReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetBlob(context.Background(), "missing", "key")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWithRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUpOnNonRetriableError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}
