package lru

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/inferno/internal/quota"
	"github.com/ashita-ai/inferno/internal/storage"
	"github.com/ashita-ai/inferno/migrations"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.Open(context.Background(), filepath.Join(dir, "test.sqlite"), logger)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeEstimator reports a fixed, caller-settable quota/usage/available
// triple regardless of path, so eviction thresholds can be exercised
// deterministically.
type fakeEstimator struct {
	est quota.Estimate
}

func (f *fakeEstimator) Estimate(context.Context, string) (quota.Estimate, error) {
	return f.est, nil
}

func seedModel(t *testing.T, db *storage.DB, id string, lastAccessed int64, blobSize int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.PutModelMetadata(ctx, storage.ModelMetadata{ID: id, SizeBytes: uint64(blobSize), LastAccessedMs: lastAccessed}))
	require.NoError(t, db.PutBlob(ctx, id, "weights.bin", make([]byte, blobSize)))
}

func TestGetModelsSortedAscending(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "newer", 200, 10)
	seedModel(t, db, "older", 100, 10)

	mgr := New(db, &fakeEstimator{}, "/irrelevant")
	entries, err := mgr.GetModels(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "older", entries[0].ID)
	assert.Equal(t, "newer", entries[1].ID)
}

func TestAutoEvictStopsUnderRatio(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "m1", 100, 10)

	est := &fakeEstimator{est: quota.Estimate{Supported: true, QuotaBytes: 1000, UsageBytes: 500}}
	mgr := New(db, est, "/irrelevant", WithMaxUsageRatio(0.8))

	evicted, err := mgr.AutoEvict(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestAutoEvictEvictsOldestFirst(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "older", 100, 10)
	seedModel(t, db, "newer", 200, 10)

	est := &fakeEstimator{est: quota.Estimate{Supported: true, QuotaBytes: 1000, UsageBytes: 900}}
	mgr := New(db, est, "/irrelevant", WithMaxUsageRatio(0.8))

	evicted, err := mgr.AutoEvict(context.Background())
	require.NoError(t, err)
	// The fake estimator never reflects the eviction back into UsageBytes,
	// so AutoEvict loops until evictableEntries is empty; the first victim
	// must still be the oldest entry.
	require.NotEmpty(t, evicted)
	assert.Equal(t, "older", evicted[0])
}

func TestAutoEvictExcludesHeldEntries(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "held", 100, 10)

	est := &fakeEstimator{est: quota.Estimate{Supported: true, QuotaBytes: 1000, UsageBytes: 900}}
	mgr := New(db, est, "/irrelevant",
		WithMaxUsageRatio(0.8),
		WithHeldChecker(func(id string) bool { return id == "held" }),
	)

	evicted, err := mgr.AutoEvict(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evicted, "held entries must never be evicted")
}

func TestEvictForSpaceTargetsMaxOfRequiredAndMinFree(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "m1", 100, 10)

	est := &fakeEstimator{est: quota.Estimate{Supported: true, AvailableBytes: 100}}
	mgr := New(db, est, "/irrelevant", WithMinFreeBytes(500))

	evicted, err := mgr.EvictForSpace(context.Background(), 50)
	require.NoError(t, err)
	assert.NotEmpty(t, evicted, "available (100) < minFreeBytes (500) should trigger eviction")
}

func TestEvictForSpaceNoOpWhenAlreadyAvailable(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "m1", 100, 10)

	est := &fakeEstimator{est: quota.Estimate{Supported: true, AvailableBytes: 10_000}}
	mgr := New(db, est, "/irrelevant", WithMinFreeBytes(500))

	evicted, err := mgr.EvictForSpace(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestTouchModelUpdatesTimestamp(t *testing.T) {
	db := newTestDB(t)
	seedModel(t, db, "m1", 1, 10)

	mgr := New(db, &fakeEstimator{}, "/irrelevant")
	require.NoError(t, mgr.TouchModel(context.Background(), "m1"))

	got, err := db.GetModelMetadata(context.Background(), "m1")
	require.NoError(t, err)
	assert.Greater(t, got.LastAccessedMs, int64(1))
}
