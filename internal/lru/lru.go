// Package lru composes the content cache, metadata index, and quota
// estimator into an eviction policy (spec.md §4.6).
package lru

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/inferno/internal/quota"
	"github.com/ashita-ai/inferno/internal/storage"
)

// DefaultMaxUsageRatio and DefaultMinFreeBytes mirror spec.md §4.6's
// declared defaults.
const (
	DefaultMaxUsageRatio = 0.8
	DefaultMinFreeBytes  = 500 * 1024 * 1024
)

// Entry is a single model's cache-manager view: metadata plus its
// current on-disk size.
type Entry struct {
	ID             string
	SizeBytes      uint64
	LastAccessedMs int64
}

// HeldChecker reports whether a model currently has external holders
// (e.g. a non-zero refCount in the shared registry) and is therefore
// ineligible for eviction, per spec.md §4.6 "entries with external
// holders excluded".
type HeldChecker func(id string) bool

// Estimator is the subset of internal/quota.Estimator that the LRU
// manager depends on, narrowed to an interface so tests can substitute
// a fake without touching the real filesystem.
type Estimator interface {
	Estimate(ctx context.Context, path string) (quota.Estimate, error)
}

// Manager implements getModels/touchModel/autoEvict/evictForSpace.
type Manager struct {
	store         *storage.DB
	estimator     Estimator
	storageDir    string
	maxUsageRatio float64
	minFreeBytes  uint64
	isHeld        HeldChecker
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxUsageRatio overrides DefaultMaxUsageRatio.
func WithMaxUsageRatio(r float64) Option { return func(m *Manager) { m.maxUsageRatio = r } }

// WithMinFreeBytes overrides DefaultMinFreeBytes.
func WithMinFreeBytes(b uint64) Option { return func(m *Manager) { m.minFreeBytes = b } }

// WithHeldChecker installs the callback used to exclude externally-held
// models from eviction.
func WithHeldChecker(fn HeldChecker) Option { return func(m *Manager) { m.isHeld = fn } }

// New constructs a Manager over store, using estimator against
// storageDir for quota/usage queries.
func New(store *storage.DB, estimator Estimator, storageDir string, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		estimator:     estimator,
		storageDir:    storageDir,
		maxUsageRatio: DefaultMaxUsageRatio,
		minFreeBytes:  DefaultMinFreeBytes,
		isHeld:        func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetModels returns every cached model sorted by last-accessed
// ascending, enriched with its on-disk cache size.
func (m *Manager) GetModels(ctx context.Context) ([]Entry, error) {
	records, err := m.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("lru: list models: %w", err)
	}
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		size, err := m.store.CacheSizeBytes(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("lru: cache size for %s: %w", r.ID, err)
		}
		out = append(out, Entry{ID: r.ID, SizeBytes: size, LastAccessedMs: r.LastAccessedMs})
	}
	return out, nil
}

// TouchModel updates a model's last-accessed timestamp to now.
func (m *Manager) TouchModel(ctx context.Context, id string) error {
	return m.store.TouchModel(ctx, id, time.Now().UnixMilli())
}

// evictOne removes a model's cache blobs and metadata record.
func (m *Manager) evictOne(ctx context.Context, id string) error {
	if err := m.store.PurgeCacheEntries(ctx, id); err != nil {
		return fmt.Errorf("lru: evict purge cache %s: %w", id, err)
	}
	if err := m.store.DeleteModelMetadata(ctx, id); err != nil {
		return fmt.Errorf("lru: evict delete metadata %s: %w", id, err)
	}
	return nil
}

// evictableEntries returns GetModels filtered to exclude externally
// held models, in ascending last-accessed order (GetModels' order is
// preserved).
func (m *Manager) evictableEntries(ctx context.Context) ([]Entry, error) {
	entries, err := m.GetModels(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if !m.isHeld(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AutoEvict evicts oldest entries until usage ≤ maxUsageRatio × quota.
// Returns the ids evicted, in eviction order.
func (m *Manager) AutoEvict(ctx context.Context) ([]string, error) {
	var evicted []string
	for {
		est, err := m.estimator.Estimate(ctx, m.storageDir)
		if err != nil {
			return evicted, fmt.Errorf("lru: estimate: %w", err)
		}
		if !est.Supported || est.QuotaBytes == 0 {
			return evicted, nil
		}
		if float64(est.UsageBytes) <= m.maxUsageRatio*float64(est.QuotaBytes) {
			return evicted, nil
		}

		entries, err := m.evictableEntries(ctx)
		if err != nil {
			return evicted, err
		}
		if len(entries) == 0 {
			return evicted, nil // nothing left to evict, even though over budget
		}

		victim := entries[0]
		if err := m.evictOne(ctx, victim.ID); err != nil {
			return evicted, err
		}
		evicted = append(evicted, victim.ID)
	}
}

// EvictForSpace evicts oldest entries until available bytes on
// storageDir is at least max(requiredBytes, minFreeBytes). Returns the
// ids evicted, in eviction order.
func (m *Manager) EvictForSpace(ctx context.Context, requiredBytes uint64) ([]string, error) {
	target := requiredBytes
	if m.minFreeBytes > target {
		target = m.minFreeBytes
	}

	var evicted []string
	for {
		est, err := m.estimator.Estimate(ctx, m.storageDir)
		if err != nil {
			return evicted, fmt.Errorf("lru: estimate: %w", err)
		}
		if !est.Supported || est.AvailableBytes >= target {
			return evicted, nil
		}

		entries, err := m.evictableEntries(ctx)
		if err != nil {
			return evicted, err
		}
		if len(entries) == 0 {
			return evicted, nil
		}

		victim := entries[0]
		if err := m.evictOne(ctx, victim.ID); err != nil {
			return evicted, err
		}
		evicted = append(evicted, victim.ID)
	}
}
