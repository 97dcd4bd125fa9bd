// Package repair reconciles the content cache and metadata index when
// they have fallen out of sync (spec.md §4.5).
package repair

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/inferno/internal/storage"
)

// Outcome describes what auto-repair did for a model id, surfaced in
// diagnostics as cache.lastAutoRepairResult.
type Outcome string

const (
	OutcomeNone       Outcome = "not-needed"
	OutcomeRepaired   Outcome = "repaired"
	OutcomeFailed     Outcome = "failed"
)

// Store is the subset of internal/storage that auto-repair depends on.
type Store interface {
	HasCacheEntry(ctx context.Context, modelID string) (bool, error)
	HasModelMetadata(ctx context.Context, modelID string) (bool, error)
	PurgeCacheEntries(ctx context.Context, modelID string) error
	DeleteModelMetadata(ctx context.Context, modelID string) error
}

var _ Store = (*storage.DB)(nil)

// Repairer runs the cache/metadata reconciliation table.
type Repairer struct {
	store Store
}

// New constructs a Repairer over store.
func New(store Store) *Repairer {
	return &Repairer{store: store}
}

// Repair runs the spec.md §4.5 reconciliation table for modelID:
//
//	cache hit | metadata hit | action
//	yes       | yes          | none
//	no        | no           | none
//	yes       | no           | purge cache entry (treat as corrupt)
//	no        | yes          | delete metadata (orphan)
func (r *Repairer) Repair(ctx context.Context, modelID string) (Outcome, error) {
	var cacheHit, metaHit bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cacheHit, err = r.store.HasCacheEntry(gctx, modelID)
		return err
	})
	g.Go(func() error {
		var err error
		metaHit, err = r.store.HasModelMetadata(gctx, modelID)
		return err
	})
	if err := g.Wait(); err != nil {
		return OutcomeFailed, fmt.Errorf("repair: presence check for %s: %w", modelID, err)
	}

	switch {
	case cacheHit && metaHit:
		return OutcomeNone, nil
	case !cacheHit && !metaHit:
		return OutcomeNone, nil
	case cacheHit && !metaHit:
		if err := r.store.PurgeCacheEntries(ctx, modelID); err != nil {
			return OutcomeFailed, fmt.Errorf("repair: purge orphaned cache for %s: %w", modelID, err)
		}
		return OutcomeRepaired, nil
	default: // !cacheHit && metaHit
		if err := r.store.DeleteModelMetadata(ctx, modelID); err != nil {
			return OutcomeFailed, fmt.Errorf("repair: delete orphaned metadata for %s: %w", modelID, err)
		}
		return OutcomeRepaired, nil
	}
}
