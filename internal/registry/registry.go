// Package registry implements the shared, ref-counted model registry
// used by both the core provider and auxiliary feature modules to
// avoid double-loading large model weights (spec.md §4.7).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultIdleTimeout is how long a released (refCount==0) model sits
// in the registry before being unloaded, absent a per-acquire override.
const DefaultIdleTimeout = 5 * time.Minute

// BackendPriority orders backends for LRU tie-breaking when two
// entries share a lastUsedAtMs (spec.md §9 Open Question, resolved in
// DESIGN.md: native > webllm > wasm > mock).
var BackendPriority = map[string]int{
	"native": 0,
	"webllm": 1,
	"wasm":   2,
	"mock":   3,
}

func backendRank(backend string) int {
	if p, ok := BackendPriority[backend]; ok {
		return p
	}
	return len(BackendPriority) // unknown backends rank last
}

// Disposer is the opaque dispose hook a loader may register so unload
// can release provider-specific resources.
type Disposer func(ctx context.Context) error

// Loader produces a model instance. May take seconds (e.g. loading
// weights into memory); invocations for the same id are deduplicated.
type Loader func(ctx context.Context) (instance any, sizeEstimateMB int, dispose Disposer, err error)

// entry is a single registered model.
type entry struct {
	id             string
	backend        string
	instance       any
	sizeEstimateMB int
	refCount       int
	loadedAtMs     int64
	lastUsedAtMs   int64
	idleTimeoutMs  int64
	idleTimer      *time.Timer
	dispose        Disposer
	insertionSeq   int64
}

// Registry is the shared process-wide model table.
type Registry struct {
	mu              sync.Mutex
	entries         map[string]*entry
	insertionSeq    int64
	currentUsageMB  int
	maxMemoryMB     int
	defaultIdleMs   int64
	logger          *slog.Logger
	group           singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxMemoryMB bounds the registry's resident set before LRU
// eviction of refCount-zero entries kicks in.
func WithMaxMemoryMB(mb int) Option { return func(r *Registry) { r.maxMemoryMB = mb } }

// WithDefaultIdleTimeout overrides DefaultIdleTimeout.
func WithDefaultIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultIdleMs = d.Milliseconds() }
}

// WithLogger installs a structured logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option { return func(r *Registry) { r.logger = logger } }

// New constructs a Registry. Per spec.md §4.7, a single process-wide
// instance normally exists (lazily created); tests construct their own
// hermetic instances directly rather than reaching for a package
// global (spec.md §9 "inject at construction, not global").
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		maxMemoryMB:   4096,
		defaultIdleMs: DefaultIdleTimeout.Milliseconds(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements spec.md §4.7's acquire contract: returns an
// existing instance with an incremented refCount, or invokes loader
// (deduplicated by id) to create one, evicting refCount-zero entries
// first if the memory budget would be exceeded.
func (r *Registry) Acquire(ctx context.Context, id, backend string, loader Loader, idleTimeoutMs int64) (any, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.refCount++
		e.lastUsedAtMs = time.Now().UnixMilli()
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		instance := e.instance
		r.mu.Unlock()
		return instance, nil
	}
	r.mu.Unlock()

	type loaded struct {
		instance any
		sizeMB   int
		dispose  Disposer
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.entries[id]; ok {
			// Another caller won the race between our unlock above and
			// singleflight.Do; reuse it rather than loading twice. The
			// acquire is counted once, in the block after group.Do.
			instance := e.instance
			r.mu.Unlock()
			return loaded{instance: instance}, nil
		}
		r.mu.Unlock()

		instance, sizeMB, dispose, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return loaded{instance: instance, sizeMB: sizeMB, dispose: dispose}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", id, err)
	}
	l := v.(loaded)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		// Already inserted by a concurrent caller that raced us between
		// the singleflight call returning and this lock acquisition.
		// Every blocked caller reaches this branch independently (only
		// the winner of group.Do's closure inserts the entry), so each
		// one must still count as a distinct acquire.
		e.refCount++
		e.lastUsedAtMs = time.Now().UnixMilli()
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		return e.instance, nil
	}

	if r.currentUsageMB+l.sizeMB > r.maxMemoryMB {
		r.evictForBudgetLocked(r.maxMemoryMB - l.sizeMB)
	}

	now := time.Now().UnixMilli()
	r.insertionSeq++
	r.entries[id] = &entry{
		id:             id,
		backend:        backend,
		instance:       l.instance,
		sizeEstimateMB: l.sizeMB,
		refCount:       1,
		loadedAtMs:     now,
		lastUsedAtMs:   now,
		idleTimeoutMs:  idleTimeoutMs,
		dispose:        l.dispose,
		insertionSeq:   r.insertionSeq,
	}
	r.currentUsageMB += l.sizeMB
	return l.instance, nil
}

// Release decrements refCount (floor 0); at 0, arms the idle timer.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 {
		timeout := e.idleTimeoutMs
		if timeout <= 0 {
			timeout = r.defaultIdleMs
		}
		e.idleTimer = time.AfterFunc(time.Duration(timeout)*time.Millisecond, func() {
			r.unloadIfIdle(id)
		})
	}
}

func (r *Registry) unloadIfIdle(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.refCount != 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.currentUsageMB -= e.sizeEstimateMB
	r.mu.Unlock()

	if e.dispose != nil {
		if err := e.dispose(context.Background()); err != nil {
			r.logger.Warn("registry: dispose failed on idle unload", "id", id, "error", err)
		}
	}
}

// Unload synchronously tears down a single model regardless of
// refCount, calling its dispose hook if one was registered.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	delete(r.entries, id)
	r.currentUsageMB -= e.sizeEstimateMB
	r.mu.Unlock()

	if e.dispose != nil {
		return e.dispose(ctx)
	}
	return nil
}

// UnloadAll synchronously tears down every registered model.
func (r *Registry) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Unload(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RefCount returns the current reference count for id, or 0 if unknown.
func (r *Registry) RefCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refCount
	}
	return 0
}

// IsLoaded reports whether id currently has a registered instance.
func (r *Registry) IsLoaded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// evictForBudgetLocked evicts refCount-zero entries, oldest lastUsedAtMs
// first (tie-break: lower backend priority, then insertion order),
// until currentUsageMB ≤ targetMB. Caller must hold r.mu.
func (r *Registry) evictForBudgetLocked(targetMB int) {
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.refCount == 0 {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.lastUsedAtMs != b.lastUsedAtMs {
			return a.lastUsedAtMs < b.lastUsedAtMs
		}
		if backendRank(a.backend) != backendRank(b.backend) {
			return backendRank(a.backend) > backendRank(b.backend) // lower priority backend evicted first
		}
		return a.insertionSeq < b.insertionSeq
	})

	for _, e := range candidates {
		if r.currentUsageMB <= targetMB {
			return
		}
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		delete(r.entries, e.id)
		r.currentUsageMB -= e.sizeEstimateMB
		if e.dispose != nil {
			go func(d Disposer, id string) {
				if err := d(context.Background()); err != nil {
					r.logger.Warn("registry: dispose failed during LRU eviction", "id", id, "error", err)
				}
			}(e.dispose, e.id)
		}
	}
}

// Reset clears every registered model without disposing them,
// supporting hermetic test fixtures per spec.md §4.7.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
	}
	r.entries = make(map[string]*entry)
	r.currentUsageMB = 0
}
