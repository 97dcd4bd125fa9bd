// Package watchdog implements the download-stall and generation-silence
// timers (spec.md §4.9–4.10).
package watchdog

import (
	"context"
	"sync"
	"time"
)

// DownloadPollInterval is how often the download watchdog checks for
// stalled indeterminate downloads.
const DownloadPollInterval = 30 * time.Second

// IndeterminateStuckThreshold is spec.md §4.9's 5-minute silence
// threshold for indeterminate downloads.
const IndeterminateStuckThreshold = 5 * time.Minute

// DownloadState is a snapshot of the current download's progress, as
// observed by the download watchdog.
type DownloadState struct {
	Variant           string // "determinate" or "indeterminate"
	LastProgressAtMs  int64
	SinceMs           int64
}

// DownloadWatchdog polls a download's progress and reports a stuck
// indeterminate download, per spec.md §4.9. Determinate downloads are
// never flagged: their progress bytes are trusted.
type DownloadWatchdog struct {
	pollInterval time.Duration
	threshold    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// DownloadOption configures a DownloadWatchdog.
type DownloadOption func(*DownloadWatchdog)

// WithDownloadPollInterval overrides the default 30s poll interval.
func WithDownloadPollInterval(d time.Duration) DownloadOption {
	return func(w *DownloadWatchdog) { w.pollInterval = d }
}

// WithDownloadStuckThreshold overrides the default 5-minute
// indeterminate-stall threshold.
func WithDownloadStuckThreshold(d time.Duration) DownloadOption {
	return func(w *DownloadWatchdog) { w.threshold = d }
}

// NewDownloadWatchdog constructs a DownloadWatchdog with the spec's
// default poll interval and threshold.
func NewDownloadWatchdog(opts ...DownloadOption) *DownloadWatchdog {
	w := &DownloadWatchdog{
		pollInterval: DownloadPollInterval,
		threshold:    IndeterminateStuckThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins polling. getState is called on each tick to observe the
// download's current progress; onStuck is invoked at most once, the
// first time a stall is detected, after which the watchdog stops
// itself. Start returns a stop function the caller must invoke when
// leaving the DOWNLOADING state (idempotent).
func (w *DownloadWatchdog) Start(ctx context.Context, now func() time.Time, getState func() DownloadState, onStuck func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.stopped = false
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := getState()
				if st.Variant != "indeterminate" {
					continue
				}
				lastActivity := st.LastProgressAtMs
				if st.SinceMs > lastActivity {
					lastActivity = st.SinceMs
				}
				elapsed := now().UnixMilli() - lastActivity
				if time.Duration(elapsed)*time.Millisecond > w.threshold {
					onStuck()
					w.Stop()
					return
				}
			}
		}
	}()

	return w.Stop
}

// Stop cancels the watchdog's polling goroutine. Safe to call multiple
// times and from multiple goroutines.
func (w *DownloadWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.cancel == nil {
		return
	}
	w.cancel()
	w.stopped = true
}

// HealthcheckWatchdog detects token-silence during generation
// (spec.md §4.10). Active only while a generation is in flight.
type HealthcheckWatchdog struct {
	steadyStateBudget time.Duration
	prefillBudget     time.Duration

	mu            sync.Mutex
	lastTokenAtMs int64
	firstTokenSeen bool
	cancel        context.CancelFunc
	stopped       bool
}

// Option configures a HealthcheckWatchdog.
type Option func(*HealthcheckWatchdog)

// WithSteadyStateBudget overrides the default 45s steady-state silence
// budget (spec.md §9 Open Question, resolved in DESIGN.md).
func WithSteadyStateBudget(d time.Duration) Option {
	return func(h *HealthcheckWatchdog) { h.steadyStateBudget = d }
}

// WithPrefillBudget overrides the default 90s prefill silence budget,
// applied only until the first token is observed.
func WithPrefillBudget(d time.Duration) Option {
	return func(h *HealthcheckWatchdog) { h.prefillBudget = d }
}

// NewHealthcheckWatchdog constructs a HealthcheckWatchdog with the
// resolved default silence budgets.
func NewHealthcheckWatchdog(opts ...Option) *HealthcheckWatchdog {
	h := &HealthcheckWatchdog{
		steadyStateBudget: 45 * time.Second,
		prefillBudget:     90 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins polling for silence, calling onTimeout at most once when
// the budget is exceeded. Returns a stop function.
func (h *HealthcheckWatchdog) Start(ctx context.Context, now func() time.Time, onTimeout func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.lastTokenAtMs = now().UnixMilli()
	h.firstTokenSeen = false
	h.cancel = cancel
	h.stopped = false
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.Lock()
				budget := h.steadyStateBudget
				if !h.firstTokenSeen {
					budget = h.prefillBudget
				}
				elapsed := time.Duration(now().UnixMilli()-h.lastTokenAtMs) * time.Millisecond
				h.mu.Unlock()

				if elapsed > budget {
					onTimeout()
					h.Stop()
					return
				}
			}
		}
	}()

	return h.Stop
}

// RecordToken resets the silence timer; called once per emitted token.
func (h *HealthcheckWatchdog) RecordToken(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTokenAtMs = now.UnixMilli()
	h.firstTokenSeen = true
}

// Reset resets the watchdog's clock to now without stopping it, used
// after engine recreation so warmup time is not counted against the
// silence budget (spec.md §4.10).
func (h *HealthcheckWatchdog) Reset(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTokenAtMs = now.UnixMilli()
	h.firstTokenSeen = false
}

// Stop cancels the watchdog's polling goroutine. Safe to call multiple
// times and from multiple goroutines.
func (h *HealthcheckWatchdog) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.cancel == nil {
		return
	}
	h.cancel()
	h.stopped = true
}
