// Package diagnostics assembles the runtime's introspection snapshot
// (spec.md §6) and publishes its timing fields as OTEL gauges.
package diagnostics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/inferno/internal/env"
	"github.com/ashita-ai/inferno/internal/fsm"
	"github.com/ashita-ai/inferno/internal/selector"
	"github.com/ashita-ai/inferno/internal/xerrors"
)

// SchemaVersion is the stable version tag every snapshot carries.
const SchemaVersion = "1"

// Runtime modes for the privacy block (spec.md §6).
const (
	RuntimeModeFullyLocalManaged           = "fully-local-managed"
	RuntimeModeBrowserDelegatedUnknown     = "browser-delegated-unknown"
	RuntimeModeBrowserDelegatedOnDeviceClaimed = "browser-delegated-on-device-claimed"
)

// PrivacyBlock reports the active privacy posture.
type PrivacyBlock struct {
	PrivacyMode string `json:"privacyMode"`
	RuntimeMode string `json:"runtimeMode"`
	Note        string `json:"note,omitempty"`
}

// StorageBlock reports quota support and the last observed triple.
type StorageBlock struct {
	Supported      bool    `json:"supported"`
	QuotaBytes     *uint64 `json:"quotaBytes,omitempty"`
	UsageBytes     *uint64 `json:"usageBytes,omitempty"`
	AvailableBytes *uint64 `json:"availableBytes,omitempty"`
}

// CacheBlock reports the outcome of the most recent cache lookup.
type CacheBlock struct {
	ModelID              string `json:"modelId,omitempty"`
	CacheHit             *bool  `json:"cacheHit,omitempty"`
	LastAutoRepairResult string `json:"lastAutoRepairResult,omitempty"`
}

// TimingsBlock reports phase durations and throughput.
type TimingsBlock struct {
	BootMs            *int64  `json:"bootMs,omitempty"`
	DownloadMs        *int64  `json:"downloadMs,omitempty"`
	WarmupMs          *int64  `json:"warmupMs,omitempty"`
	FirstTokenMs      *int64  `json:"firstTokenMs,omitempty"`
	TokensPerSecond   *float64 `json:"tokensPerSecond,omitempty"`
	LastStateChangeAtMs int64  `json:"lastStateChangeAtMs"`
}

// SLOBlock reports the target budgets and last-observed values (spec.md §6).
type SLOBlock struct {
	FeedbackUIP95TargetMs   int64    `json:"feedbackUiP95TargetMs"`
	AbortUIP95TargetMs      int64    `json:"abortUiP95TargetMs"`
	BootingP95TargetMs      int64    `json:"bootingP95TargetMs"`
	WorkerChunkGzipMaxBytes int64    `json:"workerChunkGzipMaxBytes"`
	ObservedFeedbackUIP95Ms *float64 `json:"observedFeedbackUiP95Ms,omitempty"`
	ObservedAbortUIP95Ms    *float64 `json:"observedAbortUiP95Ms,omitempty"`
	ObservedBootingP95Ms    *float64 `json:"observedBootingP95Ms,omitempty"`
}

// DefaultSLOBlock returns spec.md §6's fixed SLO targets with no
// observations yet recorded.
func DefaultSLOBlock() SLOBlock {
	return SLOBlock{
		FeedbackUIP95TargetMs:   200,
		AbortUIP95TargetMs:      500,
		BootingP95TargetMs:      2000,
		WorkerChunkGzipMaxBytes: 10 * 1024 * 1024,
	}
}

// AdaptersBlock reports fixed adapter behavior facts.
type AdaptersBlock struct {
	MessageFlattened     bool   `json:"messageFlattened"`
	SystemPromptLocation string `json:"systemPromptLocation"`
}

// RecordedError is one entry in the recentErrors ring buffer.
type RecordedError struct {
	Code        xerrors.Code `json:"code"`
	Message     string       `json:"message"`
	AtState     string       `json:"atState,omitempty"`
	AtProvider  string       `json:"atProvider,omitempty"`
	TimestampMs int64        `json:"timestampMs"`
}

// Snapshot is spec.md §6's DiagnosticsSnapshot.
type Snapshot struct {
	SchemaVersion        string                         `json:"schemaVersion"`
	GeneratedAtMs        int64                          `json:"generatedAtMs"`
	LibVersion           string                         `json:"libVersion"`
	SelectionReport      *selector.SelectionReport      `json:"selectionReport,omitempty"`
	QuotaPreflightReport *selector.QuotaPreflightReport  `json:"quotaPreflightReport,omitempty"`
	State                fsm.State                      `json:"state"`
	Privacy              PrivacyBlock                   `json:"privacy"`
	Env                  env.DeviceFingerprint           `json:"env"`
	Capabilities         env.Capabilities                `json:"capabilities"`
	Storage              StorageBlock                    `json:"storage"`
	Cache                CacheBlock                      `json:"cache"`
	Timings              TimingsBlock                    `json:"timings"`
	SLO                  SLOBlock                        `json:"slo"`
	Adapters             AdaptersBlock                   `json:"adapters"`
	RecentErrors         []RecordedError                 `json:"recentErrors"`
}

// ringCapacity is spec.md §6's fixed recentErrors buffer size.
const ringCapacity = 10

// ErrorRing is a fixed-size, overwrite-on-full ring buffer of recorded
// errors; grounded on the teacher's bounded in-memory maps
// (checkTracker, rootsCache), generalized here to a plain ring since
// entries are overwritten on overflow, never TTL-expired.
type ErrorRing struct {
	mu     sync.Mutex
	buf    [ringCapacity]RecordedError
	count  int
	cursor int
}

// NewErrorRing constructs an empty ErrorRing.
func NewErrorRing() *ErrorRing { return &ErrorRing{} }

// Push records e, evicting the oldest entry once the ring is full.
func (r *ErrorRing) Push(e RecordedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.cursor] = e
	r.cursor = (r.cursor + 1) % ringCapacity
	if r.count < ringCapacity {
		r.count++
	}
}

// Snapshot returns the recorded errors in oldest-to-newest order.
func (r *ErrorRing) Snapshot() []RecordedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedError, 0, r.count)
	start := (r.cursor - r.count + ringCapacity) % ringCapacity
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%ringCapacity])
	}
	return out
}

// PushFromError records a recorded error derived from err, unwrapping
// *xerrors.Error when possible.
func (r *ErrorRing) PushFromError(err error, nowMs int64) {
	if xe, ok := xerrors.As(err); ok {
		r.Push(RecordedError{Code: xe.Code, Message: xe.Message, AtState: xe.AtState, AtProvider: xe.AtProvider, TimestampMs: xe.TimestampMs})
		return
	}
	r.Push(RecordedError{Code: xerrors.CodeUnknown, Message: err.Error(), TimestampMs: nowMs})
}

// Gauges publishes the snapshot's Timings block as OTEL observable
// gauges, grounded on internal/telemetry's Meter().
type Gauges struct {
	mu             sync.Mutex
	bootMs         float64
	downloadMs     float64
	warmupMs       float64
	firstTokenMs   float64
	tokensPerSecond float64
}

// NewGauges registers the timings.* gauges against the given meter.
func NewGauges(meter metric.Meter) (*Gauges, error) {
	g := &Gauges{}
	if _, err := meter.Float64ObservableGauge("inferno.timings.boot_ms",
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.bootMs)
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err := meter.Float64ObservableGauge("inferno.timings.download_ms",
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.downloadMs)
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err := meter.Float64ObservableGauge("inferno.timings.warmup_ms",
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.warmupMs)
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err := meter.Float64ObservableGauge("inferno.timings.first_token_ms",
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.firstTokenMs)
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err := meter.Float64ObservableGauge("inferno.timings.tokens_per_second",
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.tokensPerSecond)
			return nil
		})); err != nil {
		return nil, err
	}
	return g, nil
}

// Update records the latest timings for the next callback-driven
// collection.
func (g *Gauges) Update(t TimingsBlock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.BootMs != nil {
		g.bootMs = float64(*t.BootMs)
	}
	if t.DownloadMs != nil {
		g.downloadMs = float64(*t.DownloadMs)
	}
	if t.WarmupMs != nil {
		g.warmupMs = float64(*t.WarmupMs)
	}
	if t.FirstTokenMs != nil {
		g.firstTokenMs = float64(*t.FirstTokenMs)
	}
	if t.TokensPerSecond != nil {
		g.tokensPerSecond = *t.TokensPerSecond
	}
}
