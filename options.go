package inferno

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/inferno/internal/env"
	"github.com/ashita-ai/inferno/internal/memory"
	"github.com/ashita-ai/inferno/internal/provider"
	"github.com/ashita-ai/inferno/internal/registry"
	"github.com/ashita-ai/inferno/internal/watchdog"
)

// Option configures a Runtime at construction, same shape as the
// teacher's akashi.Option: apply, resolve, wire subsystems in
// dependency order, return a not-yet-initialized value.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after defaults and
// With* calls have been applied. Unexported — callers use the With*
// functions.
type resolvedOptions struct {
	logger            *slog.Logger
	storageDir        string
	policyOrder       []provider.ID
	privacyMode       string
	timeoutMultiplier float64
	quotaMargin       float64
	models            map[provider.ID][]provider.ModelSpec
	adapters          map[provider.ID]provider.Adapter
	registryOpts      []registry.Option
	envDetector       *env.Detector
	eventHooks        []EventHook
	libVersion        string
	clock             func() time.Time
	mcpServer         bool
	memoryCfg         *memory.Config
	healthcheckOpts   []watchdog.Option
	downloadOpts      []watchdog.DownloadOption
}

// EventHook receives every state transition the runtime makes, in
// addition to whatever was passed to Subscribe. Used by host
// processes that want a single, always-registered observer (e.g. for
// an SSE diagnostics stream) without depending on subscribe/
// unsubscribe lifecycle management.
type EventHook func(next, prev RuntimeState)

// WithLogger installs a structured logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithStorageDir sets the directory backing the SQLite content cache
// and metadata index, and the path the quota estimator measures.
func WithStorageDir(dir string) Option {
	return func(o *resolvedOptions) { o.storageDir = dir }
}

// WithPolicyOrder sets the provider selector's candidate order
// (spec.md §4.2).
func WithPolicyOrder(order ...provider.ID) Option {
	return func(o *resolvedOptions) { o.policyOrder = order }
}

// WithPrivacyMode sets the active privacy posture; "fully-local-managed"
// excludes the native provider from selection (spec.md §4.2.b).
func WithPrivacyMode(mode string) Option {
	return func(o *resolvedOptions) { o.privacyMode = mode }
}

// WithTimeoutMultiplier scales every state's baseline deadline
// (spec.md §4.1).
func WithTimeoutMultiplier(m float64) Option {
	return func(o *resolvedOptions) { o.timeoutMultiplier = m }
}

// WithQuotaMargin overrides the quota pre-resolver's safety margin
// (spec.md §4.4 default 0.05).
func WithQuotaMargin(m float64) Option {
	return func(o *resolvedOptions) { o.quotaMargin = m }
}

// WithModels registers the candidate model list (primary first, then
// smaller fallbacks) for a provider.
func WithModels(id provider.ID, models ...provider.ModelSpec) Option {
	return func(o *resolvedOptions) { o.models[id] = models }
}

// WithProviders registers adapters by ID, replacing the default-wired
// set. At least one adapter must be registered for New to succeed.
func WithProviders(adapters map[provider.ID]provider.Adapter) Option {
	return func(o *resolvedOptions) {
		for id, a := range adapters {
			o.adapters[id] = a
		}
	}
}

// WithRegistry passes through options to the internal model registry
// (memory budget, idle timeout).
func WithRegistry(opts ...registry.Option) Option {
	return func(o *resolvedOptions) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithGPUProbe overrides the environment detector's GPU probe, mainly
// for tests exercising the webllm "standard" tier.
func WithGPUProbe(p env.GPUProbe) Option {
	return func(o *resolvedOptions) { o.envDetector = env.NewDetector(env.WithGPUProbe(p)) }
}

// WithEventHook registers an always-on transition observer.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithLibVersion sets the version string reported in diagnostics.
func WithLibVersion(v string) Option {
	return func(o *resolvedOptions) { o.libVersion = v }
}

// WithClock overrides the runtime's time source, for deterministic
// tests.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}

// WithMCPServer enables construction of the MCP tool surface
// (internal/mcpserver) alongside the runtime.
func WithMCPServer() Option {
	return func(o *resolvedOptions) { o.mcpServer = true }
}

// WithHealthcheckBudgets overrides the token-silence watchdog's
// steady-state and prefill silence budgets (spec.md §4.10, §9 Open
// Question; defaults 45s/90s). Mainly for tests that want to exercise
// ERROR_HEALTHCHECK_TIMEOUT_DURING_GENERATION without waiting 45s.
func WithHealthcheckBudgets(steadyState, prefill time.Duration) Option {
	return func(o *resolvedOptions) {
		o.healthcheckOpts = append(o.healthcheckOpts,
			watchdog.WithSteadyStateBudget(steadyState), watchdog.WithPrefillBudget(prefill))
	}
}

// WithDownloadWatchdog overrides the download watchdog's poll interval
// and indeterminate-stall threshold (spec.md §4.9; defaults 30s/5m).
// Mainly for tests that want to exercise ERROR_NATIVE_DOWNLOAD_STUCK
// without waiting 5 minutes.
func WithDownloadWatchdog(pollInterval, stuckThreshold time.Duration) Option {
	return func(o *resolvedOptions) {
		o.downloadOpts = append(o.downloadOpts,
			watchdog.WithDownloadPollInterval(pollInterval), watchdog.WithDownloadStuckThreshold(stuckThreshold))
	}
}

// WithMemory enables the auxiliary semantic memory module
// (internal/memory) alongside the runtime, available through
// Runtime.Memory(). Without this option, Runtime.Memory() returns nil.
func WithMemory(cfg memory.Config) Option {
	return func(o *resolvedOptions) { o.memoryCfg = &cfg }
}

func newResolvedOptions() *resolvedOptions {
	cfg := defaultConfig()
	return &resolvedOptions{
		storageDir:        cfg.StorageDir,
		policyOrder:       cfg.PolicyOrder,
		privacyMode:       cfg.PrivacyMode,
		timeoutMultiplier: cfg.TimeoutMultiplier,
		quotaMargin:       cfg.QuotaMargin,
		models:            map[provider.ID][]provider.ModelSpec{},
		adapters:          map[provider.ID]provider.Adapter{},
		libVersion:        cfg.LibVersion,
		clock:             time.Now,
	}
}
