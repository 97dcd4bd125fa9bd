package inferno

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/inferno/internal/diagnostics"
	"github.com/ashita-ai/inferno/internal/env"
	"github.com/ashita-ai/inferno/internal/envelope"
	"github.com/ashita-ai/inferno/internal/fsm"
	"github.com/ashita-ai/inferno/internal/lru"
	"github.com/ashita-ai/inferno/internal/mcpserver"
	"github.com/ashita-ai/inferno/internal/memory"
	"github.com/ashita-ai/inferno/internal/provider"
	"github.com/ashita-ai/inferno/internal/quota"
	"github.com/ashita-ai/inferno/internal/registry"
	"github.com/ashita-ai/inferno/internal/repair"
	"github.com/ashita-ai/inferno/internal/retrybudget"
	"github.com/ashita-ai/inferno/internal/selector"
	"github.com/ashita-ai/inferno/internal/storage"
	"github.com/ashita-ai/inferno/internal/telemetry"
	"github.com/ashita-ai/inferno/internal/watchdog"
	"github.com/ashita-ai/inferno/internal/xerrors"

	"github.com/ashita-ai/inferno/migrations"
)

// maxRehydrateAttempts and rehydrateBackoff are spec.md §4.1's
// rehydration supplement: a bounded re-entry into provider selection.
const maxRehydrateAttempts = 3

var rehydrateBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Runtime is the orchestrator's lifecycle: construct with New, drive
// with Init/Generate/Abort/Teardown. Runtime has no public fields —
// use New() options to configure it.
type Runtime struct {
	mu sync.Mutex

	logger     *slog.Logger
	cfg        Config
	clock      func() time.Time
	adapters   map[provider.ID]provider.Adapter
	eventHooks []EventHook

	machine   *fsm.Machine
	db        *storage.DB
	estimator *quota.Estimator
	envDet    *env.Detector
	registry  *registry.Registry
	repairer  *repair.Repairer
	lruMgr    *lru.Manager
	stamper   *envelope.Stamper
	errRing   *diagnostics.ErrorRing
	gauges    *diagnostics.Gauges
	tracer    trace.Tracer

	selectionReport *selector.SelectionReport
	quotaReport     *selector.QuotaPreflightReport
	currentProvider provider.ID
	currentModel    *provider.ModelSpec
	timings         diagnostics.TimingsBlock
	cacheBlock      diagnostics.CacheBlock

	genCancel        context.CancelFunc
	downloadCancel   context.CancelFunc
	rehydrateAttempt int

	mcpSrv *mcpserver.Server

	memoryCfg *memory.Config
	memStore  *memory.Store

	healthcheckOpts []watchdog.Option
	downloadOpts    []watchdog.DownloadOption
}

// New constructs a Runtime: resolves options, but does not connect to
// storage, probe the environment, or accept a single request — call
// Init() for that.
func New(opts ...Option) (*Runtime, error) {
	o := newResolvedOptions()
	for _, fn := range opts {
		fn(o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(o.adapters) == 0 {
		o.adapters = map[provider.ID]provider.Adapter{provider.IDMock: provider.NewMock()}
	}
	if len(o.policyOrder) == 0 {
		o.policyOrder = []provider.ID{provider.IDMock}
	}

	envDet := o.envDetector
	if envDet == nil {
		envDet = env.NewDetector()
	}

	cfg := Config{
		StorageDir:        o.storageDir,
		PolicyOrder:       o.policyOrder,
		PrivacyMode:       o.privacyMode,
		TimeoutMultiplier: o.timeoutMultiplier,
		QuotaMargin:       o.quotaMargin,
		Models:            o.models,
		LibVersion:        o.libVersion,
	}

	gauges, err := diagnostics.NewGauges(telemetry.Meter("github.com/ashita-ai/inferno"))
	if err != nil {
		return nil, fmt.Errorf("inferno: register diagnostics gauges: %w", err)
	}

	rt := &Runtime{
		logger:     logger,
		cfg:        cfg,
		clock:      o.clock,
		adapters:   o.adapters,
		eventHooks: o.eventHooks,
		machine: fsm.New(
			fsm.WithTimeoutMultiplier(cfg.TimeoutMultiplier),
			fsm.WithLogger(logger),
			fsm.WithClock(o.clock),
		),
		estimator: quota.NewEstimator(),
		envDet:    envDet,
		registry:  registry.New(o.registryOpts...),
		stamper:   envelope.NewStamper(),
		errRing:   diagnostics.NewErrorRing(),
		gauges:    gauges,
		tracer:    telemetry.Tracer("github.com/ashita-ai/inferno"),
		memoryCfg: o.memoryCfg,

		healthcheckOpts: o.healthcheckOpts,
		downloadOpts:    o.downloadOpts,
	}

	rt.machine.Subscribe(func(next, prev fsm.RuntimeState) {
		for _, hook := range rt.eventHooks {
			hook(next, prev)
		}
	})

	if o.mcpServer {
		rt.mcpSrv = mcpserver.New(mcpAdapter{rt: rt}, logger, cfg.LibVersion)
	}

	return rt, nil
}

func (rt *Runtime) nowMs() int64 { return rt.clock().UnixMilli() }

// Subscribe registers a listener, notified synchronously on every
// transition in registration order. Returns an unsubscribe function.
func (rt *Runtime) Subscribe(listener func(next, prev RuntimeState)) func() {
	return rt.machine.Subscribe(listener)
}

// GetState returns the current lifecycle state.
func (rt *Runtime) GetState() RuntimeState { return rt.machine.Current() }

// Init drives the runtime from IDLE through provider selection, quota
// preflight, cache check, and warmup into READY. Fails with
// ERROR_INVALID_STATE if not called from IDLE.
func (rt *Runtime) Init(ctx context.Context) error {
	if rt.machine.Current().Tag != fsm.StateIdle {
		return xerrors.NewNonRecoverable(xerrors.CodeInvalidState, "init called outside IDLE",
			xerrors.WithAtState(string(rt.machine.Current().Tag)))
	}

	if err := rt.machine.Transition(fsm.RuntimeState{Tag: fsm.StateBooting, BootingStep: "opening storage"}); err != nil {
		return err
	}

	if err := rt.openStorage(ctx); err != nil {
		rt.fail(err, string(fsm.StateBooting))
		return err
	}

	return rt.selectAndBoot(ctx)
}

func (rt *Runtime) openStorage(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.db != nil {
		return nil
	}
	path := rt.cfg.StorageDir
	if path == "" {
		path = "."
	}
	db, err := storage.Open(ctx, joinPath(path, "inferno.db"), rt.logger)
	if err != nil {
		return fmt.Errorf("inferno: open storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return fmt.Errorf("inferno: run migrations: %w", err)
	}
	rt.db = db
	rt.repairer = repair.New(db)
	rt.lruMgr = lru.New(db, rt.estimator, rt.cfg.StorageDir,
		lru.WithHeldChecker(func(id string) bool { return rt.registry.RefCount(id) > 0 }))

	if rt.memoryCfg != nil && rt.memStore == nil {
		store, err := memory.New(ctx, *rt.memoryCfg, db.Conn(), rt.registry, rt.logger)
		if err != nil {
			return fmt.Errorf("inferno: construct memory store: %w", err)
		}
		rt.memStore = store
	}
	return nil
}

// Memory returns the runtime's auxiliary semantic memory store, or
// nil if WithMemory was not passed to New.
func (rt *Runtime) Memory() *memory.Store { return rt.memStore }

func joinPath(dir, file string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}

// selectAndBoot performs SELECTING_PROVIDER → ... → READY, used by
// both the initial Init call and each Rehydrate attempt.
func (rt *Runtime) selectAndBoot(ctx context.Context) error {
	selCfg := selector.Config{PolicyOrder: rt.cfg.PolicyOrder, PrivacyMode: rt.cfg.PrivacyMode}
	tried := make([]string, 0, len(rt.cfg.PolicyOrder))
	for _, id := range rt.cfg.PolicyOrder {
		tried = append(tried, string(id))
	}

	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:         fsm.StateSelectingProvider,
		PolicyOrder: tried,
	}); err != nil {
		return err
	}

	adapter, report := selector.SelectProvider(ctx, selCfg, rt.adapters, rt.nowMs())
	rt.mu.Lock()
	rt.selectionReport = &report
	rt.mu.Unlock()

	if adapter == nil {
		err := xerrors.NewNonRecoverable(xerrors.CodeNativeUnavailable, "no provider available",
			xerrors.WithAtState(string(fsm.StateSelectingProvider)))
		rt.fail(err, string(fsm.StateSelectingProvider))
		return err
	}

	providerID := *report.Selected
	rt.mu.Lock()
	rt.currentProvider = providerID
	rt.mu.Unlock()

	model, err := rt.resolveModel(ctx, providerID, report.ID)
	if err != nil {
		rt.fail(err, string(fsm.StatePreflightQuota))
		return err
	}
	rt.mu.Lock()
	rt.currentModel = model
	rt.mu.Unlock()

	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:               fsm.StatePreflightQuota,
		ModelID:           model.ID,
		ProviderID:        string(providerID),
		SelectionReportID: report.ID,
	}); err != nil {
		return err
	}

	cacheHit, err := rt.checkCache(ctx, model.ID)
	if err != nil {
		rt.fail(err, string(fsm.StateCheckingCache))
		return err
	}
	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:               fsm.StateCheckingCache,
		ModelID:           model.ID,
		ProviderID:        string(providerID),
		SelectionReportID: report.ID,
		CacheHit:          &cacheHit,
	}); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.cacheBlock.ModelID = model.ID
	rt.cacheBlock.CacheHit = &cacheHit
	rt.mu.Unlock()

	if !cacheHit {
		downloadStart := rt.nowMs()
		if err := rt.machine.Transition(fsm.RuntimeState{
			Tag:        fsm.StateDownloading,
			ModelID:    model.ID,
			ProviderID: string(providerID),
		}); err != nil {
			return err
		}
		if err := rt.downloadModel(ctx, adapter, model); err != nil {
			rt.fail(err, string(fsm.StateDownloading))
			return err
		}
		downloadMs := rt.nowMs() - downloadStart
		rt.mu.Lock()
		rt.timings.DownloadMs = &downloadMs
		rt.mu.Unlock()
	}

	warmupStart := rt.nowMs()
	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:        fsm.StateWarmingUp,
		ModelID:    model.ID,
		ProviderID: string(providerID),
	}); err != nil {
		return err
	}
	warmupMs := rt.nowMs() - warmupStart
	rt.mu.Lock()
	rt.timings.WarmupMs = &warmupMs
	rt.mu.Unlock()

	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:               fsm.StateReady,
		ModelID:           model.ID,
		ProviderID:        string(providerID),
		SelectionReportID: report.ID,
	}); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.rehydrateAttempt = 0
	rt.mu.Unlock()
	return nil
}

// resolveModel implements spec.md §4.3/§4.4: sentinel models for
// native/mock skip the quota step entirely; all others run the
// quota-aware pre-resolver over the configured candidate list.
func (rt *Runtime) resolveModel(ctx context.Context, id provider.ID, selectionReportID string) (*provider.ModelSpec, error) {
	if id == provider.IDNative || id == provider.IDMock {
		if candidates := rt.cfg.Models[id]; len(candidates) > 0 {
			return &candidates[0], nil
		}
		return &provider.ModelSpec{ID: "sentinel-" + string(id), Provider: id}, nil
	}

	candidates := rt.cfg.Models[id]
	if len(candidates) == 0 {
		return nil, xerrors.NewNonRecoverable(xerrors.CodeQuotaPreflightFail, "no candidate models configured for provider "+string(id))
	}
	for i := range candidates {
		if err := selector.ValidateModel(id, candidates[i]); err != nil {
			return nil, err
		}
	}

	model, report, err := selector.ResolveModel(ctx, id, rt.estimator, rt.cfg.StorageDir, rt.cfg.QuotaMargin, candidates)
	rt.mu.Lock()
	rt.quotaReport = &report
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (rt *Runtime) checkCache(ctx context.Context, modelID string) (bool, error) {
	if rt.db == nil {
		return true, nil
	}
	outcome, err := rt.repairer.Repair(ctx, modelID)
	rt.mu.Lock()
	rt.cacheBlock.LastAutoRepairResult = string(outcome)
	rt.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("inferno: cache repair: %w", err)
	}
	hit, err := rt.db.HasModelMetadata(ctx, modelID)
	if err != nil {
		return false, err
	}
	if hit && rt.lruMgr != nil {
		if err := rt.lruMgr.TouchModel(ctx, modelID); err != nil {
			rt.logger.Warn("inferno: touch model on cache hit", "model", modelID, "error", err)
		}
	}
	return hit, nil
}

// downloadModel runs the provider's Init under the download watchdog
// (spec.md §4.9): an indeterminate download with no progress heartbeat
// for 5 minutes is flagged stuck and the download context is cancelled,
// surfacing ERROR_NATIVE_DOWNLOAD_STUCK to the caller.
func (rt *Runtime) downloadModel(ctx context.Context, adapter provider.Adapter, model *provider.ModelSpec) (err error) {
	ctx, span := rt.tracer.Start(ctx, "inferno.download",
		trace.WithAttributes(attribute.String("model.id", model.ID), attribute.Int64("model.size_bytes", int64(model.SizeBytes))))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	downloadCtx, cancelDownload := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.downloadCancel = cancelDownload
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.downloadCancel = nil
		rt.mu.Unlock()
		cancelDownload()
	}()

	var progMu sync.Mutex
	variant := "indeterminate"
	startMs := rt.nowMs()
	lastProgressAtMs := startMs
	var stuck atomic.Bool

	// spec.md §4.6: make room for the incoming model before downloading,
	// evicting the LRU manager's oldest un-held entries first.
	if rt.lruMgr != nil {
		if _, err := rt.lruMgr.EvictForSpace(ctx, model.SizeBytes); err != nil {
			rt.logger.Warn("inferno: evict for space", "model", model.ID, "error", err)
		}
	}

	dw := watchdog.NewDownloadWatchdog(rt.downloadOpts...)
	stopWatchdog := dw.Start(downloadCtx, rt.clock, func() watchdog.DownloadState {
		progMu.Lock()
		defer progMu.Unlock()
		return watchdog.DownloadState{Variant: variant, LastProgressAtMs: lastProgressAtMs, SinceMs: startMs}
	}, func() {
		stuck.Store(true)
		cancelDownload()
	})
	defer stopWatchdog()

	loader := func(lctx context.Context) (any, int, registry.Disposer, error) {
		err := adapter.Init(lctx, model, func(downloaded uint64, total *uint64) {
			progMu.Lock()
			if total != nil {
				variant = "determinate"
			}
			lastProgressAtMs = rt.nowMs()
			progMu.Unlock()
			rt.logger.Debug("inferno: download progress", "model", model.ID, "downloaded", downloaded)
		})
		if err != nil {
			return nil, 0, nil, err
		}
		sizeMB := int(model.SizeBytes / (1024 * 1024))
		dispose := func(ctx context.Context) error { return adapter.Teardown(ctx) }
		return adapter, sizeMB, dispose, nil
	}

	_, acquireErr := rt.registry.Acquire(downloadCtx, model.ID, string(adapter.ID()), loader, 0)
	if stuck.Load() {
		return xerrors.NewRecoverable(xerrors.CodeNativeDownloadStuck, "download stalled with no progress for 5m",
			xerrors.WithAtState(string(fsm.StateDownloading)))
	}
	if acquireErr != nil {
		if downloadCtx.Err() != nil {
			// spec.md §4.11: abort is safe from any non-terminal state,
			// including DOWNLOADING; surfaced the same way a mid-generation
			// abort is, as a recoverable (rehydratable) error.
			return xerrors.NewRecoverable(xerrors.CodeAborted, "download aborted",
				xerrors.WithAtState(string(fsm.StateDownloading)))
		}
		return acquireErr
	}

	if rt.db != nil {
		now := rt.nowMs()
		if err := rt.db.PutModelMetadata(ctx, storage.ModelMetadata{
			ID: model.ID, SizeBytes: model.SizeBytes, DownloadedAtMs: now, LastAccessedMs: now,
		}); err != nil {
			return fmt.Errorf("inferno: record model metadata: %w", err)
		}
		if err := rt.db.PutBlob(ctx, model.ID, "init-marker", []byte("ok")); err != nil {
			return fmt.Errorf("inferno: record cache blob: %w", err)
		}
		if rt.lruMgr != nil {
			if _, err := rt.lruMgr.AutoEvict(ctx); err != nil {
				rt.logger.Warn("inferno: auto evict after download", "error", err)
			}
		}
	}
	return nil
}

// Generate runs a single generation request against the currently
// selected provider. The runtime must be READY.
func (rt *Runtime) Generate(ctx context.Context, params GenerateParams, onToken OnToken) (result GenerateResult, err error) {
	if len(params.Messages) == 0 {
		return GenerateResult{}, xerrors.NewNonRecoverable(xerrors.CodeInvalidInputEmptyMessages, "messages must not be empty")
	}
	if params.MaxTokens <= 0 {
		return GenerateResult{}, xerrors.NewNonRecoverable(xerrors.CodeInvalidInputMaxTokens, "maxTokens must be greater than 0")
	}
	if !rt.machine.CanGenerate() {
		return GenerateResult{}, xerrors.NewNonRecoverable(xerrors.CodeInvalidState, "generate called outside READY",
			xerrors.WithAtState(string(rt.machine.Current().Tag)))
	}

	// spec.md §4.13: clamp temperature/topP into their valid ranges
	// rather than rejecting out-of-range values.
	params.Temperature = clamp(params.Temperature, 0, 2)
	params.TopP = clamp(params.TopP, 0, 1)

	rt.mu.Lock()
	providerID := rt.currentProvider
	model := rt.currentModel
	adapter := rt.adapters[providerID]
	rt.mu.Unlock()

	epoch := rt.stamper.NextEpoch()
	ctx, span := rt.tracer.Start(ctx, "inferno.generate",
		trace.WithAttributes(attribute.String("model.id", modelIDOf(model)), attribute.Int64("epoch", epoch)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	genCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.genCancel = cancel
	rt.mu.Unlock()
	defer cancel()

	// spec.md §4.11: a provider left needing-recreate by a prior
	// mid-stream abort must rebuild its engine from cached init config
	// before serving the next request; the GENERATING silence timer is
	// reset below so warmup time isn't counted against it.
	recreated := false
	if adapter.NeedsRecreate() {
		if err := adapter.Init(genCtx, model, nil); err != nil {
			cancel()
			rt.fail(err, string(fsm.StateGenerating))
			return GenerateResult{}, err
		}
		recreated = true
	}

	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:        fsm.StateGenerating,
		ProviderID: string(providerID),
		ModelID:    modelIDOf(model),
		Epoch:      epoch,
	}); err != nil {
		cancel()
		return GenerateResult{}, err
	}

	hc := watchdog.NewHealthcheckWatchdog(rt.healthcheckOpts...)
	var hcFired atomic.Bool
	stopHC := hc.Start(genCtx, rt.clock, func() {
		hcFired.Store(true)
		_ = adapter.Abort(context.Background())
		cancel()
	})
	defer stopHC()
	if recreated {
		hc.Reset(rt.clock())
	}

	budget := retrybudget.New(params.MaxTokens)
	reqParams := provider.GenerateParams{
		Messages:    toInternalMessages(params.Messages),
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   budget.CurrentMaxTokens(),
	}

	firstTokenAt := int64(0)
	var tokenCount int64
	genStartMs := rt.nowMs()
	wrappedOnToken := func(tok string) {
		if tokenCount == 0 {
			firstTokenAt = rt.nowMs() - genStartMs
		}
		tokenCount++
		hc.RecordToken(rt.clock())
		if onToken != nil {
			onToken(tok)
		}
	}

	var genResult provider.GenerateResult
	var genErr error
	for {
		genResult, genErr = adapter.Generate(genCtx, reqParams, wrappedOnToken)
		if genErr == nil {
			break
		}
		if xe, ok := xerrors.As(genErr); ok && xe.Code == xerrors.CodePromptBudgetOverflow {
			maxTokens, retryErr := budget.PrepareRetry(genErr)
			if retryErr != nil {
				genErr = retryErr
				break
			}
			reqParams.MaxTokens = maxTokens
			continue
		}
		break
	}

	rt.mu.Lock()
	rt.genCancel = nil
	if tokenCount > 0 {
		ft := firstTokenAt
		rt.timings.FirstTokenMs = &ft
	}
	rt.mu.Unlock()

	if genErr != nil {
		if hcFired.Load() {
			// Token-silence watchdog (spec.md §4.10): abort already
			// triggered, machine returns to READY (not ERROR) so a new
			// generation can start immediately.
			hcErr := xerrors.NewRecoverable(xerrors.CodeHealthcheckTimeoutDuringGen, "token-silence timeout during generation")
			rt.errRing.PushFromError(hcErr, rt.nowMs())
			_ = rt.machine.Transition(fsm.RuntimeState{
				Tag:        fsm.StateReady,
				ProviderID: string(providerID),
				ModelID:    modelIDOf(model),
			})
			return GenerateResult{}, hcErr
		}
		if genCtx.Err() != nil {
			// Abort: the caller's awaiter sees ERROR_ABORTED, but the
			// machine returns to READY, not ERROR (spec.md §7 "Abort is
			// not an error").
			abortErr := xerrors.NewRecoverable(xerrors.CodeAborted, "generation aborted")
			rt.errRing.PushFromError(abortErr, rt.nowMs())
			_ = rt.machine.Transition(fsm.RuntimeState{
				Tag:        fsm.StateReady,
				ProviderID: string(providerID),
				ModelID:    modelIDOf(model),
			})
			return GenerateResult{}, abortErr
		}
		rt.fail(genErr, string(fsm.StateGenerating))
		return GenerateResult{}, genErr
	}

	genResult.SelectionReportID = rt.selectionReportID()
	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:        fsm.StateReady,
		ProviderID: string(providerID),
		ModelID:    modelIDOf(model),
	}); err != nil {
		return GenerateResult{}, err
	}
	return fromInternalResult(genResult), nil
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func modelIDOf(m *provider.ModelSpec) string {
	if m == nil {
		return ""
	}
	return m.ID
}

func (rt *Runtime) selectionReportID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.selectionReport == nil {
		return ""
	}
	return rt.selectionReport.ID
}

// Abort cancels an in-flight Generate call or, per spec.md §4.11 ("abort
// is safe from any non-terminal state"), an in-flight DOWNLOADING.
// Idempotent: calling Abort when nothing is generating or downloading
// leaves the runtime state unchanged; the current provider's Abort is
// still invoked.
func (rt *Runtime) Abort(ctx context.Context) error {
	rt.mu.Lock()
	cancel := rt.genCancel
	downloadCancel := rt.downloadCancel
	providerID := rt.currentProvider
	adapter := rt.adapters[providerID]
	rt.mu.Unlock()

	if downloadCancel != nil {
		downloadCancel()
	}
	if cancel != nil {
		cancel()
	}
	if adapter != nil {
		return adapter.Abort(ctx)
	}
	return nil
}

// Teardown releases all held resources and returns to IDLE. Idempotent:
// calling it twice yields the same terminal IDLE state without error.
func (rt *Runtime) Teardown(ctx context.Context) error {
	if rt.machine.Current().Tag == fsm.StateIdle {
		return nil
	}

	if err := rt.machine.Transition(fsm.RuntimeState{Tag: fsm.StateTearingDown}); err != nil {
		return err
	}

	if err := rt.registry.UnloadAll(ctx); err != nil {
		rt.logger.Warn("inferno: teardown unload all", "error", err)
	}

	if rt.memStore != nil {
		if err := rt.memStore.Close(); err != nil {
			rt.logger.Warn("inferno: teardown close memory store", "error", err)
		}
		rt.memStore = nil
	}

	rt.mu.Lock()
	db := rt.db
	rt.db = nil
	rt.mu.Unlock()
	if db != nil {
		if err := db.Close(); err != nil {
			rt.logger.Warn("inferno: teardown close storage", "error", err)
		}
	}

	return rt.machine.Transition(fsm.RuntimeState{Tag: fsm.StateIdle})
}

// Rehydrate re-enters provider selection from ERROR, bounded to 3
// attempts with exponential backoff (1s/2s/4s), per spec.md §4.1's
// rehydration supplement. Only valid from a recoverable ERROR state.
func (rt *Runtime) Rehydrate(ctx context.Context) error {
	cur := rt.machine.Current()
	if cur.Tag != fsm.StateError || !cur.CanRehydrate {
		return xerrors.NewNonRecoverable(xerrors.CodeInvalidState, "rehydrate called outside a recoverable ERROR state",
			xerrors.WithAtState(string(cur.Tag)))
	}

	rt.mu.Lock()
	rt.rehydrateAttempt++
	attempt := rt.rehydrateAttempt
	rt.mu.Unlock()

	if attempt > maxRehydrateAttempts {
		err := xerrors.NewNonRecoverable(xerrors.CodeUnknown, "rehydration attempts exhausted")
		rt.fail(err, string(fsm.StateRehydrating))
		return err
	}

	if err := rt.machine.Transition(fsm.RuntimeState{
		Tag:              fsm.StateRehydrating,
		RehydrateReason:  cur.Err.Error(),
		RehydrateAttempt: attempt,
	}); err != nil {
		return err
	}

	backoff := rehydrateBackoff[min(attempt-1, len(rehydrateBackoff)-1)]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}

	return rt.selectAndBoot(ctx)
}

// fail records err in the diagnostics ring and drives the machine into
// ERROR at the given state label.
func (rt *Runtime) fail(err error, atState string) {
	rt.errRing.PushFromError(err, rt.nowMs())
	canRehydrate := false
	if xe, ok := xerrors.As(err); ok {
		canRehydrate = xe.CanRehydrate()
	}
	_ = rt.machine.Transition(fsm.RuntimeState{
		Tag:          fsm.StateError,
		Err:          asXerror(err),
		CanRehydrate: canRehydrate,
	})
	_ = atState
}

func asXerror(err error) *xerrors.Error {
	if xe, ok := xerrors.As(err); ok {
		return xe
	}
	return xerrors.NewNonRecoverable(xerrors.CodeUnknown, err.Error())
}

// GetDiagnostics assembles the current DiagnosticsSnapshot (spec.md §6).
func (rt *Runtime) GetDiagnostics(ctx context.Context) DiagnosticsSnapshot {
	rt.mu.Lock()
	selReport := rt.selectionReport
	quotaReport := rt.quotaReport
	timings := rt.timings
	cacheBlock := rt.cacheBlock
	rt.mu.Unlock()

	fp, caps, _ := rt.envDet.Detect(ctx)

	storageBlock := diagnostics.StorageBlock{}
	if est, err := rt.estimator.Estimate(ctx, rt.cfg.StorageDir); err == nil {
		storageBlock.Supported = est.Supported
		if est.Supported {
			q, u, a := est.QuotaBytes, est.UsageBytes, est.AvailableBytes
			storageBlock.QuotaBytes = &q
			storageBlock.UsageBytes = &u
			storageBlock.AvailableBytes = &a
		}
	}

	current := rt.machine.Current()
	timings.LastStateChangeAtMs = current.SinceMs
	rt.gauges.Update(timings)

	runtimeMode := diagnostics.RuntimeModeBrowserDelegatedUnknown
	if rt.cfg.PrivacyMode == selector.PrivacyModeFullyLocalManaged {
		runtimeMode = diagnostics.RuntimeModeFullyLocalManaged
	}

	return diagnostics.Build(diagnostics.Inputs{
		LibVersion:           rt.cfg.LibVersion,
		State:                current.Tag,
		PrivacyMode:          rt.cfg.PrivacyMode,
		RuntimeMode:          runtimeMode,
		Env:                  fp,
		Capabilities:         caps,
		Storage:              storageBlock,
		Cache:                cacheBlock,
		Timings:              timings,
		SLO:                  diagnostics.DefaultSLOBlock(),
		Adapters:             diagnostics.AdaptersBlock{MessageFlattened: false, SystemPromptLocation: "system-role"},
		SelectionReport:      selReport,
		QuotaPreflightReport: quotaReport,
		Errors:               rt.errRing,
	}, rt.nowMs())
}
