package provider

import (
	"context"

	"github.com/ashita-ai/inferno/internal/xerrors"
)

// stub is a provider adapter that truthfully reports itself as
// unavailable on every platform this module runs on: the real native,
// WebGPU/WebNN-backed WebLLM, and WASM engines all require a browser
// (or, for native, a platform-specific shared library) this module
// does not carry. Wiring a real implementation is future work tracked
// per-adapter below; until then Detect's honest false keeps the
// selector's fallback chain exercised end-to-end.
type stub struct {
	id     ID
	reason string
}

// NewNativeStub returns the native-backend stand-in. A real
// implementation would shell out to a platform GPU runtime; host
// processes that need native inference should supply their own
// Adapter.
func NewNativeStub() Adapter { return &stub{id: IDNative, reason: "native backend not linked into this build"} }

// NewWebLLMStub returns the WebLLM stand-in; WebLLM requires a
// browser's WebGPU context, which a Go process never has.
func NewWebLLMStub() Adapter { return &stub{id: IDWebLLM, reason: "WebGPU is not available outside a browser"} }

// NewWasmStub returns the WASM-backend stand-in; the reference WASM
// engine this adapter would wrap is itself compiled for and hosted by
// a browser's WebAssembly runtime.
func NewWasmStub() Adapter { return &stub{id: IDWasm, reason: "WASM engine runtime not embedded in this build"} }

func (s *stub) ID() ID { return s.id }

func (s *stub) Detect(ctx context.Context, privacyMode string) (DetectResult, error) {
	return DetectResult{Available: false, Reason: s.reason}, nil
}

func (s *stub) Init(ctx context.Context, model *ModelSpec, onProgress OnProgress) error {
	return xerrors.NewNonRecoverable(xerrors.CodeNativeUnavailable, s.reason, xerrors.WithAtProvider(string(s.id)))
}

func (s *stub) Generate(ctx context.Context, params GenerateParams, onToken OnToken) (GenerateResult, error) {
	return GenerateResult{}, xerrors.NewNonRecoverable(xerrors.CodeNativeUnavailable, s.reason, xerrors.WithAtProvider(string(s.id)))
}

func (s *stub) Abort(ctx context.Context) error { return nil }

func (s *stub) Teardown(ctx context.Context) error { return nil }

func (s *stub) DownloadProgress() (DownloadProgress, bool) { return DownloadProgress{}, false }

func (s *stub) NeedsRecreate() bool { return false }
