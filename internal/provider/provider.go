// Package provider defines the closed provider-adapter contract
// (spec.md §6) and its implementations: a fully-functional mock and
// three stubs (wasm, native, webllm) that faithfully report
// unavailability outside a browser process.
package provider

import "context"

// ID is a closed enumeration of provider identifiers (spec.md §3),
// extensible by adding new constants, never by open inheritance.
type ID string

const (
	IDNative ID = "native"
	IDWebLLM ID = "webllm"
	IDWebNN  ID = "webnn"
	IDWasm   ID = "wasm"
	IDMock   ID = "mock"
	IDSmolLM ID = "smollm"
)

// ChatTemplateSimple is the one stable supported chat template format
// (spec.md §3: "If chatTemplate.format is not simple, initialization
// MUST fail with a template-unsupported error").
const ChatTemplateSimple = "simple"

// ChatTemplate describes the prompt-formatting contract a model
// expects.
type ChatTemplate struct {
	Format string
}

// ModelSpec is spec.md §3's ModelSpec record.
type ModelSpec struct {
	ID                  string
	Label               string
	Provider            ID
	Source              string
	SizeBytes           uint64
	Tier                int // 1, 2, or 3; 0 means unset
	ContextWindowTokens int
	HFRepo              string
	EngineCompat        []string
	Integrity           string
	ChatTemplate        ChatTemplate
}

// SupportFlags declares which optional behaviors a provider offers.
type SupportFlags struct {
	Streaming        bool
	Abort            bool
	SystemRole       bool
	DownloadProgress bool
}

// DetectResult is the outcome of probing a provider's availability.
type DetectResult struct {
	Available    bool
	Reason       string
	PrivacyClaim string
	Supports     SupportFlags
}

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// GenerateParams is the (already-validated, clamped) input to a single
// generation request.
type GenerateParams struct {
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateResult is the final, non-streaming outcome of a generation.
type GenerateResult struct {
	Text              string
	Usage             *Usage
	ProviderID        ID
	ModelID           string
	SelectionReportID string
}

// OnToken is invoked once per emitted token during streaming
// generation.
type OnToken func(token string)

// OnProgress is invoked with monotone non-decreasing byte counts
// during Init's download phase. totalBytes is nil for indeterminate
// downloads.
type OnProgress func(downloadedBytes uint64, totalBytes *uint64)

// DownloadProgress is the provider's self-reported download state.
type DownloadProgress struct {
	DownloadedBytes *uint64
	TotalBytes      *uint64
	Percent         *float64
	Text            string
}

// Adapter is the closed provider contract every backend implements
// (spec.md §6). Required semantics: Abort must cause a pending
// Generate to either complete with partial text or return an error;
// Init must be idempotent against onProgress, which is always called
// with monotone non-decreasing byte counts.
type Adapter interface {
	ID() ID
	Detect(ctx context.Context, privacyMode string) (DetectResult, error)
	Init(ctx context.Context, model *ModelSpec, onProgress OnProgress) error
	Generate(ctx context.Context, params GenerateParams, onToken OnToken) (GenerateResult, error)
	Abort(ctx context.Context) error
	Teardown(ctx context.Context) error
	DownloadProgress() (DownloadProgress, bool)
	// NeedsRecreate reports whether the engine was left corrupted by a
	// mid-stream abort and must be rebuilt before the next Generate
	// (spec.md §4.11).
	NeedsRecreate() bool
}
