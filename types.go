// Package inferno is the public API for embedding the on-device
// inference orchestration runtime in a Go process.
//
// Application code constructs and drives a Runtime without reaching
// into internal/*:
//
//	rt, err := inferno.New(
//	    inferno.WithStorageDir("./data"),
//	    inferno.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := rt.Init(ctx); err != nil { ... }
//	result, err := rt.Generate(ctx, inferno.GenerateParams{
//	    Messages: []inferno.Message{{Role: "user", Content: "hi"}},
//	}, nil)
//
// The import graph enforces a strict no-cycle rule: inferno (root)
// imports internal/*, but internal/* never imports inferno. Public
// types below are standalone structs (or aliases of internal-package
// types, which is safe since Go type aliases carry no import
// requirement on the consumer) so callers never need to import an
// internal package.
package inferno

import (
	"github.com/ashita-ai/inferno/internal/diagnostics"
	"github.com/ashita-ai/inferno/internal/fsm"
	"github.com/ashita-ai/inferno/internal/provider"
)

// RuntimeState is the orchestrator's current lifecycle state
// (spec.md §3).
type RuntimeState = fsm.RuntimeState

// State is one of the 13 named lifecycle states.
type State = fsm.State

const (
	StateIdle              = fsm.StateIdle
	StateBooting           = fsm.StateBooting
	StateSelectingProvider = fsm.StateSelectingProvider
	StatePreflightQuota    = fsm.StatePreflightQuota
	StateCheckingCache     = fsm.StateCheckingCache
	StateDownloading       = fsm.StateDownloading
	StateWarmingUp         = fsm.StateWarmingUp
	StateReady             = fsm.StateReady
	StateGenerating        = fsm.StateGenerating
	StateError             = fsm.StateError
	StateDisabled          = fsm.StateDisabled
	StateRehydrating       = fsm.StateRehydrating
	StateTearingDown       = fsm.StateTearingDown
)

// DiagnosticsSnapshot is the stable, JSON-serializable introspection
// record (spec.md §6).
type DiagnosticsSnapshot = diagnostics.Snapshot

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// GenerateParams is the input to Generate.
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

// GenerateResult is the outcome of a single Generate call.
type GenerateResult struct {
	Text              string
	Usage             *Usage
	ProviderID        string
	ModelID           string
	SelectionReportID string
}

// OnToken is invoked once per emitted token during a streaming
// Generate call. May be nil.
type OnToken func(token string)

// ModelSpec describes one candidate model (spec.md §3).
type ModelSpec = provider.ModelSpec

func toInternalMessages(msgs []Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func fromInternalResult(r provider.GenerateResult) GenerateResult {
	res := GenerateResult{
		Text:              r.Text,
		ProviderID:        string(r.ProviderID),
		ModelID:           r.ModelID,
		SelectionReportID: r.SelectionReportID,
	}
	if r.Usage != nil {
		res.Usage = &Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return res
}
