package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mock is a fully-functional provider used for tests, the example
// host, and CI: it never touches a GPU or the network, generates a
// deterministic canned response token-by-token, and honors abort
// exactly like a real streaming backend would.
type Mock struct {
	mu           sync.Mutex
	tokenDelay   time.Duration
	model        *ModelSpec
	aborted      bool
	needsRecreate bool
	progress     DownloadProgress
}

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithTokenDelay sets the per-token emission delay (default 0, i.e.
// as fast as the scheduler allows). Tests that want to exercise abort
// mid-stream should set a small non-zero delay.
func WithTokenDelay(d time.Duration) MockOption {
	return func(m *Mock) { m.tokenDelay = d }
}

// NewMock constructs a Mock adapter.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) ID() ID { return IDMock }

func (m *Mock) Detect(ctx context.Context, privacyMode string) (DetectResult, error) {
	return DetectResult{
		Available:    true,
		PrivacyClaim: "on-device",
		Supports: SupportFlags{
			Streaming:        true,
			Abort:            true,
			SystemRole:       true,
			DownloadProgress: true,
		},
	}, nil
}

// Init simulates a brief, fully-deterministic "download" so that
// DOWNLOADING is observable in tests and demos, then marks the model
// loaded.
func (m *Mock) Init(ctx context.Context, model *ModelSpec, onProgress OnProgress) error {
	m.mu.Lock()
	m.model = model
	m.needsRecreate = false
	m.mu.Unlock()

	total := model.SizeBytes
	if total == 0 {
		total = 1
	}
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		downloaded := total * uint64(i) / uint64(steps)
		if onProgress != nil {
			onProgress(downloaded, &total)
		}
		pct := float64(i) / float64(steps)
		m.mu.Lock()
		m.progress = DownloadProgress{DownloadedBytes: &downloaded, TotalBytes: &total, Percent: &pct}
		m.mu.Unlock()
	}
	return nil
}

// Generate streams back a deterministic echo of the last user message,
// one word per token, honoring ctx cancellation as an abort signal.
func (m *Mock) Generate(ctx context.Context, params GenerateParams, onToken OnToken) (GenerateResult, error) {
	m.mu.Lock()
	m.aborted = false
	model := m.model
	m.mu.Unlock()

	last := ""
	for _, msg := range params.Messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	reply := fmt.Sprintf("mock reply to: %s", last)
	words := strings.Fields(reply)
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}

	var out strings.Builder
	for i, w := range words {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.aborted = true
			m.needsRecreate = true
			m.mu.Unlock()
			return GenerateResult{
				Text:       out.String(),
				Usage:      &Usage{PromptTokens: len(params.Messages), CompletionTokens: i, TotalTokens: len(params.Messages) + i},
				ProviderID: IDMock,
				ModelID:    modelID(model),
			}, ctx.Err()
		default:
		}
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(w)
		if onToken != nil {
			onToken(w)
		}
		if m.tokenDelay > 0 {
			time.Sleep(m.tokenDelay)
		}
	}

	return GenerateResult{
		Text:       out.String(),
		Usage:      &Usage{PromptTokens: len(params.Messages), CompletionTokens: len(words), TotalTokens: len(params.Messages) + len(words)},
		ProviderID: IDMock,
		ModelID:    modelID(model),
	}, nil
}

func (m *Mock) Abort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	m.needsRecreate = true
	return nil
}

func (m *Mock) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = nil
	m.needsRecreate = false
	return nil
}

func (m *Mock) DownloadProgress() (DownloadProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress.TotalBytes == nil {
		return DownloadProgress{}, false
	}
	return m.progress, true
}

func (m *Mock) NeedsRecreate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsRecreate
}

func modelID(m *ModelSpec) string {
	if m == nil {
		return ""
	}
	return m.ID
}
