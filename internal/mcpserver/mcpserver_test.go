package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeInvoker struct {
	generateResult GenerateResult
	generateErr    error
	diagnostics    any
	diagnosticsErr error
	abortErr       error

	lastMessages []Message
}

func (f *fakeInvoker) Generate(ctx context.Context, messages []Message, temperature, topP float64, maxTokens int) (GenerateResult, error) {
	f.lastMessages = messages
	return f.generateResult, f.generateErr
}

func (f *fakeInvoker) GetDiagnostics(ctx context.Context) (any, error) {
	return f.diagnostics, f.diagnosticsErr
}

func (f *fakeInvoker) Abort(ctx context.Context) error {
	return f.abortErr
}

func toolRequest(args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestHandleGenerateRejectsEmptyMessages(t *testing.T) {
	s := New(&fakeInvoker{}, testLogger(), "test")
	result, err := s.handleGenerate(context.Background(), toolRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGenerateReturnsResultText(t *testing.T) {
	inv := &fakeInvoker{generateResult: GenerateResult{Text: "hello there", ProviderID: "mock", ModelID: "m1"}}
	s := New(inv, testLogger(), "test")

	result, err := s.handleGenerate(context.Background(), toolRequest(map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, inv.lastMessages, 1)
	assert.Equal(t, "hi", inv.lastMessages[0].Content)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "hello there")
}

func TestHandleGenerateSurfacesRuntimeError(t *testing.T) {
	inv := &fakeInvoker{generateErr: errors.New("runtime not ready")}
	s := New(inv, testLogger(), "test")

	result, err := s.handleGenerate(context.Background(), toolRequest(map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleDiagnosticsReturnsSnapshot(t *testing.T) {
	inv := &fakeInvoker{diagnostics: map[string]string{"state": "READY"}}
	s := New(inv, testLogger(), "test")

	result, err := s.handleDiagnostics(context.Background(), toolRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "READY")
}

func TestHandleAbortIsNoopWhenNothingGenerating(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv, testLogger(), "test")

	result, err := s.handleAbort(context.Background(), toolRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
