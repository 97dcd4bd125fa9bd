package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDetectReportsAvailable(t *testing.T) {
	m := NewMock()
	res, err := m.Detect(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.True(t, res.Supports.Streaming)
}

func TestMockInitReportsMonotoneProgress(t *testing.T) {
	m := NewMock()
	var last uint64
	err := m.Init(context.Background(), &ModelSpec{ID: "m1", SizeBytes: 1000}, func(downloaded uint64, total *uint64) {
		assert.GreaterOrEqual(t, downloaded, last)
		last = downloaded
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), last)
}

func TestMockGenerateEchoesLastUserMessage(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Init(context.Background(), &ModelSpec{ID: "m1"}, nil))

	var tokens []string
	res, err := m.Generate(context.Background(), GenerateParams{
		Messages:  []Message{{Role: "user", Content: "hello"}},
		MaxTokens: 100,
	}, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.NotEmpty(t, res.Text)
	assert.Equal(t, len(tokens), res.Usage.CompletionTokens)
	assert.False(t, m.NeedsRecreate())
}

func TestMockGenerateHonorsContextCancellation(t *testing.T) {
	m := NewMock(WithTokenDelay(10 * time.Millisecond))
	require.NoError(t, m.Init(context.Background(), &ModelSpec{ID: "m1"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := m.Generate(ctx, GenerateParams{
		Messages:  []Message{{Role: "user", Content: "a long reply with many words in it please"}},
		MaxTokens: 100,
	}, nil)
	require.Error(t, err)
	assert.True(t, m.NeedsRecreate())
}

func TestStubsReportUnavailable(t *testing.T) {
	for _, s := range []Adapter{NewNativeStub(), NewWebLLMStub(), NewWasmStub()} {
		res, err := s.Detect(context.Background(), "default")
		require.NoError(t, err)
		assert.False(t, res.Available)
		assert.NotEmpty(t, res.Reason)

		_, err = s.Generate(context.Background(), GenerateParams{}, nil)
		assert.Error(t, err)
	}
}
