package retrybudget

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareRetryShrinksTokensPerFormula(t *testing.T) {
	b := New(1000)
	tok, err := b.PrepareRetry(errors.New("too large"))
	require.NoError(t, err)
	assert.Equal(t, ExpectedMaxTokensAtAttempt(1000, DefaultReductionFactor, DefaultMinTokens, 1), tok)

	tok2, err := b.PrepareRetry(errors.New("still too large"))
	require.NoError(t, err)
	assert.Equal(t, ExpectedMaxTokensAtAttempt(1000, DefaultReductionFactor, DefaultMinTokens, 2), tok2)
}

func TestPrepareRetryFailsAfterMaxRetries(t *testing.T) {
	b := New(1000, WithMaxRetries(1))
	_, err := b.PrepareRetry(errors.New("first"))
	require.NoError(t, err)

	_, err = b.PrepareRetry(errors.New("second"))
	require.Error(t, err)
}

func TestPrepareRetryFloorsAtMinTokens(t *testing.T) {
	b := New(40, WithMaxRetries(5), WithMinTokens(32))
	for i := 0; i < 5; i++ {
		tok, err := b.PrepareRetry(errors.New("shrink"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, tok, 32)
	}
}

func TestLastErrorRecorded(t *testing.T) {
	b := New(1000)
	sentinel := errors.New("boom")
	_, err := b.PrepareRetry(sentinel)
	require.NoError(t, err)
	assert.Equal(t, sentinel, b.LastError())
}
