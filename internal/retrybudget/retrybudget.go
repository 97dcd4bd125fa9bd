// Package retrybudget implements the per-request retry state that
// cumulatively shrinks maxTokens across attempts (spec.md §4.12), for
// providers that can reject a prompt as "too large".
package retrybudget

import (
	"math"

	"github.com/ashita-ai/inferno/internal/xerrors"
)

// DefaultMaxRetries, DefaultReductionFactor, and DefaultMinTokens are
// spec.md §4.12's declared defaults.
const (
	DefaultMaxRetries      = 2
	DefaultReductionFactor = 0.8
	DefaultMinTokens       = 32
)

// Budget tracks one request's retry state.
type Budget struct {
	maxRetries      int
	reductionFactor float64
	minTokens       int

	currentAttempt  int
	originalMaxTokens int
	remainingTokens int
	lastError       error
}

// Option configures a Budget.
type Option func(*Budget)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option { return func(b *Budget) { b.maxRetries = n } }

// WithReductionFactor overrides DefaultReductionFactor.
func WithReductionFactor(f float64) Option { return func(b *Budget) { b.reductionFactor = f } }

// WithMinTokens overrides DefaultMinTokens.
func WithMinTokens(n int) Option { return func(b *Budget) { b.minTokens = n } }

// New constructs a Budget for a request whose original maxTokens is
// originalMaxTokens.
func New(originalMaxTokens int, opts ...Option) *Budget {
	b := &Budget{
		maxRetries:        DefaultMaxRetries,
		reductionFactor:   DefaultReductionFactor,
		minTokens:         DefaultMinTokens,
		originalMaxTokens: originalMaxTokens,
		remainingTokens:   originalMaxTokens,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CurrentMaxTokens returns the effective maxTokens for the current
// attempt (attempt 0 is the original request, before any
// PrepareRetry call).
func (b *Budget) CurrentMaxTokens() int { return b.remainingTokens }

// Attempt returns the current attempt count (0 before any retry).
func (b *Budget) Attempt() int { return b.currentAttempt }

// PrepareRetry advances to the next attempt, shrinking maxTokens by
// reductionFactor (floored at minTokens), and records lastErr. Returns
// ERROR_PROMPT_TOO_LARGE_AFTER_RETRIES once maxRetries is exhausted.
func (b *Budget) PrepareRetry(lastErr error) (maxTokens int, err error) {
	if b.currentAttempt >= b.maxRetries {
		return 0, xerrors.NewNonRecoverable(xerrors.CodePromptTooLargeAfterRetries,
			"prompt still too large after exhausting retries")
	}
	b.currentAttempt++
	b.lastError = lastErr

	// Computed from the closed form (max(minTokens, floor(original ×
	// factor^attempt))) rather than repeatedly shrinking the prior
	// attempt's already-floored value, so the sequence matches spec.md
	// §8 property 7 exactly for any reductionFactor, including 0.8.
	b.remainingTokens = ExpectedMaxTokensAtAttempt(b.originalMaxTokens, b.reductionFactor, b.minTokens, b.currentAttempt)
	return b.remainingTokens, nil
}

// LastError returns the most recently recorded error, if any.
func (b *Budget) LastError() error { return b.lastError }

// ExpectedMaxTokensAtAttempt reports the effective maxTokens the spec's
// testable property 7 predicts for attempt k:
// max(minTokens, floor(original × reductionFactor^k)).
func ExpectedMaxTokensAtAttempt(original int, reductionFactor float64, minTokens, k int) int {
	v := int(math.Floor(float64(original) * math.Pow(reductionFactor, float64(k))))
	if v < minTokens {
		return minTokens
	}
	return v
}
