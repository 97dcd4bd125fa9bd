package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateRealPath(t *testing.T) {
	e := NewEstimator()
	est, err := e.Estimate(context.Background(), ".")
	require.NoError(t, err)
	assert.True(t, est.Supported)
	assert.Greater(t, est.QuotaBytes, uint64(0))
}

func TestEstimateUnsupportedPathDoesNotError(t *testing.T) {
	e := NewEstimator()
	est, err := e.Estimate(context.Background(), "/definitely/not/a/real/path/xyz123")
	require.NoError(t, err)
	assert.False(t, est.Supported)
}

func TestRequiredBytesAppliesMargin(t *testing.T) {
	got := RequiredBytes(1000, DefaultSafetyMargin)
	assert.Equal(t, uint64(1050), got)
}

func TestFitsUnsupportedAlwaysPasses(t *testing.T) {
	est := Estimate{Supported: false}
	_, ok := est.Fits(1<<40, DefaultSafetyMargin)
	assert.True(t, ok)
}

func TestFitsComparesAvailable(t *testing.T) {
	est := Estimate{Supported: true, AvailableBytes: 1000}
	required, ok := est.Fits(900, DefaultSafetyMargin)
	assert.Equal(t, uint64(945), required)
	assert.True(t, ok)

	_, ok = est.Fits(960, DefaultSafetyMargin)
	assert.False(t, ok)
}
