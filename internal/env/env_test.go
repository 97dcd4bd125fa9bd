package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDefaultsToStubGPU(t *testing.T) {
	d := NewDetector()
	_, caps, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, caps.HasWebGPU)
	assert.False(t, caps.HasWebNN)
	assert.True(t, caps.HasLocalStorage)
}

func TestDetectHonorsMockGPUProbe(t *testing.T) {
	d := NewDetector(WithGPUProbe(MockGPUProbe{WebGPU: true}))
	_, caps, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.HasWebGPU)
	assert.False(t, caps.HasWebNN)
}

func TestDetectReportsHardwareConcurrency(t *testing.T) {
	d := NewDetector()
	fp, _, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Greater(t, fp.HardwareConcurrency, 0)
	assert.NotNil(t, fp.DeviceMemoryGB)
}

func TestDetectHonorsStorageDirWriteCheck(t *testing.T) {
	d := NewDetector(WithStorageDirWriteCheck(func() bool { return false }))
	_, caps, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, caps.HasLocalStorage)
	assert.False(t, caps.HasStorageEstimate)
}
