// Package env detects the host environment's hardware fingerprint and
// capabilities, standing in for the browser's navigator/WebGPU probes.
package env

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// DeviceFingerprint mirrors spec.md §3's DeviceFingerprint record,
// reinterpreted for a host process rather than a browser tab.
type DeviceFingerprint struct {
	UserAgent           string   `json:"userAgent"`
	Platform            string   `json:"platform"`
	Language            string   `json:"language"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemoryGB      *float64 `json:"deviceMemoryGB,omitempty"`
	IsSecureContext     bool     `json:"isSecureContext"`
	CrossOriginIsolated bool     `json:"crossOriginIsolated"`
}

// Capabilities mirrors spec.md §3's Capabilities record.
type Capabilities struct {
	HasWindowAI        bool `json:"hasWindowAI"`
	HasWebGPU          bool `json:"hasWebGPU"`
	HasWebNN           bool `json:"hasWebNN"`
	HasStorageEstimate bool `json:"hasStorageEstimate"`
	HasCacheStorage    bool `json:"hasCacheStorage"`
	HasIndexedDB       bool `json:"hasIndexedDB"`
	// HasLocalStorage collapses hasStorageEstimate/hasCacheStorage/
	// hasIndexedDB: true once the process can write to its storage
	// directory (SQLite + filesystem are always available there).
	HasLocalStorage bool `json:"hasLocalStorage"`
}

// GPUProbe is a closed pluggable contract for detecting accelerator
// presence, the process-side analog of navigator.gpu/navigator.ml.
type GPUProbe interface {
	HasWebGPU(ctx context.Context) bool
	HasWebNN(ctx context.Context) bool
}

// StubGPUProbe reports no accelerator support. No cross-platform GPU
// enumeration exists in the standard library or in any dependency of
// this module, so this is the default.
type StubGPUProbe struct{}

func (StubGPUProbe) HasWebGPU(context.Context) bool { return false }
func (StubGPUProbe) HasWebNN(context.Context) bool  { return false }

// MockGPUProbe reports fixed values, for tests that need to exercise
// the GPU-present code paths (e.g. webllm "standard" tier selection).
type MockGPUProbe struct {
	WebGPU bool
	WebNN  bool
}

func (m MockGPUProbe) HasWebGPU(context.Context) bool { return m.WebGPU }
func (m MockGPUProbe) HasWebNN(context.Context) bool  { return m.WebNN }

// Detector probes the host for DeviceFingerprint and Capabilities.
type Detector struct {
	probe            GPUProbe
	storageDirWriteCheck func() bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithGPUProbe overrides the default stub GPU probe.
func WithGPUProbe(p GPUProbe) Option {
	return func(d *Detector) { d.probe = p }
}

// WithStorageDirWriteCheck overrides how HasLocalStorage is computed;
// tests can force it false to exercise the no-local-storage path.
func WithStorageDirWriteCheck(fn func() bool) Option {
	return func(d *Detector) { d.storageDirWriteCheck = fn }
}

// NewDetector constructs a Detector with the given options.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		probe:                StubGPUProbe{},
		storageDirWriteCheck: func() bool { return true },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the current DeviceFingerprint and Capabilities.
func (d *Detector) Detect(ctx context.Context) (DeviceFingerprint, Capabilities, error) {
	fp := DeviceFingerprint{
		UserAgent:           "inferno/" + runtime.GOOS + "-" + runtime.GOARCH,
		Platform:            runtime.GOOS,
		Language:            "en",
		HardwareConcurrency: runtime.NumCPU(),
		IsSecureContext:     true,
		CrossOriginIsolated: false,
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		gb := float64(vm.Total) / (1 << 30)
		fp.DeviceMemoryGB = &gb
	}

	hasLocal := d.storageDirWriteCheck()
	caps := Capabilities{
		HasWindowAI:        false,
		HasWebGPU:          d.probe.HasWebGPU(ctx),
		HasWebNN:           d.probe.HasWebNN(ctx),
		HasStorageEstimate: hasLocal,
		HasCacheStorage:    hasLocal,
		HasIndexedDB:       hasLocal,
		HasLocalStorage:    hasLocal,
	}

	return fp, caps, nil
}
