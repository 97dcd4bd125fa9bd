// Package quota estimates storage quota/usage/availability for a path
// on disk, standing in for the browser's StorageManager.estimate().
package quota

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// DefaultSafetyMargin is the fractional margin applied to a candidate
// model's sizeBytes when computing requiredBytes (spec.md §4.4).
const DefaultSafetyMargin = 0.05

// Estimate reports the quota/usage/available triple for path, per
// spec.md §6 "Persisted state layout" and §2 "Quota estimator".
type Estimate struct {
	QuotaBytes     uint64
	UsageBytes     uint64
	AvailableBytes uint64
	Supported      bool
}

// Estimator queries disk usage for a given path.
type Estimator struct{}

// NewEstimator constructs an Estimator.
func NewEstimator() *Estimator { return &Estimator{} }

// Estimate returns the quota/usage/available triple for path. Supported
// is false only when the underlying disk-usage probe fails outright
// (e.g. the path does not exist); callers must still proceed per
// spec.md §4.4 ("first candidate with available ≥ required, or
// estimateSupported=false").
func (e *Estimator) Estimate(ctx context.Context, path string) (Estimate, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Estimate{Supported: false}, nil
	}
	return Estimate{
		QuotaBytes:     usage.Total,
		UsageBytes:     usage.Used,
		AvailableBytes: usage.Free,
		Supported:      true,
	}, nil
}

// RequiredBytes computes the margin-inflated byte requirement for a
// candidate of the given size, per spec.md §4.4's
// `requiredBytes = sizeBytes × (1 + margin)`.
func RequiredBytes(sizeBytes uint64, margin float64) uint64 {
	return uint64(float64(sizeBytes) * (1 + margin))
}

// Fits reports whether a candidate of sizeBytes fits within the
// estimate's available bytes, honoring the "estimateSupported=false
// always passes" rule.
func (e Estimate) Fits(sizeBytes uint64, margin float64) (required uint64, ok bool) {
	required = RequiredBytes(sizeBytes, margin)
	if !e.Supported {
		return required, true
	}
	return required, e.AvailableBytes >= required
}

// String renders a human-readable summary, used in diagnostics logs.
func (e Estimate) String() string {
	if !e.Supported {
		return "quota: unsupported"
	}
	return fmt.Sprintf("quota: %d used / %d total (%d available)", e.UsageBytes, e.QuotaBytes, e.AvailableBytes)
}
