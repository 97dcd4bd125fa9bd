// Package selector implements the provider selector (spec.md §4.2),
// the model tier selector (spec.md §4.3), and the quota-aware
// pre-resolver (spec.md §4.4).
package selector

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/inferno/internal/provider"
	"github.com/ashita-ai/inferno/internal/quota"
	"github.com/ashita-ai/inferno/internal/xerrors"
)

// Reason is the closed enumeration of why a provider was or wasn't
// selected.
type Reason string

const (
	ReasonOrderPolicy       Reason = "ORDER_POLICY"
	ReasonPrivacyMode       Reason = "PRIVACY_MODE"
	ReasonUnsupported       Reason = "UNSUPPORTED"
	ReasonDisabledByPolicy  Reason = "DISABLED_BY_POLICY"
	ReasonProbeFailed       Reason = "PROBE_FAILED"
	ReasonQuotaPreflightFail Reason = "QUOTA_PREFLIGHT_FAIL"
	ReasonCacheHit          Reason = "CACHE_HIT"
	ReasonCacheMiss         Reason = "CACHE_MISS"
	ReasonForcedByUser      Reason = "FORCED_BY_USER"
	ReasonFallback          Reason = "FALLBACK"
)

// PrivacyModeFullyLocalManaged is the one privacy mode that excludes
// the native provider (spec.md §4.2.b).
const PrivacyModeFullyLocalManaged = "fully-local-managed"

// ProviderOutcome records one candidate's disposition.
type ProviderOutcome struct {
	ProviderID provider.ID `json:"providerId"`
	OK         bool        `json:"ok"`
	Reason     Reason      `json:"reason"`
	Details    string      `json:"details,omitempty"`
}

// SelectionReport is spec.md §3's SelectionReport, immutable once
// emitted.
type SelectionReport struct {
	ID          string            `json:"id"`
	CreatedAtMs int64             `json:"createdAtMs"`
	PolicyOrder []provider.ID     `json:"policyOrder"`
	Selected    *provider.ID      `json:"selected,omitempty"`
	Reasons     []ProviderOutcome `json:"reasons"`
}

// Config is the subset of runtime configuration the provider selector
// consults.
type Config struct {
	PolicyOrder []provider.ID
	PrivacyMode string
}

// SelectProvider runs spec.md §4.2's algorithm against a registry of
// adapters keyed by ID, and nowMs for the report timestamp.
func SelectProvider(ctx context.Context, cfg Config, adapters map[provider.ID]provider.Adapter, nowMs int64) (provider.Adapter, SelectionReport) {
	report := SelectionReport{
		ID:          uuid.NewString(),
		CreatedAtMs: nowMs,
		PolicyOrder: cfg.PolicyOrder,
	}

	for _, id := range cfg.PolicyOrder {
		adapter, ok := adapters[id]
		if !ok {
			report.Reasons = append(report.Reasons, ProviderOutcome{ProviderID: id, OK: false, Reason: ReasonUnsupported})
			continue
		}
		if cfg.PrivacyMode == PrivacyModeFullyLocalManaged && id == provider.IDNative {
			report.Reasons = append(report.Reasons, ProviderOutcome{ProviderID: id, OK: false, Reason: ReasonPrivacyMode})
			continue
		}

		res, err := adapter.Detect(ctx, cfg.PrivacyMode)
		if err != nil {
			report.Reasons = append(report.Reasons, ProviderOutcome{ProviderID: id, OK: false, Reason: ReasonProbeFailed, Details: err.Error()})
			continue
		}
		if !res.Available {
			report.Reasons = append(report.Reasons, ProviderOutcome{ProviderID: id, OK: false, Reason: ReasonProbeFailed, Details: res.Reason})
			continue
		}

		report.Reasons = append(report.Reasons, ProviderOutcome{ProviderID: id, OK: true, Reason: ReasonOrderPolicy})
		selected := id
		report.Selected = &selected
		return adapter, report
	}

	return nil, report
}

// Tier is the closed model-size tier enumeration (spec.md §4.3).
type Tier string

const (
	TierStandard Tier = "standard"
	TierNano     Tier = "nano"
	TierMicro    Tier = "micro"
	TierA        Tier = "tierA"
	TierB        Tier = "tierB"
	TierC        Tier = "tierC"
	TierSentinel Tier = "sentinel"
)

// DeviceProfile is the subset of device capability the model selector
// consults.
type DeviceProfile struct {
	DeviceMemoryGB *float64
	HasWebGPU      bool
}

// SelectTier implements spec.md §4.3's tier table for the given
// provider and device profile.
func SelectTier(id provider.ID, dp DeviceProfile) Tier {
	switch id {
	case provider.IDNative, provider.IDMock:
		return TierSentinel
	case provider.IDWebLLM:
		mem := gb(dp.DeviceMemoryGB)
		switch {
		case mem >= 8 && dp.HasWebGPU:
			return TierStandard
		case mem >= 4:
			return TierNano
		default:
			return TierMicro
		}
	case provider.IDSmolLM, provider.IDWasm:
		mem := gb(dp.DeviceMemoryGB)
		switch {
		case mem >= 4:
			return TierA
		case mem >= 2:
			return TierB
		default:
			return TierC
		}
	default:
		return TierSentinel
	}
}

func gb(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// ValidateModel enforces spec.md §4.3's per-provider whitelist rules:
// the model's declared provider must match, -MLC suffixed repos are
// webllm-only, and EngineCompat (when present) must list id.
func ValidateModel(id provider.ID, model provider.ModelSpec) error {
	if model.Provider != id {
		return xerrors.NewNonRecoverable(xerrors.CodeIncompatibleModel,
			fmt.Sprintf("model %q declares provider %q, selected provider is %q", model.ID, model.Provider, id),
			xerrors.WithAtProvider(string(id)))
	}
	if hasMLCSuffix(model.HFRepo) && id != provider.IDWebLLM {
		return xerrors.NewNonRecoverable(xerrors.CodeIncompatibleModel,
			fmt.Sprintf("model %q repo %q is MLC-compiled and only valid for webllm", model.ID, model.HFRepo),
			xerrors.WithAtProvider(string(id)))
	}
	if len(model.EngineCompat) > 0 && !contains(model.EngineCompat, string(id)) {
		return xerrors.NewNonRecoverable(xerrors.CodeIncompatibleModel,
			fmt.Sprintf("model %q is not compatible with provider %q", model.ID, id),
			xerrors.WithAtProvider(string(id)))
	}
	if model.ChatTemplate.Format != provider.ChatTemplateSimple {
		return xerrors.NewNonRecoverable(xerrors.CodeTemplateFormatUnsupported,
			fmt.Sprintf("model %q declares chat template format %q, only %q is supported", model.ID, model.ChatTemplate.Format, provider.ChatTemplateSimple),
			xerrors.WithAtProvider(string(id)))
	}
	return nil
}

func hasMLCSuffix(repo string) bool {
	const suffix = "-MLC"
	return len(repo) >= len(suffix) && repo[len(repo)-len(suffix):] == suffix
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// QuotaAttempt records one candidate's preflight outcome.
type QuotaAttempt struct {
	ModelID           string  `json:"modelId"`
	SizeBytes         uint64  `json:"sizeBytes"`
	RequiredBytes     uint64  `json:"requiredBytes"`
	MarginBytes       uint64  `json:"marginBytes"`
	OK                bool    `json:"ok"`
	EstimateSupported bool    `json:"estimateSupported"`
	AvailableBytes    *uint64 `json:"availableBytes,omitempty"`
	QuotaBytes        *uint64 `json:"quotaBytes,omitempty"`
	UsageBytes        *uint64 `json:"usageBytes,omitempty"`
}

// QuotaPreflightReport is spec.md §3's QuotaPreflightReport.
type QuotaPreflightReport struct {
	ProviderID      provider.ID    `json:"providerId"`
	Attempts        []QuotaAttempt `json:"attempts"`
	SelectedModelID *string        `json:"selectedModelId,omitempty"`
}

// Estimator abstracts the storage-quota probe (internal/quota.Estimator
// already satisfies it).
type Estimator interface {
	Estimate(ctx context.Context, path string) (quota.Estimate, error)
}

// ResolveModel implements spec.md §4.4: given a primary model and an
// ordered list of smaller compatible fallbacks, pick the first whose
// required bytes fit in available quota (or whose estimate is
// unsupported). storageDir is the path the estimator measures against.
func ResolveModel(ctx context.Context, id provider.ID, estimator Estimator, storageDir string, margin float64, candidates []provider.ModelSpec) (*provider.ModelSpec, QuotaPreflightReport, error) {
	report := QuotaPreflightReport{ProviderID: id}

	est, estErr := estimator.Estimate(ctx, storageDir)
	if estErr != nil {
		est = quota.Estimate{Supported: false}
	}

	for i := range candidates {
		cand := candidates[i]
		required := quota.RequiredBytes(cand.SizeBytes, margin)
		marginBytes := required - cand.SizeBytes

		attempt := QuotaAttempt{
			ModelID:           cand.ID,
			SizeBytes:         cand.SizeBytes,
			RequiredBytes:     required,
			MarginBytes:       marginBytes,
			EstimateSupported: est.Supported,
		}
		if est.Supported {
			avail, quotaB, usage := est.AvailableBytes, est.QuotaBytes, est.UsageBytes
			attempt.AvailableBytes = &avail
			attempt.QuotaBytes = &quotaB
			attempt.UsageBytes = &usage
		}

		_, ok := est.Fits(cand.SizeBytes, margin)
		attempt.OK = ok
		report.Attempts = append(report.Attempts, attempt)

		if ok {
			selectedID := cand.ID
			report.SelectedModelID = &selectedID
			return &cand, report, nil
		}
	}

	return nil, report, xerrors.NewNonRecoverable(xerrors.CodeQuotaPreflightFail,
		"no candidate model fits available storage quota",
		xerrors.WithUserAction("Free up browser storage"),
		xerrors.WithAtProvider(string(id)))
}
