// Package config loads and validates runtime configuration from environment
// variables, with typed accessors and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PrivacyMode constrains which providers may be selected.
type PrivacyMode string

const (
	// PrivacyAny permits any configured provider, including ones that may
	// delegate generation to a non-local implementation (e.g. native).
	PrivacyAny PrivacyMode = "any"
	// PrivacyFullyLocalManaged excludes providers whose locality guarantees
	// are unknown (see ProviderID native in internal/provider).
	PrivacyFullyLocalManaged PrivacyMode = "fully-local-managed"
)

// ProviderPolicy orders provider candidates for selection.
type ProviderPolicy struct {
	Order []string
}

// ModelPolicy constrains model selection (tier override, allow/deny lists).
type ModelPolicy struct {
	TierOverride int // 0 means unset; otherwise one of {1,2,3}.
}

// Config is the application policy supplied at orchestrator construction.
type Config struct {
	PrivacyMode     PrivacyMode
	ProviderPolicy  ProviderPolicy
	ModelPolicy     ModelPolicy
	PublicBaseURL   string
	ProviderOptions map[string]any

	// TimeoutMultiplier scales every state's baseline deadline. Default 1.0.
	TimeoutMultiplier float64

	// StorageDir is the base directory for the content cache + metadata
	// index SQLite file and the optional OPFS-equivalent sidecar layout.
	StorageDir string

	// MaxRegistryMemoryMB bounds the shared model registry's resident set
	// before LRU eviction of refCount-zero entries kicks in.
	MaxRegistryMemoryMB int

	// DefaultIdleTimeout is how long a released (refCount==0) model sits in
	// the registry before being unloaded, absent a per-acquire override.
	DefaultIdleTimeout time.Duration

	// QuotaSafetyMargin is the fractional safety margin applied to a
	// candidate model's sizeBytes when computing requiredBytes (default 0.05).
	QuotaSafetyMargin float64

	// MaxUsageRatio bounds LRU auto-eviction (default 0.8: evict until
	// usage <= ratio * quota).
	MaxUsageRatio float64

	// MinFreeBytes is the floor evictForSpace targets in addition to the
	// caller's required bytes (default 500 MB).
	MinFreeBytes uint64

	// OTELEndpoint, if set, enables OTLP export of diagnostics metrics/spans.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// QdrantURL, if set, backs the auxiliary memory module's vector search
	// with Qdrant instead of the in-process fallback.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Returns an error if any environment variable contains an
// unparseable value; missing variables fall back silently.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		PrivacyMode:      PrivacyMode(envStr("INFERNO_PRIVACY_MODE", string(PrivacyAny))),
		StorageDir:       envStr("INFERNO_STORAGE_DIR", "./inferno-data"),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "inferno"),
		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("QDRANT_COLLECTION", "inferno_memory"),
		LogLevel:         envStr("INFERNO_LOG_LEVEL", "info"),
		PublicBaseURL:    envStr("INFERNO_PUBLIC_BASE_URL", ""),
		ProviderPolicy:   ProviderPolicy{Order: envStrSlice("INFERNO_PROVIDER_ORDER", []string{"mock"})},
	}

	cfg.MaxRegistryMemoryMB, errs = collectInt(errs, "INFERNO_REGISTRY_MAX_MEMORY_MB", 4096)

	var tierOverride int
	tierOverride, errs = collectInt(errs, "INFERNO_TIER_OVERRIDE", 0)
	cfg.ModelPolicy.TierOverride = tierOverride

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.DefaultIdleTimeout, errs = collectDuration(errs, "INFERNO_REGISTRY_IDLE_TIMEOUT", 5*time.Minute)

	var multiplierStr string
	multiplierStr = envStr("INFERNO_TIMEOUT_MULTIPLIER", "1.0")
	multiplier, err := strconv.ParseFloat(multiplierStr, 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("INFERNO_TIMEOUT_MULTIPLIER=%q is not a valid float", multiplierStr))
	}
	cfg.TimeoutMultiplier = multiplier

	cfg.QuotaSafetyMargin = 0.05
	cfg.MaxUsageRatio = 0.8
	cfg.MinFreeBytes = 500 * 1024 * 1024

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that the config is internally consistent, per spec.md §3's
// ConfigV invariants: a non-empty provider order, and a public base URL
// whenever a candidate needs relative asset fetch with no explicit URL
// supplied via ProviderOptions.
func (c Config) Validate() error {
	var errs []error

	if len(c.ProviderPolicy.Order) == 0 {
		errs = append(errs, errors.New("config: provider policy order must not be empty"))
	}
	if c.PrivacyMode != PrivacyAny && c.PrivacyMode != PrivacyFullyLocalManaged {
		errs = append(errs, fmt.Errorf("config: invalid privacy mode %q", c.PrivacyMode))
	}
	if c.ModelPolicy.TierOverride != 0 && (c.ModelPolicy.TierOverride < 1 || c.ModelPolicy.TierOverride > 3) {
		errs = append(errs, fmt.Errorf("config: tier override must be 1, 2, or 3, got %d", c.ModelPolicy.TierOverride))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("config: storage dir must not be empty"))
	}
	if c.TimeoutMultiplier <= 0 {
		errs = append(errs, errors.New("config: timeout multiplier must be positive"))
	}
	if c.PublicBaseURL == "" && needsRelativeAssetFetch(c.ProviderPolicy.Order) && needsExplicitAssetURL(c.ProviderOptions) {
		errs = append(errs, errors.New("config: public base URL is required when no providerOptions supply explicit asset URLs"))
	}

	return errors.Join(errs...)
}

// needsRelativeAssetFetch reports whether any provider in order fetches
// model assets by relative URL. The mock and native providers use
// sentinel models and never do.
func needsRelativeAssetFetch(order []string) bool {
	for _, id := range order {
		if id != "mock" && id != "native" {
			return true
		}
	}
	return false
}

// needsExplicitAssetURL reports whether providerOptions lacks an
// explicit asset URL, so the PublicBaseURL requirement still applies.
// Conservative: only an "assetBaseURL" key holding a non-empty string
// counts as an explicit URL.
func needsExplicitAssetURL(opts map[string]any) bool {
	if opts == nil {
		return true
	}
	v, ok := opts["assetBaseURL"]
	if !ok {
		return true
	}
	s, ok := v.(string)
	return !ok || s == ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
// Returns fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
