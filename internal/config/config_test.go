package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidRegistryMemory(t *testing.T) {
	t.Setenv("INFERNO_REGISTRY_MAX_MEMORY_MB", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid INFERNO_REGISTRY_MAX_MEMORY_MB")
	}
	if got := err.Error(); !contains(got, "INFERNO_REGISTRY_MAX_MEMORY_MB") || !contains(got, "abc") {
		t.Fatalf("error should mention the var name and value, got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("INFERNO_REGISTRY_MAX_MEMORY_MB", "abc")
	t.Setenv("INFERNO_TIER_OVERRIDE", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "INFERNO_REGISTRY_MAX_MEMORY_MB") {
		t.Fatalf("error should mention INFERNO_REGISTRY_MAX_MEMORY_MB, got: %s", got)
	}
	if !contains(got, "INFERNO_TIER_OVERRIDE") {
		t.Fatalf("error should mention INFERNO_TIER_OVERRIDE, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if len(cfg.ProviderPolicy.Order) != 1 || cfg.ProviderPolicy.Order[0] != "mock" {
		t.Fatalf("expected default provider order [mock], got %v", cfg.ProviderPolicy.Order)
	}
	if cfg.PrivacyMode != PrivacyAny {
		t.Fatalf("expected default privacy mode %q, got %q", PrivacyAny, cfg.PrivacyMode)
	}
	if cfg.TimeoutMultiplier != 1.0 {
		t.Fatalf("expected default timeout multiplier 1.0, got %f", cfg.TimeoutMultiplier)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestValidate_EmptyProviderOrderFails(t *testing.T) {
	cfg := Config{
		PrivacyMode:       PrivacyAny,
		StorageDir:        "./data",
		TimeoutMultiplier: 1.0,
		PublicBaseURL:     "https://example.com",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected Validate() to fail with empty provider order")
	}
	if !contains(err.Error(), "provider policy order") {
		t.Fatalf("error should mention provider policy order, got: %s", err.Error())
	}
}

func TestValidate_InvalidPrivacyMode(t *testing.T) {
	cfg := Config{
		PrivacyMode:       "bogus",
		ProviderPolicy:    ProviderPolicy{Order: []string{"mock"}},
		StorageDir:        "./data",
		TimeoutMultiplier: 1.0,
		PublicBaseURL:     "https://example.com",
	}
	err := cfg.Validate()
	if err == nil || !contains(err.Error(), "invalid privacy mode") {
		t.Fatalf("expected invalid privacy mode error, got: %v", err)
	}
}

func TestValidate_TierOverrideOutOfRange(t *testing.T) {
	cfg := Config{
		PrivacyMode:       PrivacyAny,
		ProviderPolicy:    ProviderPolicy{Order: []string{"mock"}},
		ModelPolicy:       ModelPolicy{TierOverride: 7},
		StorageDir:        "./data",
		TimeoutMultiplier: 1.0,
		PublicBaseURL:     "https://example.com",
	}
	err := cfg.Validate()
	if err == nil || !contains(err.Error(), "tier override") {
		t.Fatalf("expected tier override error, got: %v", err)
	}
}

func TestValidate_PublicBaseURLRequiredWithoutAssetOverride(t *testing.T) {
	cfg := Config{
		PrivacyMode:       PrivacyAny,
		ProviderPolicy:    ProviderPolicy{Order: []string{"webllm"}},
		StorageDir:        "./data",
		TimeoutMultiplier: 1.0,
	}
	err := cfg.Validate()
	if err == nil || !contains(err.Error(), "public base URL") {
		t.Fatalf("expected public base URL error, got: %v", err)
	}

	cfg.ProviderOptions = map[string]any{"assetBaseURL": "https://cdn.example.com"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected Validate() to succeed once providerOptions supplies an asset URL, got: %v", err)
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_QdrantURLDefaultsEmpty(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.QdrantURL != "" {
		t.Fatalf("expected empty QdrantURL by default, got %q", cfg.QdrantURL)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("INFERNO_PRIVACY_MODE", "fully-local-managed")
	t.Setenv("INFERNO_PROVIDER_ORDER", "webllm, wasm, mock")
	t.Setenv("INFERNO_STORAGE_DIR", "/tmp/inferno-test")
	t.Setenv("INFERNO_REGISTRY_MAX_MEMORY_MB", "2048")
	t.Setenv("INFERNO_REGISTRY_IDLE_TIMEOUT", "90s")
	t.Setenv("INFERNO_TIMEOUT_MULTIPLIER", "2.5")
	t.Setenv("OTEL_SERVICE_NAME", "inferno-test")
	t.Setenv("INFERNO_LOG_LEVEL", "debug")
	t.Setenv("INFERNO_PUBLIC_BASE_URL", "https://assets.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	if cfg.PrivacyMode != PrivacyFullyLocalManaged {
		t.Fatalf("expected privacy mode %q, got %q", PrivacyFullyLocalManaged, cfg.PrivacyMode)
	}
	if len(cfg.ProviderPolicy.Order) != 3 || cfg.ProviderPolicy.Order[0] != "webllm" {
		t.Fatalf("expected provider order [webllm wasm mock], got %v", cfg.ProviderPolicy.Order)
	}
	if cfg.StorageDir != "/tmp/inferno-test" {
		t.Fatalf("expected StorageDir %q, got %q", "/tmp/inferno-test", cfg.StorageDir)
	}
	if cfg.MaxRegistryMemoryMB != 2048 {
		t.Fatalf("expected MaxRegistryMemoryMB 2048, got %d", cfg.MaxRegistryMemoryMB)
	}
	if cfg.DefaultIdleTimeout != 90*time.Second {
		t.Fatalf("expected DefaultIdleTimeout 90s, got %s", cfg.DefaultIdleTimeout)
	}
	if cfg.TimeoutMultiplier != 2.5 {
		t.Fatalf("expected TimeoutMultiplier 2.5, got %f", cfg.TimeoutMultiplier)
	}
	if cfg.ServiceName != "inferno-test" {
		t.Fatalf("expected ServiceName %q, got %q", "inferno-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel %q, got %q", "debug", cfg.LogLevel)
	}
}
