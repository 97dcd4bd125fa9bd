package inferno

import "github.com/ashita-ai/inferno/internal/provider"

// Config is the runtime's resolved configuration (spec.md §3 Config),
// after defaults and With* options have been applied. New reads no
// environment variables.
type Config struct {
	StorageDir        string
	PolicyOrder       []provider.ID
	PrivacyMode       string
	TimeoutMultiplier float64
	QuotaMargin       float64
	Models            map[provider.ID][]provider.ModelSpec
	LibVersion        string
}

// DefaultTimeoutMultiplier and DefaultQuotaMargin mirror the state
// machine's and quota pre-resolver's own defaults.
const (
	DefaultTimeoutMultiplier = 1.0
	DefaultQuotaMargin       = 0.05
)

func defaultConfig() Config {
	return Config{
		StorageDir:        "./inferno-data",
		PolicyOrder:       []provider.ID{provider.IDMock},
		PrivacyMode:       "default",
		TimeoutMultiplier: DefaultTimeoutMultiplier,
		QuotaMargin:       DefaultQuotaMargin,
		Models:            map[provider.ID][]provider.ModelSpec{},
		LibVersion:        "0.1.0",
	}
}
