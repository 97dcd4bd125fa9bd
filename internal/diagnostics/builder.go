package diagnostics

import (
	"github.com/ashita-ai/inferno/internal/env"
	"github.com/ashita-ai/inferno/internal/fsm"
	"github.com/ashita-ai/inferno/internal/selector"
)

// Inputs collects everything Build needs to assemble one Snapshot.
// Pointer fields are optional and rendered as omitted/zero when nil.
type Inputs struct {
	LibVersion           string
	State                fsm.State
	PrivacyMode          string
	RuntimeMode          string
	PrivacyNote          string
	Env                  env.DeviceFingerprint
	Capabilities         env.Capabilities
	Storage              StorageBlock
	Cache                CacheBlock
	Timings              TimingsBlock
	SLO                  SLOBlock
	Adapters             AdaptersBlock
	SelectionReport      *selector.SelectionReport
	QuotaPreflightReport *selector.QuotaPreflightReport
	Errors               *ErrorRing
}

// Build assembles a Snapshot from in, stamped with nowMs.
func Build(in Inputs, nowMs int64) Snapshot {
	var recent []RecordedError
	if in.Errors != nil {
		recent = in.Errors.Snapshot()
	}
	if recent == nil {
		recent = []RecordedError{}
	}

	return Snapshot{
		SchemaVersion:        SchemaVersion,
		GeneratedAtMs:        nowMs,
		LibVersion:           in.LibVersion,
		SelectionReport:      in.SelectionReport,
		QuotaPreflightReport: in.QuotaPreflightReport,
		State:                in.State,
		Privacy: PrivacyBlock{
			PrivacyMode: in.PrivacyMode,
			RuntimeMode: in.RuntimeMode,
			Note:        in.PrivacyNote,
		},
		Env:          in.Env,
		Capabilities: in.Capabilities,
		Storage:      in.Storage,
		Cache:        in.Cache,
		Timings:      in.Timings,
		SLO:          in.SLO,
		Adapters:     in.Adapters,
		RecentErrors: recent,
	}
}
