package canonicalize

import (
	"encoding/json"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// feasibilityInputs is the hashed tuple behind inputs_fingerprint. Field
// names are part of the fingerprint contract: renaming one changes every
// fingerprint and must be treated as an engine version bump.
type feasibilityInputs struct {
	SpecPayload   json.RawMessage            `json:"spec_payload"`
	Context       contracts.MachiningContext `json:"context"`
	EngineVersion string                     `json:"engine_version"`
}

// InputsFingerprint computes the deterministic hash of the scored inputs:
// canonical design payload + machining context + engine version. Drift
// detection compares this value between plan time and execution time.
func InputsFingerprint(specPayload json.RawMessage, ctx contracts.MachiningContext, engineVersion string) (string, error) {
	return Hash(feasibilityInputs{
		SpecPayload:   specPayload,
		Context:       ctx,
		EngineVersion: engineVersion,
	})
}

// ConfigFingerprint hashes an arbitrary configuration snapshot for drift
// stamping on artifacts.
func ConfigFingerprint(cfg any) (string, error) {
	return Hash(cfg)
}
