package pipeline

import (
	"encoding/json"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// PlanRequest is the tool-neutral tuning envelope for plan creation. The
// API layer translates per-tool request bodies into this form.
type PlanRequest struct {
	SpecArtifactID string                    `json:"spec_artifact_id"`
	Strategy       string                    `json:"strategy,omitempty"`
	Params         contracts.MachiningParams `json:"params,omitempty"`
}

// Setup is one fixturing group of a plan: the parts cut without operator
// intervention, in op order.
type Setup struct {
	SetupID string   `json:"setup_id"`
	PartIDs []string `json:"part_ids"`
	OpType  string   `json:"op_type,omitempty"`
}

// PlanPayload is the PLAN artifact payload. Context records the exact
// machining envelope the verdict was computed under; execution recomputes
// against it for drift detection. When accepted overrides were applied,
// Context.RawParams preserves the pre-override values.
type PlanPayload struct {
	Request     PlanRequest                `json:"request"`
	Context     contracts.MachiningContext `json:"context"`
	Setups      []Setup                    `json:"setups"`
	Feasibility contracts.Verdict          `json:"feasibility"`
}

// DecisionPayload is the DECISION artifact payload.
type DecisionPayload struct {
	ApprovedBy string   `json:"approved_by"`
	Reason     string   `json:"reason,omitempty"`
	SetupOrder []string `json:"setup_order,omitempty"`
	OpOrder    []string `json:"op_order,omitempty"`
}

// ExecutionPayload is the EXECUTION artifact payload. On success Summary
// holds the engine's structured operation digest; on failure Diagnostic
// names the failure kind (Timeout, EngineError) and Error carries detail.
type ExecutionPayload struct {
	EngineName        string          `json:"engine_name,omitempty"`
	Summary           json.RawMessage `json:"summary,omitempty"`
	InputsFingerprint string          `json:"inputs_fingerprint,omitempty"`
	Diagnostic        string          `json:"diagnostic,omitempty"`
	Error             string          `json:"error,omitempty"`
}
