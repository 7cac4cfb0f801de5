package contracts

import "fmt"

// MachiningParams are the adjustable cutting parameters. They are subject
// to learning-override multipliers before feasibility evaluation.
type MachiningParams struct {
	RPM       float64 `json:"rpm,omitempty"`
	FeedMmMin float64 `json:"feed_mm_min,omitempty"`
	DOCMm     float64 `json:"doc_mm,omitempty"`
	WOCMm     float64 `json:"woc_mm,omitempty"`
}

// MachiningContext is the environmental envelope under which feasibility
// scoring and toolpath generation operate. MaterialID and ToolID are
// required; new required fields need a major version bump of the context
// schema.
type MachiningContext struct {
	MaterialID       string            `json:"material_id"`
	ToolID           string            `json:"tool_id"`
	MachineProfileID string            `json:"machine_profile_id,omitempty"`
	ProjectID        string            `json:"project_id,omitempty"`
	FeatureFlags     map[string]bool   `json:"feature_flags,omitempty"`
	Params           MachiningParams   `json:"params,omitempty"`
	// RawParams preserves the pre-override parameters when accepted
	// learning overrides have been applied; nil otherwise.
	RawParams *MachiningParams `json:"raw_params,omitempty"`
}

// Validate checks the required context fields.
func (c *MachiningContext) Validate() error {
	if c.MaterialID == "" {
		return fmt.Errorf("machining context: material_id is required")
	}
	if c.ToolID == "" {
		return fmt.Errorf("machining context: tool_id is required")
	}
	return nil
}

// SawBatchItem is one part in a saw batch request.
type SawBatchItem struct {
	PartID         string  `json:"part_id"`
	MaterialFamily string  `json:"material_family"`
	ThicknessMm    float64 `json:"thickness_mm"`
	WidthMm        float64 `json:"width_mm"`
	LengthMm       float64 `json:"length_mm"`
}

// SawBatchSpec is the SPEC payload for the saw batch tool.
type SawBatchSpec struct {
	SessionID      string         `json:"session_id"`
	BatchLabel     string         `json:"batch_label"`
	Items          []SawBatchItem `json:"items"`
	OpType         string         `json:"op_type"`
	BladeID        string         `json:"blade_id"`
	MachineProfile string         `json:"machine_profile"`
}

// SawBatchPlanRequest is the tuning envelope for plan creation.
type SawBatchPlanRequest struct {
	SpecArtifactID string  `json:"batch_spec_artifact_id"`
	Strategy       string  `json:"strategy"`
	RPM            float64 `json:"rpm,omitempty"`
	FeedMmMin      float64 `json:"feed_mm_min,omitempty"`
	DOCMm          float64 `json:"doc_mm,omitempty"`
	WOCMm          float64 `json:"woc_mm,omitempty"`
}
