package contracts

import "time"

// JobMetrics are the operator-observable outcomes recorded on a JOB_LOG.
type JobMetrics struct {
	SetupMin  float64 `json:"setup_min"`
	CutMin    float64 `json:"cut_min"`
	TotalMin  float64 `json:"total_min"`
	PartsOK   int     `json:"parts_ok"`
	PartsScrap int    `json:"parts_scrap"`
	YieldRate float64 `json:"yield_rate"`
	// Event counts keyed by signal name: burn, tearout, kickback,
	// chatter, tool_wear.
	Events        map[string]int `json:"events,omitempty"`
	OperatorNotes string         `json:"operator_notes,omitempty"`
}

// LearningMultipliers are confidence-weighted parameter adjustment factors
// derived from quality signals. 1.0 means no change.
type LearningMultipliers struct {
	RPM  float64 `json:"rpm"`
	Feed float64 `json:"feed"`
	DOC  float64 `json:"doc"`
	WOC  float64 `json:"woc"`
}

// Identity returns neutral multipliers.
func IdentityMultipliers() LearningMultipliers {
	return LearningMultipliers{RPM: 1, Feed: 1, DOC: 1, WOC: 1}
}

// OverrideKey addresses a persisted learning override.
type OverrideKey struct {
	ToolID           string `json:"tool_id"`
	MaterialID       string `json:"material_id"`
	OperationKind    string `json:"operation_kind"`
	MachineProfileID string `json:"machine_profile_id"`
}

// LearningOverride is a persisted parameter multiplier, consulted by plan
// creation only when APPLY_ACCEPTED_OVERRIDES is enabled for the tool.
type LearningOverride struct {
	Key           OverrideKey         `json:"key"`
	Multipliers   LearningMultipliers `json:"multipliers"`
	AcceptedBy    string              `json:"accepted_by"`
	AcceptedAtUTC time.Time           `json:"accepted_at_utc"`
	SourceEventID string              `json:"source_event_artifact_id,omitempty"`
}

// LearningSignal is one detected quality signal with its confidence.
type LearningSignal struct {
	Name       string              `json:"name"`
	Confidence float64             `json:"confidence"`
	Multipliers LearningMultipliers `json:"multipliers"`
}

// LearningEventPayload is the LEARNING_EVENT artifact payload.
type LearningEventPayload struct {
	Key        OverrideKey         `json:"key"`
	Signals    []LearningSignal    `json:"signals"`
	Combined   LearningMultipliers `json:"combined"`
	Metrics    JobMetrics          `json:"metrics"`
}
