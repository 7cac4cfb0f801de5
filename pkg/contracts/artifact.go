// Package contracts defines the shared vocabulary of the RMOS core:
// artifact records, pipeline stages, feasibility verdicts, machining
// contexts, attachments, and learning types. Everything here is a wire
// contract; behavior lives in the packages that consume these types.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage is the position of an artifact in the governed pipeline.
type Stage string

const (
	StageSpec             Stage = "SPEC"
	StagePlan             Stage = "PLAN"
	StageDecision         Stage = "DECISION"
	StageExecution        Stage = "EXECUTION"
	StageJobLog           Stage = "JOB_LOG"
	StageRollup           Stage = "ROLLUP"
	StageLearningEvent    Stage = "LEARNING_EVENT"
	StageLearningDecision Stage = "LEARNING_DECISION"
)

// Status is the stage-specific state of an artifact.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusOK       Status = "OK"
	StatusBlocked  Status = "BLOCKED"
	StatusError    Status = "ERROR"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Parent relationship names. Required names depend on stage; see
// RequiredParents.
const (
	RelSpec      = "parent_spec_artifact_id"
	RelPlan      = "parent_plan_artifact_id"
	RelDecision  = "parent_decision_artifact_id"
	RelExecution = "parent_execution_artifact_id"
	RelJobLog    = "parent_job_log_artifact_id"
	RelEvent     = "parent_learning_event_artifact_id"
)

// IndexMeta carries the queryable metadata propagated from the root SPEC
// to every descendant artifact.
type IndexMeta struct {
	ToolKind   string `json:"tool_kind"`
	BatchLabel string `json:"batch_label"`
	SessionID  string `json:"session_id"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// Artifact is an immutable, parent-linked record of an authoritative
// state change. Artifacts are write-once; amendments are new artifacts
// with back-pointers.
type Artifact struct {
	ArtifactID           string              `json:"artifact_id"`
	Kind                 string              `json:"kind"`
	Stage                Stage               `json:"stage"`
	CreatedAtUTC         time.Time           `json:"created_at_utc"`
	CreatedBy            string              `json:"created_by,omitempty"`
	ParentIDs            map[string]string   `json:"parent_ids,omitempty"`
	IndexMeta            IndexMeta           `json:"index_meta"`
	Payload              json.RawMessage     `json:"payload,omitempty"`
	PayloadSHA256        string              `json:"payload_sha256"`
	EngineVersion        string              `json:"engine_version,omitempty"`
	PostProcessorVersion string              `json:"post_processor_version,omitempty"`
	ConfigFingerprint    string              `json:"config_fingerprint,omitempty"`
	Status               Status              `json:"status"`
	AdvisoryInputs       []AdvisoryInputRef  `json:"advisory_inputs,omitempty"`
	AttachmentRefs       []AttachmentRef     `json:"attachment_refs,omitempty"`
}

// AttachmentRef links an artifact to a content-addressed blob it produced
// (G-code output, DXF input, plan snapshot). Descriptive only; the blob
// store is the authority for the bytes.
type AttachmentRef struct {
	SHA256   string `json:"sha256"`
	Kind     string `json:"kind"`
	Filename string `json:"filename,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Role     string `json:"role,omitempty"` // e.g. "primary_output"
}

// Clone returns a deep copy so callers can never mutate a stored record
// through an aliased map or slice.
func (a *Artifact) Clone() *Artifact {
	cp := *a
	if a.ParentIDs != nil {
		cp.ParentIDs = make(map[string]string, len(a.ParentIDs))
		for k, v := range a.ParentIDs {
			cp.ParentIDs[k] = v
		}
	}
	if a.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.AdvisoryInputs != nil {
		cp.AdvisoryInputs = append([]AdvisoryInputRef(nil), a.AdvisoryInputs...)
	}
	if a.AttachmentRefs != nil {
		cp.AttachmentRefs = append([]AttachmentRef(nil), a.AttachmentRefs...)
	}
	return &cp
}

// stageOrder maps each stage to its position in the authoritative chain.
var stageOrder = map[Stage]int{
	StageSpec:      0,
	StagePlan:      1,
	StageDecision:  2,
	StageExecution: 3,
	StageJobLog:    4,
	StageRollup:    4,
}

// PriorStage returns the immediately prior stage in the pipeline, or ""
// for SPEC and the learning stages (which hang off JOB_LOG).
func PriorStage(s Stage) Stage {
	switch s {
	case StagePlan:
		return StageSpec
	case StageDecision:
		return StagePlan
	case StageExecution:
		return StageDecision
	case StageJobLog, StageRollup:
		return StageExecution
	case StageLearningEvent:
		return StageJobLog
	case StageLearningDecision:
		return StageLearningEvent
	default:
		return ""
	}
}

// RequiredParents returns the parent relationship names an artifact of the
// given stage must carry.
func RequiredParents(s Stage) []string {
	switch s {
	case StageSpec:
		return nil
	case StagePlan:
		return []string{RelSpec}
	case StageDecision:
		return []string{RelPlan, RelSpec}
	case StageExecution:
		return []string{RelDecision}
	case StageJobLog, StageRollup:
		return []string{RelExecution, RelDecision}
	case StageLearningEvent:
		return []string{RelJobLog}
	case StageLearningDecision:
		return []string{RelEvent}
	default:
		return nil
	}
}

// PrimaryParentRel returns the relation that must point at the immediately
// prior stage for ancestry validation.
func PrimaryParentRel(s Stage) string {
	req := RequiredParents(s)
	if len(req) == 0 {
		return ""
	}
	return req[0]
}

// stageSuffix encodes each stage as the final token of an artifact kind.
var stageSuffix = map[Stage]string{
	StageSpec:             "spec",
	StagePlan:             "plan",
	StageDecision:         "decision",
	StageExecution:        "execution",
	StageJobLog:           "job_log",
	StageRollup:           "rollup",
	StageLearningEvent:    "learning_event",
	StageLearningDecision: "learning_decision",
}

// Tool kinds with OPERATION lanes in the core.
var ToolKinds = []string{
	"saw_batch",
	"rosette",
	"rmos_toolpaths",
	"vcarve",
	"roughing",
	"drilling",
	"biarc",
	"relief",
	"adaptive_pocket",
	"helical",
}

// KnownToolKind reports whether tool is in the closed tool vocabulary.
func KnownToolKind(tool string) bool {
	for _, t := range ToolKinds {
		if t == tool {
			return true
		}
	}
	return false
}

// KindFor composes the artifact kind for a tool and stage, e.g.
// ("saw_batch", StagePlan) -> "saw_batch_plan".
func KindFor(tool string, s Stage) string {
	return tool + "_" + stageSuffix[s]
}

// ParseKind splits an artifact kind into its tool and stage. The final
// token (or final two tokens for job_log etc.) encodes the stage.
func ParseKind(kind string) (tool string, s Stage, err error) {
	for stage, suffix := range stageSuffix {
		if strings.HasSuffix(kind, "_"+suffix) {
			tool = strings.TrimSuffix(kind, "_"+suffix)
			// Longer suffixes win: "learning_event" over "event".
			if s == "" || len(suffix) > len(stageSuffix[s]) {
				s = stage
			}
		}
	}
	if s == "" || tool == "" {
		return "", "", fmt.Errorf("contracts: unrecognized artifact kind %q", kind)
	}
	tool = strings.TrimSuffix(kind, "_"+stageSuffix[s])
	return tool, s, nil
}

// StatusAllowed reports whether a status is valid for a stage.
func StatusAllowed(s Stage, st Status) bool {
	switch s {
	case StageDecision, StageLearningDecision:
		return st == StatusApproved || st == StatusRejected
	case StageExecution:
		return st == StatusOK || st == StatusError || st == StatusBlocked
	default:
		return st == StatusCreated || st == StatusOK
	}
}
