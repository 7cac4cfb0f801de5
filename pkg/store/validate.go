package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// getter is the minimal lookup surface validation needs; every backend
// satisfies it with its own GetArtifact.
type getter interface {
	GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error)
}

// planFeasibility is the slice of a PLAN payload the store inspects to
// enforce the approval invariant. Unknown payload fields are ignored.
type planFeasibility struct {
	Feasibility struct {
		Bucket contracts.Bucket `json:"bucket"`
	} `json:"feasibility"`
}

// validateNewArtifact enforces the structural pipeline invariants before a
// write:
//
//   - kind and stage agree, status is in the stage's subset
//   - required parents are present and resolve (ErrMissingParent)
//   - the primary parent is of the immediately prior stage
//   - session_id and batch_label match the parent (and so, inductively,
//     the root SPEC)
//   - DECISION carries created_by; an APPROVED DECISION's PLAN is not RED
//   - EXECUTION descends from an APPROVED DECISION
//
// Violations return ErrInvariantViolation (wrapped with detail).
func validateNewArtifact(ctx context.Context, g getter, a *contracts.Artifact) error {
	tool, stage, err := contracts.ParseKind(a.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if a.Stage != stage {
		return fmt.Errorf("%w: kind %q encodes stage %s, record says %s", ErrInvariantViolation, a.Kind, stage, a.Stage)
	}
	if !contracts.StatusAllowed(a.Stage, a.Status) {
		return fmt.Errorf("%w: status %s not permitted for stage %s", ErrInvariantViolation, a.Status, a.Stage)
	}
	if a.IndexMeta.SessionID == "" || a.IndexMeta.BatchLabel == "" {
		return fmt.Errorf("%w: index_meta requires session_id and batch_label", ErrInvariantViolation)
	}
	if a.IndexMeta.ToolKind == "" {
		return fmt.Errorf("%w: index_meta requires tool_kind", ErrInvariantViolation)
	}
	if a.IndexMeta.ToolKind != tool {
		return fmt.Errorf("%w: index_meta.tool_kind %q does not match kind %q", ErrInvariantViolation, a.IndexMeta.ToolKind, a.Kind)
	}
	if a.Stage == contracts.StageDecision && a.CreatedBy == "" {
		return fmt.Errorf("%w: DECISION artifacts require created_by", ErrInvariantViolation)
	}

	required := contracts.RequiredParents(a.Stage)
	if len(required) == 0 {
		if len(a.ParentIDs) != 0 {
			return fmt.Errorf("%w: %s artifacts take no parents", ErrInvariantViolation, a.Stage)
		}
		return nil
	}

	parents := make(map[string]*contracts.Artifact, len(required))
	for _, rel := range required {
		id, ok := a.ParentIDs[rel]
		if !ok || id == "" {
			return fmt.Errorf("%w: stage %s requires parent %s", ErrInvariantViolation, a.Stage, rel)
		}
		p, err := g.GetArtifact(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %s=%s", ErrMissingParent, rel, id)
		}
		parents[rel] = p
	}

	primary := parents[contracts.PrimaryParentRel(a.Stage)]
	if prior := contracts.PriorStage(a.Stage); primary.Stage != prior {
		return fmt.Errorf("%w: primary parent %s is stage %s, want %s", ErrInvariantViolation, primary.ArtifactID, primary.Stage, prior)
	}
	if primary.IndexMeta.SessionID != a.IndexMeta.SessionID || primary.IndexMeta.BatchLabel != a.IndexMeta.BatchLabel {
		return fmt.Errorf("%w: session_id/batch_label must match root SPEC (parent has %s/%s)",
			ErrInvariantViolation, primary.IndexMeta.SessionID, primary.IndexMeta.BatchLabel)
	}

	switch a.Stage {
	case contracts.StageDecision:
		plan := parents[contracts.RelPlan]
		if spec := parents[contracts.RelSpec]; spec.ArtifactID != plan.ParentIDs[contracts.RelSpec] {
			return fmt.Errorf("%w: decision spec parent %s is not the plan's spec", ErrInvariantViolation, spec.ArtifactID)
		}
		if a.Status == contracts.StatusApproved {
			var pf planFeasibility
			if err := json.Unmarshal(plan.Payload, &pf); err == nil && pf.Feasibility.Bucket == contracts.BucketRed {
				return fmt.Errorf("%w: cannot approve plan %s with RED feasibility", ErrInvariantViolation, plan.ArtifactID)
			}
		}
	case contracts.StageExecution:
		if primary.Status != contracts.StatusApproved {
			return fmt.Errorf("%w: execution requires an APPROVED decision, got %s", ErrInvariantViolation, primary.Status)
		}
	case contracts.StageJobLog, contracts.StageRollup:
		exec := parents[contracts.RelExecution]
		if dec := parents[contracts.RelDecision]; dec.ArtifactID != exec.ParentIDs[contracts.RelDecision] {
			return fmt.Errorf("%w: decision parent %s is not the execution's decision", ErrInvariantViolation, dec.ArtifactID)
		}
	}
	return nil
}
