// Package pipeline drives the governed SPEC to PLAN to DECISION to
// EXECUTION progression. It owns stage timeouts, feasibility invocation,
// drift detection, and computation engine dispatch; the store enforces the
// ancestry invariants a second time on every write.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/store"
)

// Timeouts are the per-stage budgets. A stage exceeding its budget is
// cancelled; execution records the cancellation as an ERROR artifact,
// earlier stages fail without writing anything.
type Timeouts struct {
	Spec    time.Duration
	Plan    time.Duration
	Execute time.Duration
}

// DefaultTimeouts returns the stock stage budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{Spec: time.Second, Plan: 5 * time.Second, Execute: 30 * time.Second}
}

// ToolFlags are the per-tool feedback switches. All default OFF: without
// explicit enablement the feedback loop is observational only.
type ToolFlags struct {
	LearningHook           bool
	MetricsRollupHook      bool
	ApplyAcceptedOverrides bool
}

// Config is injected at construction; the orchestrator holds no mutable
// global state.
type Config struct {
	Timeouts          Timeouts
	Flags             map[string]ToolFlags
	ConfigFingerprint string
}

// FlagsFor returns the flags for a tool, zero when unset.
func (c Config) FlagsFor(tool string) ToolFlags {
	return c.Flags[tool]
}

// Orchestrator is the only writer of pipeline artifacts.
type Orchestrator struct {
	backend store.Backend
	feas    *feasibility.Engine
	engines *engines.Registry
	schemas *SchemaSet
	cfg     Config
	log     *slog.Logger
}

// New builds an orchestrator, compiling the request schemas once.
func New(backend store.Backend, feas *feasibility.Engine, reg *engines.Registry, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	schemas, err := CompileSchemas()
	if err != nil {
		return nil, err
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		backend: backend,
		feas:    feas,
		engines: reg,
		schemas: schemas,
		cfg:     cfg,
		log:     log,
	}, nil
}

// specIdentity is the slice of any SPEC request the orchestrator needs to
// key the run.
type specIdentity struct {
	SessionID      string                   `json:"session_id"`
	BatchLabel     string                   `json:"batch_label"`
	OpType         string                   `json:"op_type"`
	MachineProfile string                   `json:"machine_profile"`
	MaterialID     string                   `json:"material_id"`
	Items          []contracts.SawBatchItem `json:"items"`
}

// CreateSpec validates the request against the tool's schema and writes
// the root SPEC artifact.
func (o *Orchestrator) CreateSpec(ctx context.Context, tool string, request json.RawMessage) (*contracts.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Spec)
	defer cancel()

	if err := o.schemas.Validate(tool, request); err != nil {
		return nil, err
	}
	var id specIdentity
	if err := json.Unmarshal(request, &id); err != nil {
		return nil, validationf("request parse: %v", err)
	}

	payload, sha, _, err := canonicalize.Payload(request)
	if err != nil {
		return nil, validationf("payload canonicalization: %v", err)
	}

	artifact := &contracts.Artifact{
		Kind:  contracts.KindFor(tool, contracts.StageSpec),
		Stage: contracts.StageSpec,
		IndexMeta: contracts.IndexMeta{
			ToolKind:   tool,
			SessionID:  id.SessionID,
			BatchLabel: id.BatchLabel,
		},
		Payload:           payload,
		PayloadSHA256:     sha,
		ConfigFingerprint: o.cfg.ConfigFingerprint,
		Status:            contracts.StatusCreated,
	}
	return o.put(ctx, artifact, contracts.StageSpec)
}

// CreatePlan evaluates feasibility for a SPEC and writes the PLAN
// artifact carrying the verdict. When the tool has accepted overrides
// enabled, the context parameters are multiplied before evaluation and
// the pre-override values are preserved on the plan.
func (o *Orchestrator) CreatePlan(ctx context.Context, req PlanRequest) (*contracts.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Plan)
	defer cancel()

	if req.SpecArtifactID == "" {
		return nil, validationf("spec_artifact_id is required")
	}
	spec, err := o.backend.Artifacts.GetArtifact(ctx, req.SpecArtifactID)
	if err != nil {
		return nil, err
	}
	if spec.Stage != contracts.StageSpec {
		return nil, validationf("artifact %s is a %s, not a SPEC", spec.ArtifactID, spec.Stage)
	}
	tool := spec.IndexMeta.ToolKind

	mctx, err := o.buildContext(ctx, tool, spec, req)
	if err != nil {
		return nil, err
	}

	verdict, err := o.feas.Evaluate(ctx, spec.Payload, mctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("pipeline: feasibility: %w", err)
	}

	planPayload := PlanPayload{
		Request:     req,
		Context:     mctx,
		Setups:      buildSetups(spec),
		Feasibility: *verdict,
	}
	payload, sha, _, err := canonicalize.Payload(planPayload)
	if err != nil {
		return nil, fmt.Errorf("pipeline: plan payload: %w", err)
	}

	artifact := &contracts.Artifact{
		Kind:              contracts.KindFor(tool, contracts.StagePlan),
		Stage:             contracts.StagePlan,
		ParentIDs:         map[string]string{contracts.RelSpec: spec.ArtifactID},
		IndexMeta:         spec.IndexMeta,
		Payload:           payload,
		PayloadSHA256:     sha,
		EngineVersion:     verdict.EngineVersion,
		ConfigFingerprint: o.cfg.ConfigFingerprint,
		Status:            contracts.StatusCreated,
	}
	out, err := o.put(ctx, artifact, contracts.StagePlan)
	if err != nil {
		return nil, err
	}
	o.log.Info("plan created",
		"artifact_id", out.ArtifactID,
		"tool", tool,
		"bucket", verdict.Bucket,
		"score", verdict.Score)
	return out, nil
}

// buildContext derives the machining context from the spec payload plus
// request tuning, applying accepted overrides when the tool opts in.
func (o *Orchestrator) buildContext(ctx context.Context, tool string, spec *contracts.Artifact, req PlanRequest) (contracts.MachiningContext, error) {
	var id specIdentity
	if err := json.Unmarshal(spec.Payload, &id); err != nil {
		return contracts.MachiningContext{}, fmt.Errorf("pipeline: spec payload parse: %w", err)
	}

	material := id.MaterialID
	if material == "" && len(id.Items) > 0 {
		material = id.Items[0].MaterialFamily
	}
	if material == "" {
		material = "unspecified"
	}

	mctx := contracts.MachiningContext{
		MaterialID:       material,
		ToolID:           tool,
		MachineProfileID: id.MachineProfile,
		Params:           req.Params,
	}

	if !o.cfg.FlagsFor(tool).ApplyAcceptedOverrides {
		return mctx, nil
	}
	key := contracts.OverrideKey{
		ToolID:           tool,
		MaterialID:       material,
		OperationKind:    id.OpType,
		MachineProfileID: id.MachineProfile,
	}
	override, err := o.backend.Overrides.GetOverride(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return mctx, nil
	}
	if err != nil {
		return contracts.MachiningContext{}, err
	}

	raw := mctx.Params
	mctx.RawParams = &raw
	mctx.Params.RPM *= override.Multipliers.RPM
	mctx.Params.FeedMmMin *= override.Multipliers.Feed
	mctx.Params.DOCMm *= override.Multipliers.DOC
	mctx.Params.WOCMm *= override.Multipliers.WOC
	o.log.Info("accepted override applied",
		"tool", tool,
		"material", material,
		"accepted_by", override.AcceptedBy)
	return mctx, nil
}

// buildSetups groups the spec's parts into one deterministic setup in
// input order. Richer fixturing strategies replace this per tool.
func buildSetups(spec *contracts.Artifact) []Setup {
	var id specIdentity
	if err := json.Unmarshal(spec.Payload, &id); err != nil || len(id.Items) == 0 {
		return []Setup{}
	}
	parts := make([]string, 0, len(id.Items))
	for _, it := range id.Items {
		parts = append(parts, it.PartID)
	}
	return []Setup{{SetupID: "setup-1", PartIDs: parts, OpType: id.OpType}}
}

// Approve writes an APPROVED DECISION for a plan. A RED plan cannot be
// approved.
func (o *Orchestrator) Approve(ctx context.Context, planID, approver, reason string, d DecisionPayload) (*contracts.Artifact, error) {
	return o.decide(ctx, planID, approver, reason, contracts.StatusApproved, d)
}

// Reject writes a REJECTED DECISION. Operators may reject any plan.
func (o *Orchestrator) Reject(ctx context.Context, planID, approver, reason string, d DecisionPayload) (*contracts.Artifact, error) {
	return o.decide(ctx, planID, approver, reason, contracts.StatusRejected, d)
}

func (o *Orchestrator) decide(ctx context.Context, planID, approver, reason string, status contracts.Status, d DecisionPayload) (*contracts.Artifact, error) {
	if approver == "" {
		return nil, validationf("approver identity is required")
	}
	plan, err := o.backend.Artifacts.GetArtifact(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Stage != contracts.StagePlan {
		return nil, validationf("artifact %s is a %s, not a PLAN", plan.ArtifactID, plan.Stage)
	}

	var pp PlanPayload
	if err := json.Unmarshal(plan.Payload, &pp); err != nil {
		return nil, fmt.Errorf("pipeline: plan payload parse: %w", err)
	}
	if status == contracts.StatusApproved && pp.Feasibility.Blocking() {
		return nil, ErrFeasibilityBlocked
	}

	d.ApprovedBy = approver
	d.Reason = reason
	payload, sha, _, err := canonicalize.Payload(d)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decision payload: %w", err)
	}

	tool := plan.IndexMeta.ToolKind
	meta := plan.IndexMeta
	meta.ApprovedBy = approver
	artifact := &contracts.Artifact{
		Kind:      contracts.KindFor(tool, contracts.StageDecision),
		Stage:     contracts.StageDecision,
		CreatedBy: approver,
		ParentIDs: map[string]string{
			contracts.RelPlan: plan.ArtifactID,
			contracts.RelSpec: plan.ParentIDs[contracts.RelSpec],
		},
		IndexMeta:         meta,
		Payload:           payload,
		PayloadSHA256:     sha,
		ConfigFingerprint: o.cfg.ConfigFingerprint,
		Status:            status,
	}
	out, err := o.put(ctx, artifact, contracts.StageDecision)
	if err != nil {
		return nil, err
	}
	o.log.Info("decision recorded",
		"artifact_id", out.ArtifactID,
		"tool", tool,
		"status", status,
		"approved_by", approver)
	return out, nil
}

// Execute recomputes feasibility for the decision's spec under the plan's
// context, verifies the fingerprint matches the plan's, and invokes the
// registered computation engine. Engine failures and stage timeouts are
// captured as EXECUTION artifacts with status ERROR; drift fails without
// writing anything.
func (o *Orchestrator) Execute(ctx context.Context, decisionID string) (*contracts.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Execute)
	defer cancel()

	decision, err := o.backend.Artifacts.GetArtifact(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if decision.Stage != contracts.StageDecision {
		return nil, validationf("artifact %s is a %s, not a DECISION", decision.ArtifactID, decision.Stage)
	}
	if decision.Status != contracts.StatusApproved {
		return nil, fmt.Errorf("%w: decision %s is %s, not APPROVED",
			store.ErrInvariantViolation, decision.ArtifactID, decision.Status)
	}

	plan, err := o.backend.Artifacts.GetArtifact(ctx, decision.ParentIDs[contracts.RelPlan])
	if err != nil {
		return nil, err
	}
	spec, err := o.backend.Artifacts.GetArtifact(ctx, decision.ParentIDs[contracts.RelSpec])
	if err != nil {
		return nil, err
	}
	var pp PlanPayload
	if err := json.Unmarshal(plan.Payload, &pp); err != nil {
		return nil, fmt.Errorf("pipeline: plan payload parse: %w", err)
	}

	// Server-side recompute: the context is rebuilt from current state
	// (including the overrides store), not read off the plan. Anything
	// that changed since plan time shows up as a fingerprint mismatch.
	tool := decision.IndexMeta.ToolKind
	mctx, err := o.buildContext(ctx, tool, spec, pp.Request)
	if err != nil {
		return nil, err
	}

	verdict, err := o.feas.Evaluate(ctx, spec.Payload, mctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return o.writeExecutionError(ctx, decision, "Timeout", "feasibility recompute exceeded the stage budget")
		}
		return nil, fmt.Errorf("pipeline: feasibility recompute: %w", err)
	}
	if verdict.InputsFingerprint != pp.Feasibility.InputsFingerprint {
		o.log.Warn("drift detected",
			"decision_id", decision.ArtifactID,
			"plan_fingerprint", pp.Feasibility.InputsFingerprint,
			"recomputed_fingerprint", verdict.InputsFingerprint)
		return nil, ErrDriftDetected
	}
	if verdict.Blocking() {
		return nil, ErrFeasibilityBlocked
	}

	engine, err := o.engines.Lookup(tool)
	if err != nil {
		return o.writeExecutionError(ctx, decision, "EngineError", err.Error())
	}

	result, err := engine.Compute(ctx, spec.Payload, mctx, verdict)
	if err != nil {
		diagnostic := "EngineError"
		if errors.Is(err, context.DeadlineExceeded) {
			diagnostic = "Timeout"
		}
		return o.writeExecutionError(ctx, decision, diagnostic, err.Error())
	}

	refs := make([]contracts.AttachmentRef, 0, len(result.Blobs))
	for _, blob := range result.Blobs {
		sha, err := o.backend.Blobs.Put(ctx, blob.Bytes)
		if err != nil {
			return nil, err
		}
		refs = append(refs, contracts.AttachmentRef{
			SHA256:   sha,
			Kind:     string(blob.Kind),
			Filename: blob.Filename,
			MIME:     blob.MIME,
			Role:     blob.Role,
		})
		meta := contracts.AttachmentMeta{
			SHA256:       sha,
			MIME:         blob.MIME,
			Filename:     blob.Filename,
			SizeBytes:    int64(len(blob.Bytes)),
			Kind:         blob.Kind,
			CreatedAtUTC: time.Now().UTC(),
		}
		if err := o.backend.Meta.UpsertMeta(ctx, meta); err != nil {
			return nil, err
		}
	}

	payload, sha, _, err := canonicalize.Payload(ExecutionPayload{
		EngineName:        engine.Name(),
		Summary:           result.Summary,
		InputsFingerprint: verdict.InputsFingerprint,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: execution payload: %w", err)
	}

	artifact := &contracts.Artifact{
		Kind:                 contracts.KindFor(tool, contracts.StageExecution),
		Stage:                contracts.StageExecution,
		ParentIDs:            map[string]string{contracts.RelDecision: decision.ArtifactID},
		IndexMeta:            decision.IndexMeta,
		Payload:              payload,
		PayloadSHA256:        sha,
		EngineVersion:        engine.Version(),
		PostProcessorVersion: engine.PostProcessorVersion(),
		ConfigFingerprint:    o.cfg.ConfigFingerprint,
		Status:               contracts.StatusOK,
		AttachmentRefs:       refs,
	}
	out, err := o.put(ctx, artifact, contracts.StageExecution)
	if err != nil {
		return nil, err
	}
	o.log.Info("execution completed",
		"artifact_id", out.ArtifactID,
		"tool", tool,
		"attachments", len(refs))
	return out, nil
}

// RetryExecution creates a new EXECUTION sharing the original's DECISION
// parent. The original artifact is untouched; a deterministic engine
// reproduces byte-identical attachments under the same blob digests.
func (o *Orchestrator) RetryExecution(ctx context.Context, executionID string) (*contracts.Artifact, error) {
	execution, err := o.backend.Artifacts.GetArtifact(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Stage != contracts.StageExecution {
		return nil, validationf("artifact %s is a %s, not an EXECUTION", execution.ArtifactID, execution.Stage)
	}
	return o.Execute(ctx, execution.ParentIDs[contracts.RelDecision])
}

// writeExecutionError records a failed computation as an auditable
// EXECUTION artifact with status ERROR. A fresh context detached from the
// expired stage budget performs the write.
func (o *Orchestrator) writeExecutionError(ctx context.Context, decision *contracts.Artifact, diagnostic, detail string) (*contracts.Artifact, error) {
	writeCtx := context.WithoutCancel(ctx)

	payload, sha, _, err := canonicalize.Payload(ExecutionPayload{
		Diagnostic: diagnostic,
		Error:      detail,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: error payload: %w", err)
	}
	tool := decision.IndexMeta.ToolKind
	artifact := &contracts.Artifact{
		Kind:              contracts.KindFor(tool, contracts.StageExecution),
		Stage:             contracts.StageExecution,
		ParentIDs:         map[string]string{contracts.RelDecision: decision.ArtifactID},
		IndexMeta:         decision.IndexMeta,
		Payload:           payload,
		PayloadSHA256:     sha,
		ConfigFingerprint: o.cfg.ConfigFingerprint,
		Status:            contracts.StatusError,
	}
	out, err := o.put(writeCtx, artifact, contracts.StageExecution)
	if err != nil {
		return nil, err
	}
	o.log.Warn("execution failed",
		"artifact_id", out.ArtifactID,
		"tool", tool,
		"diagnostic", diagnostic)
	return out, nil
}

// put writes an artifact and reads it back with its assigned identity.
func (o *Orchestrator) put(ctx context.Context, a *contracts.Artifact, stage contracts.Stage) (*contracts.Artifact, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && stage != contracts.StageExecution {
		return nil, ErrTimeout
	}
	id, err := o.backend.Artifacts.PutArtifact(ctx, a)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && stage != contracts.StageExecution {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return o.backend.Artifacts.GetArtifact(ctx, id)
}
