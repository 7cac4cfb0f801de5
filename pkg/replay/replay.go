// Package replay re-runs recorded executions against the current engine
// builds and reports divergence. A deterministic engine must reproduce
// byte-identical attachments from the stored spec and plan context; any
// mismatch means the engine, the canonicalization, or the stored inputs
// changed. Development tooling only, reads through the same store
// interfaces as everything else and writes nothing.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/store"
)

// Divergence is one mismatch between a stored execution and its replay.
type Divergence struct {
	ExecutionID string `json:"execution_id"`
	Field       string `json:"field"`
	Stored      string `json:"stored"`
	Recomputed  string `json:"recomputed"`
}

// Report summarizes a replay pass.
type Report struct {
	ExecutionsChecked int          `json:"executions_checked"`
	Skipped           int          `json:"skipped"`
	Divergences       []Divergence `json:"divergences"`
}

// Clean reports whether every checked execution reproduced exactly.
func (r *Report) Clean() bool { return len(r.Divergences) == 0 }

// Runner replays executions.
type Runner struct {
	backend store.Backend
	feas    *feasibility.Engine
	engines *engines.Registry
	log     *slog.Logger
}

// New builds a runner against the current engine registry.
func New(backend store.Backend, feas *feasibility.Engine, reg *engines.Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{backend: backend, feas: feas, engines: reg, log: log}
}

// Run replays every OK execution matching the query. ERROR executions
// and tools without a registered engine are skipped, not failed.
func (r *Runner) Run(ctx context.Context, q store.ArtifactQuery) (*Report, error) {
	q.Stage = contracts.StageExecution
	executions, err := r.backend.Artifacts.QueryArtifacts(ctx, q)
	if err != nil {
		return nil, err
	}

	report := &Report{Divergences: []Divergence{}}
	for _, execution := range executions {
		if execution.Status != contracts.StatusOK {
			report.Skipped++
			continue
		}
		divs, err := r.replayOne(ctx, execution)
		if err != nil {
			return nil, fmt.Errorf("replay: execution %s: %w", execution.ArtifactID, err)
		}
		if divs == nil {
			report.Skipped++
			continue
		}
		report.ExecutionsChecked++
		report.Divergences = append(report.Divergences, divs...)
	}
	if !report.Clean() {
		r.log.Warn("replay divergence",
			"checked", report.ExecutionsChecked,
			"divergences", len(report.Divergences))
	}
	return report, nil
}

// replayOne returns nil divergences (not an empty slice) when the
// execution cannot be replayed on this build.
func (r *Runner) replayOne(ctx context.Context, execution *contracts.Artifact) ([]Divergence, error) {
	tool := execution.IndexMeta.ToolKind
	engine, err := r.engines.Lookup(tool)
	if err != nil {
		return nil, nil
	}

	lineage, err := r.backend.Artifacts.GetLineage(ctx, execution.ArtifactID)
	if err != nil {
		return nil, err
	}
	var plan, spec *contracts.Artifact
	for _, a := range lineage {
		switch a.Stage {
		case contracts.StagePlan:
			plan = a
		case contracts.StageSpec:
			spec = a
		}
	}
	if plan == nil || spec == nil {
		return nil, fmt.Errorf("incomplete lineage")
	}
	var pp pipeline.PlanPayload
	if err := json.Unmarshal(plan.Payload, &pp); err != nil {
		return nil, fmt.Errorf("plan payload parse: %w", err)
	}
	var ep pipeline.ExecutionPayload
	if err := json.Unmarshal(execution.Payload, &ep); err != nil {
		return nil, fmt.Errorf("execution payload parse: %w", err)
	}

	divs := []Divergence{}

	// Replay runs under the plan's stored context: the question is
	// whether the same inputs still produce the same bytes, not whether
	// the environment has drifted since.
	verdict, err := r.feas.Evaluate(ctx, spec.Payload, pp.Context)
	if err != nil {
		return nil, fmt.Errorf("feasibility: %w", err)
	}
	if ep.InputsFingerprint != "" && verdict.InputsFingerprint != ep.InputsFingerprint {
		divs = append(divs, Divergence{
			ExecutionID: execution.ArtifactID,
			Field:       "inputs_fingerprint",
			Stored:      ep.InputsFingerprint,
			Recomputed:  verdict.InputsFingerprint,
		})
	}

	result, err := engine.Compute(ctx, spec.Payload, pp.Context, verdict)
	if err != nil {
		return nil, fmt.Errorf("engine compute: %w", err)
	}
	if len(result.Blobs) != len(execution.AttachmentRefs) {
		divs = append(divs, Divergence{
			ExecutionID: execution.ArtifactID,
			Field:       "attachment_count",
			Stored:      fmt.Sprintf("%d", len(execution.AttachmentRefs)),
			Recomputed:  fmt.Sprintf("%d", len(result.Blobs)),
		})
		return divs, nil
	}
	for i, blob := range result.Blobs {
		stored := execution.AttachmentRefs[i]
		recomputed := canonicalize.HashBytes(blob.Bytes)
		if recomputed != stored.SHA256 {
			divs = append(divs, Divergence{
				ExecutionID: execution.ArtifactID,
				Field:       fmt.Sprintf("attachment[%d] %s", i, stored.Kind),
				Stored:      stored.SHA256,
				Recomputed:  recomputed,
			})
		}
	}
	return divs, nil
}
