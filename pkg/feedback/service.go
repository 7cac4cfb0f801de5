package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/store"
)

// PolicyActor is the created_by identity stamped on auto decisions.
const PolicyActor = "policy-auto"

// JobLogPayload is the JOB_LOG artifact payload.
type JobLogPayload struct {
	Metrics contracts.JobMetrics `json:"metrics"`
}

// DecisionRecord is the LEARNING_DECISION artifact payload.
type DecisionRecord struct {
	PolicyExpr  string                        `json:"policy_expr"`
	Accepted    bool                          `json:"accepted"`
	Multipliers contracts.LearningMultipliers `json:"multipliers"`
}

// RollupPayload is the ROLLUP artifact payload: the per-batch
// aggregates downstream dashboards read instead of raw job logs.
type RollupPayload struct {
	TotalMin   float64 `json:"total_min"`
	SetupMin   float64 `json:"setup_min"`
	CutMin     float64 `json:"cut_min"`
	PartsOK    int     `json:"parts_ok"`
	PartsScrap int     `json:"parts_scrap"`
	YieldRate  float64 `json:"yield_rate"`
	EventCount int     `json:"event_count"`
}

// Service records job outcomes and drives the learning hooks.
type Service struct {
	backend store.Backend
	cfg     pipeline.Config
	policy  *Policy
	log     *slog.Logger
}

// NewService wires the feedback service. A nil policy compiles the
// default expression.
func NewService(backend store.Backend, cfg pipeline.Config, policy *Policy, log *slog.Logger) (*Service, error) {
	if policy == nil {
		var err error
		policy, err = NewPolicy("")
		if err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{backend: backend, cfg: cfg, policy: policy, log: log}, nil
}

// WriteJobLog records operator-observed outcomes against an execution.
// When the tool's hooks are enabled the learning and rollup artifacts
// follow in the same call; hook failures are logged, never surfaced, so
// the job log itself always lands first.
func (s *Service) WriteJobLog(ctx context.Context, executionID string, metrics contracts.JobMetrics) (*contracts.Artifact, error) {
	execution, err := s.backend.Artifacts.GetArtifact(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Stage != contracts.StageExecution {
		return nil, fmt.Errorf("%w: artifact %s is a %s, not an EXECUTION",
			store.ErrInvariantViolation, execution.ArtifactID, execution.Stage)
	}
	tool := execution.IndexMeta.ToolKind

	payload, sha, _, err := canonicalize.Payload(JobLogPayload{Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("feedback: job log payload: %w", err)
	}
	jobLog := &contracts.Artifact{
		Kind:  contracts.KindFor(tool, contracts.StageJobLog),
		Stage: contracts.StageJobLog,
		ParentIDs: map[string]string{
			contracts.RelExecution: execution.ArtifactID,
			contracts.RelDecision:  execution.ParentIDs[contracts.RelDecision],
		},
		IndexMeta:         execution.IndexMeta,
		Payload:           payload,
		PayloadSHA256:     sha,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Status:            contracts.StatusOK,
	}
	out, err := s.put(ctx, jobLog)
	if err != nil {
		return nil, err
	}
	s.log.Info("job log recorded",
		"artifact_id", out.ArtifactID,
		"tool", tool,
		"yield_rate", metrics.YieldRate)

	flags := s.cfg.FlagsFor(tool)
	if flags.LearningHook {
		if err := s.runLearning(ctx, out, execution, metrics); err != nil {
			s.log.Warn("learning hook failed",
				"job_log_id", out.ArtifactID, "error", err)
		}
	}
	if flags.MetricsRollupHook {
		if err := s.writeRollup(ctx, execution, metrics); err != nil {
			s.log.Warn("rollup hook failed",
				"job_log_id", out.ArtifactID, "error", err)
		}
	}
	return out, nil
}

// runLearning turns detected signals into a LEARNING_EVENT, asks the
// policy for a LEARNING_DECISION, and persists the override when
// accepted.
func (s *Service) runLearning(ctx context.Context, jobLog, execution *contracts.Artifact, metrics contracts.JobMetrics) error {
	signals := DetectSignals(metrics)
	if len(signals) == 0 {
		return nil
	}
	tool := execution.IndexMeta.ToolKind

	key, err := s.overrideKey(ctx, execution)
	if err != nil {
		return err
	}
	combined := CombineSignals(signals)

	eventPayload, sha, _, err := canonicalize.Payload(contracts.LearningEventPayload{
		Key:      key,
		Signals:  signals,
		Combined: combined,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("feedback: event payload: %w", err)
	}
	event, err := s.put(ctx, &contracts.Artifact{
		Kind:              contracts.KindFor(tool, contracts.StageLearningEvent),
		Stage:             contracts.StageLearningEvent,
		ParentIDs:         map[string]string{contracts.RelJobLog: jobLog.ArtifactID},
		IndexMeta:         execution.IndexMeta,
		Payload:           eventPayload,
		PayloadSHA256:     sha,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Status:            contracts.StatusOK,
	})
	if err != nil {
		return err
	}

	maxConf := 0.0
	for _, sig := range signals {
		if sig.Confidence > maxConf {
			maxConf = sig.Confidence
		}
	}
	accepted, err := s.policy.Evaluate(PolicyInput{
		YieldRate:     metrics.YieldRate,
		SignalCount:   len(signals),
		MaxConfidence: maxConf,
		PartsTotal:    metrics.PartsOK + metrics.PartsScrap,
	})
	if err != nil {
		return err
	}

	status := contracts.StatusRejected
	if accepted {
		status = contracts.StatusApproved
	}
	decisionPayload, sha, _, err := canonicalize.Payload(DecisionRecord{
		PolicyExpr:  s.policy.Expr(),
		Accepted:    accepted,
		Multipliers: combined,
	})
	if err != nil {
		return fmt.Errorf("feedback: decision payload: %w", err)
	}
	if _, err := s.put(ctx, &contracts.Artifact{
		Kind:              contracts.KindFor(tool, contracts.StageLearningDecision),
		Stage:             contracts.StageLearningDecision,
		CreatedBy:         PolicyActor,
		ParentIDs:         map[string]string{contracts.RelEvent: event.ArtifactID},
		IndexMeta:         execution.IndexMeta,
		Payload:           decisionPayload,
		PayloadSHA256:     sha,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Status:            status,
	}); err != nil {
		return err
	}
	s.log.Info("learning decision",
		"event_id", event.ArtifactID,
		"tool", tool,
		"accepted", accepted,
		"max_confidence", maxConf)
	if !accepted {
		return nil
	}

	return s.backend.Overrides.PutOverride(ctx, contracts.LearningOverride{
		Key:           key,
		Multipliers:   combined,
		AcceptedBy:    PolicyActor,
		AcceptedAtUTC: time.Now().UTC(),
		SourceEventID: event.ArtifactID,
	})
}

// overrideKey derives the override tuple from the execution's plan. The
// plan's stored context names the material and machine profile the
// verdict was computed under.
func (s *Service) overrideKey(ctx context.Context, execution *contracts.Artifact) (contracts.OverrideKey, error) {
	lineage, err := s.backend.Artifacts.GetLineage(ctx, execution.ArtifactID)
	if err != nil {
		return contracts.OverrideKey{}, err
	}
	for _, a := range lineage {
		if a.Stage != contracts.StagePlan {
			continue
		}
		var pp pipeline.PlanPayload
		if err := json.Unmarshal(a.Payload, &pp); err != nil {
			return contracts.OverrideKey{}, fmt.Errorf("feedback: plan payload parse: %w", err)
		}
		opType := ""
		if len(pp.Setups) > 0 {
			opType = pp.Setups[0].OpType
		}
		return contracts.OverrideKey{
			ToolID:           execution.IndexMeta.ToolKind,
			MaterialID:       pp.Context.MaterialID,
			OperationKind:    opType,
			MachineProfileID: pp.Context.MachineProfileID,
		}, nil
	}
	return contracts.OverrideKey{}, fmt.Errorf("feedback: no plan in lineage of %s", execution.ArtifactID)
}

// writeRollup records the per-batch aggregate as a ROLLUP artifact.
func (s *Service) writeRollup(ctx context.Context, execution *contracts.Artifact, metrics contracts.JobMetrics) error {
	events := 0
	for _, n := range metrics.Events {
		events += n
	}
	payload, sha, _, err := canonicalize.Payload(RollupPayload{
		TotalMin:   metrics.TotalMin,
		SetupMin:   metrics.SetupMin,
		CutMin:     metrics.CutMin,
		PartsOK:    metrics.PartsOK,
		PartsScrap: metrics.PartsScrap,
		YieldRate:  metrics.YieldRate,
		EventCount: events,
	})
	if err != nil {
		return fmt.Errorf("feedback: rollup payload: %w", err)
	}
	tool := execution.IndexMeta.ToolKind
	_, err = s.put(ctx, &contracts.Artifact{
		Kind:  contracts.KindFor(tool, contracts.StageRollup),
		Stage: contracts.StageRollup,
		ParentIDs: map[string]string{
			contracts.RelExecution: execution.ArtifactID,
			contracts.RelDecision:  execution.ParentIDs[contracts.RelDecision],
		},
		IndexMeta:         execution.IndexMeta,
		Payload:           payload,
		PayloadSHA256:     sha,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Status:            contracts.StatusOK,
	})
	return err
}

func (s *Service) put(ctx context.Context, a *contracts.Artifact) (*contracts.Artifact, error) {
	id, err := s.backend.Artifacts.PutArtifact(ctx, a)
	if err != nil {
		return nil, err
	}
	return s.backend.Artifacts.GetArtifact(ctx, id)
}
