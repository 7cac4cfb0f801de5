// Package feasibility is the deterministic manufacturability scorer. It
// evaluates a (design payload, machining context) pair against a fixed
// rule set and produces a GREEN/YELLOW/RED verdict with machine-readable
// violations. The verdict is authoritative: operators may reject an
// approvable plan for any reason, but nothing in the core overrides a RED.
//
// Determinism contract: identical inputs and engine version produce a
// byte-identical verdict. Rules are evaluated in lexicographic rule_id
// order so violation lists diff stably.
package feasibility

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

// EngineVersion is stamped on every verdict. Any rule change, including a
// threshold or penalty tweak, bumps this version; drift detection keys off it.
const EngineVersion = "2.3.0"

// Bucket thresholds from the scoring algorithm.
const (
	greenFloor  = 85
	yellowFloor = 60
)

// Rule is one feasibility check. Check returns nil when the rule passes.
type Rule struct {
	ID       string
	Version  string
	Severity contracts.Severity
	Penalty  int
	Summary  string
	Check    func(in *Inputs) *contracts.Violation
}

// Engine evaluates the registered rule set.
type Engine struct {
	rules []Rule
}

// New creates an engine with the full built-in rule set.
func New() *Engine {
	all := make([]Rule, 0, len(coreRules)+len(parametricRules)+len(adversarialRules)+len(edgeRules))
	all = append(all, coreRules...)
	all = append(all, parametricRules...)
	all = append(all, adversarialRules...)
	all = append(all, edgeRules...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return &Engine{rules: all}
}

// Rules exposes the full rule set for introspection endpoints.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Version returns the engine version stamp.
func (e *Engine) Version() string { return EngineVersion }

// Evaluate scores a design payload under a machining context.
func (e *Engine) Evaluate(ctx context.Context, specPayload json.RawMessage, mctx contracts.MachiningContext) (*contracts.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("feasibility: %w", err)
	}
	if err := mctx.Validate(); err != nil {
		return nil, err
	}

	in, err := CanonicalInputs(specPayload, mctx)
	if err != nil {
		return nil, err
	}
	fingerprint, err := canonicalize.InputsFingerprint(specPayload, mctx, EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("feasibility: fingerprint: %w", err)
	}

	verdict := &contracts.Verdict{
		Score:             100,
		Violations:        []contracts.Violation{},
		InputsFingerprint: fingerprint,
		EngineVersion:     EngineVersion,
	}

	hard, soft := false, false
	for _, rule := range e.rules {
		v := rule.Check(in)
		if v == nil {
			continue
		}
		v.RuleID = rule.ID
		v.Severity = rule.Severity
		verdict.Violations = append(verdict.Violations, *v)
		verdict.Score -= rule.Penalty
		switch rule.Severity {
		case contracts.SeverityHard:
			hard = true
		case contracts.SeveritySoft:
			soft = true
		}
	}

	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 100 {
		verdict.Score = 100
	}

	switch {
	case hard:
		verdict.Bucket = contracts.BucketRed
	case verdict.Score >= greenFloor && !soft:
		verdict.Bucket = contracts.BucketGreen
	case verdict.Score >= yellowFloor:
		verdict.Bucket = contracts.BucketYellow
	default:
		verdict.Bucket = contracts.BucketRed
	}
	return verdict, nil
}
