package feedback

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultPolicyExpr is the stock auto-decision expression: accept an
// event when at least one signal is confident and the batch was large
// enough to mean something.
const DefaultPolicyExpr = `signal_count >= 1 && max_confidence >= 0.5 && parts_total >= 4`

// PolicyInput is the variable set exposed to the auto-decision
// expression.
type PolicyInput struct {
	YieldRate     float64
	SignalCount   int
	MaxConfidence float64
	PartsTotal    int
}

// Policy is a compiled auto-decision expression. The expression must
// evaluate to a boolean; accept on true, reject on false.
type Policy struct {
	expr    string
	program cel.Program
}

// NewPolicy compiles an auto-decision expression.
func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		expr = DefaultPolicyExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("yield_rate", cel.DoubleType),
		cel.Variable("signal_count", cel.IntType),
		cel.Variable("max_confidence", cel.DoubleType),
		cel.Variable("parts_total", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("feedback: policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("feedback: policy compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("feedback: policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("feedback: policy program: %w", err)
	}
	return &Policy{expr: expr, program: prg}, nil
}

// Expr returns the source expression, recorded on every decision it
// makes.
func (p *Policy) Expr() string { return p.expr }

// Evaluate runs the expression against one event's inputs.
func (p *Policy) Evaluate(in PolicyInput) (bool, error) {
	val, _, err := p.program.Eval(map[string]any{
		"yield_rate":     in.YieldRate,
		"signal_count":   int64(in.SignalCount),
		"max_confidence": in.MaxConfidence,
		"parts_total":    int64(in.PartsTotal),
	})
	if err != nil {
		return false, fmt.Errorf("feedback: policy eval: %w", err)
	}
	accepted, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("feedback: policy returned %T, want bool", val.Value())
	}
	return accepted, nil
}
