package batch

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"milltrack/internal/core/apperror"
)

// QualityCheck is one measured inspection on a stage. Rule, when set, is a
// CEL expression over the measured parameters deciding acceptance, e.g.
//
//	params.shade_delta <= 1.5 && params.width_cm >= 148.0
//
// Checks without a rule are judged manually and recorded with Passed set by
// the inspector.
type QualityCheck struct {
	CheckName  string         `json:"checkName"`
	Rule       string         `json:"rule,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Passed     bool           `json:"passed"`
	Remarks    string         `json:"remarks,omitempty"`
	CheckedBy  string         `json:"checkedBy"`
	CheckedAt  time.Time      `json:"checkedAt"`
}

// RuleEvaluator compiles and evaluates CEL acceptance rules. Compiled
// programs are not cached: rules are short and checks infrequent.
type RuleEvaluator struct {
	env *cel.Env
}

// NewRuleEvaluator creates the evaluator with a single `params` map variable.
func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &RuleEvaluator{env: env}, nil
}

// Evaluate runs the rule against the measured parameters and returns the
// acceptance verdict. A rule that does not produce a boolean is a validation
// error, not a failed check.
func (e *RuleEvaluator) Evaluate(rule string, params map[string]any) (bool, error) {
	ast, issues := e.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return false, apperror.NewValidation("invalid quality rule").
			WithDetail("rule", rule).
			WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, apperror.NewValidation("quality rule not executable").
			WithDetail("rule", rule).
			WithCause(err)
	}
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"params": params})
	if err != nil {
		return false, apperror.NewValidation("quality rule evaluation failed").
			WithDetail("rule", rule).
			WithCause(err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, apperror.NewValidation("quality rule must yield a boolean").
			WithDetail("rule", rule)
	}
	return verdict, nil
}

// pass marks the gate cleared.
func (g *QualityGate) pass(approver string, now time.Time) {
	g.Passed = true
	g.CheckedBy = approver
	g.CheckedAt = &now
	g.RejectionReason = ""
	g.RetestRequired = false
}

// fail records the rejection. Retest is required unless explicitly waived.
func (g *QualityGate) fail(inspector, reason string, now time.Time) {
	g.Passed = false
	g.CheckedBy = inspector
	g.CheckedAt = &now
	g.RejectionReason = reason
	g.RetestRequired = true
}
