// Package policy evaluates the review gate that pauses runs for human review.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Review gate actions.
const (
	ActionContinue = "continue"
	ActionPause    = "pause"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.review_gate.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.review_gate.decision"),
		rego.Module("review_gate.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// ReviewInput is what the gate sees after a step.
type ReviewInput struct {
	PauseOnHighRisk bool
	StepIndex       int
	RoleType        domain.RoleType
	RiskSignal      float64
	Outcomes        []domain.ScenarioOutcome
}

// Decision is the gate verdict.
type Decision struct {
	Action  string
	Reasons []string
}

// Pause reports whether the run should wait for review.
func (d Decision) Pause() bool {
	return d.Action == ActionPause
}

// Evaluate runs the review gate for one step.
func (e *Engine) Evaluate(ctx context.Context, in ReviewInput) (Decision, error) {
	outcomes := make([]any, 0, len(in.Outcomes))
	for _, o := range in.Outcomes {
		outcomes = append(outcomes, map[string]any{
			"type":       string(o.Type),
			"risk_level": string(o.RiskLevel),
			"severity":   o.Severity,
			"title":      o.Title,
		})
	}
	input := map[string]any{
		"pause_on_high_risk": in.PauseOnHighRisk,
		"step_index":         in.StepIndex,
		"role_type":          string(in.RoleType),
		"risk_signal":        in.RiskSignal,
		"risk_level":         string(domain.RiskFromScore(in.RiskSignal)),
		"outcomes":           outcomes,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionContinue}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}
	d := Decision{Action: ActionContinue}
	if a, ok := obj["action"].(string); ok {
		d.Action = a
	}
	if rs, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range rs {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	return d, nil
}

// DefaultPolicy pauses on high or critical risk when the caller asked for it.
const DefaultPolicy = `
package review_gate

import rego.v1

high_levels := {"high", "critical"}

default decision := {"action": "continue", "reasons": []}

pause_reasons contains sprintf("turn risk level %s", [input.risk_level]) if {
	input.risk_level in high_levels
}

pause_reasons contains sprintf("outcome %q is %s", [o.title, o.risk_level]) if {
	some o in input.outcomes
	o.type == "risk"
	o.risk_level in high_levels
}

decision := {"action": "pause", "reasons": sort(pause_reasons)} if {
	input.pause_on_high_risk
	count(pause_reasons) > 0
}
`
