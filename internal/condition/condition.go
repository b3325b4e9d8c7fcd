// Package condition evaluates suite item trigger conditions against the
// outcomes and turns accumulated upstream of the item.
package condition

import (
	"fmt"
	"math"
	"strings"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Context is what a condition is evaluated against. Turns are chronological.
// OutcomesByItem indexes upstream outcomes by the suite item that produced
// them so risk_threshold can narrow to source_item_ids.
type Context struct {
	Outcomes       []domain.ScenarioOutcome
	Turns          []domain.ScenarioTurn
	OutcomesByItem map[string][]domain.ScenarioOutcome
}

// Result is the outcome of one evaluation. Err is a *domain.ConditionEvaluationError
// when the condition was malformed; Met is always false in that case.
type Result struct {
	Met         bool
	Explanation string
	Err         error
}

// Evaluator evaluates trigger conditions. It holds no state besides a cache of
// compiled expressions, so Evaluate is safe for concurrent use.
type Evaluator struct {
	exprs *expressionCompiler
}

// NewEvaluator creates an evaluator.
func NewEvaluator() (*Evaluator, error) {
	exprs, err := newExpressionCompiler()
	if err != nil {
		return nil, err
	}
	return &Evaluator{exprs: exprs}, nil
}

// Validate checks a condition for structural errors without evaluating it.
func (e *Evaluator) Validate(cond domain.TriggerCondition) error {
	if err := checkShape(cond); err != nil {
		return err
	}
	if cond.Type == domain.ConditionCustomExpression {
		if _, err := e.exprs.compile(cond.CustomExpression); err != nil {
			return fail(cond.Type, "%v", err)
		}
	}
	return nil
}

// Evaluate decides whether cond is met in ectx. Malformed conditions fail closed.
func (e *Evaluator) Evaluate(cond domain.TriggerCondition, ectx Context) Result {
	if err := checkShape(cond); err != nil {
		return failed(err)
	}

	switch cond.Type {
	case domain.ConditionAlways:
		return Result{Met: true, Explanation: "always"}
	case domain.ConditionRiskThreshold:
		return evalRiskThreshold(cond.RiskThreshold, ectx)
	case domain.ConditionSentimentShift:
		return evalSentimentShift(cond.SentimentShift, ectx)
	case domain.ConditionKeywordMatch:
		return evalKeywordMatch(cond.KeywordMatch, ectx)
	case domain.ConditionAgentResponse:
		return evalAgentResponse(cond.AgentResponse, ectx)
	case domain.ConditionOutcomeMatch:
		return evalOutcomeMatch(cond.OutcomeMatch, ectx)
	case domain.ConditionCustomExpression:
		return e.evalCustomExpression(cond.CustomExpression, ectx)
	}
	return failed(fail(cond.Type, "unknown condition type"))
}

func fail(t domain.ConditionType, format string, args ...any) *domain.ConditionEvaluationError {
	return &domain.ConditionEvaluationError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

func failed(err error) Result {
	return Result{Met: false, Explanation: err.Error(), Err: err}
}

// checkShape validates the tag and the variant fields it requires.
func checkShape(c domain.TriggerCondition) error {
	if c.DecodeErr != "" {
		return fail(c.Type, "%s", c.DecodeErr)
	}
	switch c.Type {
	case domain.ConditionAlways:
		return nil
	case domain.ConditionRiskThreshold:
		v := c.RiskThreshold
		if v == nil {
			return fail(c.Type, "missing body")
		}
		if !v.MinRiskLevel.Valid() {
			return fail(c.Type, "invalid min_risk_level %q", v.MinRiskLevel)
		}
		if v.Comparison != "" {
			if _, err := v.Comparison.Compare(0, 0); err != nil {
				return fail(c.Type, "%v", err)
			}
		}
	case domain.ConditionSentimentShift:
		v := c.SentimentShift
		if v == nil {
			return fail(c.Type, "missing body")
		}
		if v.Direction != domain.SentimentPositive && v.Direction != domain.SentimentNegative {
			return fail(c.Type, "invalid direction %q", v.Direction)
		}
		if v.Magnitude != nil && (*v.Magnitude < 0 || *v.Magnitude > 1) {
			return fail(c.Type, "magnitude must be within [0,1]")
		}
	case domain.ConditionKeywordMatch:
		v := c.KeywordMatch
		if v == nil {
			return fail(c.Type, "missing body")
		}
		if len(nonEmpty(v.Keywords)) == 0 {
			return fail(c.Type, "keywords must not be empty")
		}
		if v.MatchMode != "" && v.MatchMode != domain.MatchAny && v.MatchMode != domain.MatchAll {
			return fail(c.Type, "invalid match_mode %q", v.MatchMode)
		}
	case domain.ConditionAgentResponse:
		v := c.AgentResponse
		if v == nil {
			return fail(c.Type, "missing body")
		}
		if v.AgentRoleType == "" {
			return fail(c.Type, "agent_role_type is required")
		}
		if v.SentimentThreshold != nil && math.Abs(*v.SentimentThreshold) > 1 {
			return fail(c.Type, "sentiment_threshold must be within [-1,1]")
		}
	case domain.ConditionOutcomeMatch:
		v := c.OutcomeMatch
		if v == nil {
			return fail(c.Type, "missing body")
		}
		switch v.OutcomeType {
		case domain.OutcomeRisk, domain.OutcomeOpportunity, domain.OutcomeNeutral:
		default:
			return fail(c.Type, "invalid outcome_type %q", v.OutcomeType)
		}
		if v.MinSeverity != "" && !v.MinSeverity.Valid() {
			return fail(c.Type, "invalid min_severity %q", v.MinSeverity)
		}
	case domain.ConditionCustomExpression:
		v := c.CustomExpression
		if v == nil {
			return fail(c.Type, "missing body")
		}
		if strings.TrimSpace(v.Expression) == "" {
			return fail(c.Type, "expression is required")
		}
	case "":
		return fail(c.Type, "missing condition type")
	default:
		return fail(c.Type, "unknown condition type")
	}
	return nil
}

func evalRiskThreshold(v *domain.RiskThresholdCondition, ectx Context) Result {
	outcomes := ectx.Outcomes
	if len(v.SourceItemIDs) > 0 {
		outcomes = nil
		for _, id := range v.SourceItemIDs {
			outcomes = append(outcomes, ectx.OutcomesByItem[id]...)
		}
	}
	if len(outcomes) == 0 {
		return Result{Explanation: "no upstream outcomes to compare"}
	}

	highest := domain.RiskLevel("")
	for _, o := range outcomes {
		highest = domain.MaxRisk(highest, o.RiskLevel)
	}
	if !highest.Valid() {
		return Result{Explanation: "upstream outcomes carry no risk level"}
	}

	cmp := v.Comparison
	if cmp == "" {
		cmp = domain.ComparisonGTE
	}
	met, _ := cmp.Compare(highest.Rank(), v.MinRiskLevel.Rank())
	return Result{
		Met:         met,
		Explanation: fmt.Sprintf("max risk %s %s %s: %t", highest, cmp, v.MinRiskLevel, met),
	}
}

func evalSentimentShift(v *domain.SentimentShiftCondition, ectx Context) Result {
	if len(ectx.Turns) == 0 {
		return Result{Explanation: "no turns to read sentiment from"}
	}
	score := ectx.Turns[len(ectx.Turns)-1].Metadata.Sentiment

	signOK := (v.Direction == domain.SentimentPositive && score > 0) ||
		(v.Direction == domain.SentimentNegative && score < 0)
	magOK := v.Magnitude == nil || math.Abs(score) >= *v.Magnitude
	met := signOK && magOK

	expl := fmt.Sprintf("latest sentiment %.2f, want %s", score, v.Direction)
	if v.Magnitude != nil {
		expl += fmt.Sprintf(" with magnitude >= %.2f", *v.Magnitude)
	}
	return Result{Met: met, Explanation: fmt.Sprintf("%s: %t", expl, met)}
}

func evalKeywordMatch(v *domain.KeywordMatchCondition, ectx Context) Result {
	var corpus strings.Builder
	for _, t := range ectx.Turns {
		corpus.WriteString(t.Content)
		corpus.WriteByte('\n')
	}
	for _, o := range ectx.Outcomes {
		corpus.WriteString(o.Title)
		corpus.WriteByte('\n')
		corpus.WriteString(o.Description)
		corpus.WriteByte('\n')
	}
	text := corpus.String()

	keywords := nonEmpty(v.Keywords)
	if !v.CaseSensitive {
		text = strings.ToLower(text)
	}
	var found, missing []string
	for _, kw := range keywords {
		needle := kw
		if !v.CaseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(text, needle) {
			found = append(found, kw)
		} else {
			missing = append(missing, kw)
		}
	}

	mode := v.MatchMode
	if mode == "" {
		mode = domain.MatchAny
	}
	met := len(found) > 0
	if mode == domain.MatchAll {
		met = len(missing) == 0
	}
	return Result{
		Met:         met,
		Explanation: fmt.Sprintf("keywords (%s) found %v missing %v: %t", mode, found, missing, met),
	}
}

func evalAgentResponse(v *domain.AgentResponseCondition, ectx Context) Result {
	keywords := nonEmpty(v.ContainsKeywords)
	seen := 0
	for _, t := range ectx.Turns {
		if t.RoleType != v.AgentRoleType {
			continue
		}
		seen++
		lower := strings.ToLower(t.Content)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return Result{Met: true, Explanation: fmt.Sprintf("%s turn %d mentions %q", v.AgentRoleType, t.StepIndex, kw)}
			}
		}
		if th := v.SentimentThreshold; th != nil && crossesThreshold(t.Metadata.Sentiment, *th) {
			return Result{Met: true, Explanation: fmt.Sprintf("%s turn %d sentiment %.2f crosses %.2f", v.AgentRoleType, t.StepIndex, t.Metadata.Sentiment, *th)}
		}
		if len(keywords) == 0 && v.SentimentThreshold == nil {
			return Result{Met: true, Explanation: fmt.Sprintf("%s responded at turn %d", v.AgentRoleType, t.StepIndex)}
		}
	}
	if seen == 0 {
		return Result{Explanation: fmt.Sprintf("no %s turns", v.AgentRoleType)}
	}
	return Result{Explanation: fmt.Sprintf("%d %s turns, none matched", seen, v.AgentRoleType)}
}

// crossesThreshold treats a non-negative threshold as a floor and a negative
// one as a ceiling.
func crossesThreshold(score, threshold float64) bool {
	if threshold >= 0 {
		return score >= threshold
	}
	return score <= threshold
}

func evalOutcomeMatch(v *domain.OutcomeMatchCondition, ectx Context) Result {
	floor := v.MinSeverity
	if floor == "" {
		floor = domain.RiskLow
	}
	for _, o := range ectx.Outcomes {
		if o.Type == v.OutcomeType && o.RiskLevel.Rank() >= floor.Rank() {
			return Result{Met: true, Explanation: fmt.Sprintf("outcome %q is %s/%s", o.Title, o.Type, o.RiskLevel)}
		}
	}
	return Result{Explanation: fmt.Sprintf("no %s outcome at or above %s", v.OutcomeType, floor)}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
