package condition

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

func expr(expression string, vars ...string) domain.TriggerCondition {
	return domain.TriggerCondition{
		Type:             domain.ConditionCustomExpression,
		CustomExpression: &domain.CustomExpressionCondition{Expression: expression, Variables: vars},
	}
}

func TestCustomExpression(t *testing.T) {
	e := newEvaluator(t)
	ectx := Context{
		Outcomes: []domain.ScenarioOutcome{
			{Type: domain.OutcomeRisk, RiskLevel: domain.RiskHigh, Severity: 0.7},
			{Type: domain.OutcomeOpportunity, RiskLevel: domain.RiskLow, Severity: 0.2},
		},
		Turns: []domain.ScenarioTurn{
			turn(1, domain.RoleExecutive, "a", 0.4),
			turn(2, domain.RoleJournalist, "b", -0.6),
		},
	}

	cases := []struct {
		cond domain.TriggerCondition
		met  bool
	}{
		{expr("max_risk >= 2", VarMaxRisk), true},
		{expr(`max_risk_level == "critical"`, VarMaxRiskLevel), false},
		{expr("risk_count > 0 && opportunity_count > 0", VarRiskCount, VarOpportunityCount), true},
		{expr("latest_sentiment < -0.5 || turn_count > 10", VarLatestSentiment, VarTurnCount), true},
		{expr("avg_sentiment > 0", VarAvgSentiment), false},
		{expr("!(total_tokens == 20)", VarTotalTokens), false},
		{expr("max_severity >= 0.7 && outcome_count == 2", VarMaxSeverity, VarOutcomeCount), true},
	}
	for _, tc := range cases {
		res := e.Evaluate(tc.cond, ectx)
		require.NoError(t, res.Err, tc.cond.CustomExpression.Expression)
		assert.Equal(t, tc.met, res.Met, res.Explanation)
	}
}

func TestCustomExpressionRejectsOutsideGrammar(t *testing.T) {
	e := newEvaluator(t)
	rejected := []domain.TriggerCondition{
		expr("size(max_risk_level) > 0", VarMaxRiskLevel),
		expr(`max_risk_level.startsWith("h")`, VarMaxRiskLevel),
		expr("[1, 2].exists(x, x == max_risk)", VarMaxRisk),
		expr("max_risk + 1 > 2", VarMaxRisk),
		expr("max_risk > 1", VarTurnCount),
		expr("max_risk > 1", "secret_env"),
		expr("max_risk > 1"),
		expr("max_risk", VarMaxRisk),
		expr("max_risk >", VarMaxRisk),
	}
	for _, cond := range rejected {
		res := e.Evaluate(cond, Context{})
		assert.False(t, res.Met, cond.CustomExpression.Expression)
		assert.Error(t, res.Err, cond.CustomExpression.Expression)
	}
}

func TestCustomExpressionCachesPrograms(t *testing.T) {
	e := newEvaluator(t)
	cond := expr("turn_count >= 1", VarTurnCount)
	for i := 0; i < 3; i++ {
		e.Evaluate(cond, Context{})
	}
	assert.Len(t, e.exprs.programs, 1)
}

func TestVariablesWithoutData(t *testing.T) {
	vars := Variables(Context{})
	assert.Equal(t, int64(-1), vars[VarMaxRisk])
	assert.Equal(t, "", vars[VarMaxRiskLevel])
	assert.Equal(t, int64(0), vars[VarTurnCount])
	assert.Len(t, vars, len(CatalogNames()))
}

// TestRiskThresholdHighProperty: gte/high is met iff the max outcome risk is high or critical.
func TestRiskThresholdHighProperty(t *testing.T) {
	e := newEvaluator(t)
	cond := domain.TriggerCondition{
		Type:          domain.ConditionRiskThreshold,
		RiskThreshold: &domain.RiskThresholdCondition{MinRiskLevel: domain.RiskHigh, Comparison: domain.ComparisonGTE},
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("risk_threshold gte high tracks the max level", prop.ForAll(
		func(ranks []int) bool {
			outcomes := make([]domain.ScenarioOutcome, 0, len(ranks))
			top := -1
			for _, r := range ranks {
				outcomes = append(outcomes, domain.ScenarioOutcome{Type: domain.OutcomeRisk, RiskLevel: domain.RiskLevels[r]})
				if r > top {
					top = r
				}
			}
			res := e.Evaluate(cond, Context{Outcomes: outcomes})
			want := top >= domain.RiskHigh.Rank()
			return res.Err == nil && res.Met == want
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

// TestUnknownTypesFailClosedProperty: no unknown tag is ever treated as met.
func TestUnknownTypesFailClosedProperty(t *testing.T) {
	e := newEvaluator(t)
	known := map[domain.ConditionType]bool{}
	for _, ct := range domain.ConditionTypes {
		known[ct] = true
	}

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("unknown condition types are never met", prop.ForAll(
		func(tag string) bool {
			if known[domain.ConditionType(tag)] {
				return true
			}
			res := e.Evaluate(domain.TriggerCondition{Type: domain.ConditionType(tag)}, Context{})
			return !res.Met && res.Err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
