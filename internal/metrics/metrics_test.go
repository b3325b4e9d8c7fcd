package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func turn(step int, agent string, tokens int, sentiment float64) domain.ScenarioTurn {
	return domain.ScenarioTurn{
		StepIndex: step,
		AgentKey:  agent,
		Metadata:  domain.TurnMetadata{TokensUsed: tokens, Sentiment: sentiment, DurationMs: 100, Retries: step % 2},
	}
}

func outcome(typ domain.OutcomeType, level domain.RiskLevel, severity float64, title string, actions ...string) domain.ScenarioOutcome {
	return domain.ScenarioOutcome{Type: typ, RiskLevel: level, Severity: severity, Title: title, RecommendedActions: actions}
}

func TestComputeRunMetrics(t *testing.T) {
	end := t0.Add(90 * time.Second)
	run := domain.SimulationRun{RunID: "run_1", SimulationID: "sim_1", Status: domain.RunStatusCompleted, StartedAt: t0, EndedAt: &end}
	turns := []domain.ScenarioTurn{
		turn(1, "ceo", 100, 0.2),
		turn(2, "press", 150, -0.4),
		turn(3, "ceo", 50, 0.5),
	}
	outcomes := []domain.ScenarioOutcome{
		outcome(domain.OutcomeRisk, domain.RiskMedium, 0.4, "leak"),
		outcome(domain.OutcomeRisk, domain.RiskHigh, 0.7, "boycott"),
		outcome(domain.OutcomeOpportunity, domain.RiskLow, 0.1, "goodwill"),
	}

	m := ComputeRunMetrics(run, turns, outcomes, t0.Add(time.Hour))
	assert.Equal(t, 3, m.Steps)
	assert.Equal(t, 300, m.TotalTokens)
	assert.Equal(t, int64(90_000), m.DurationMs)
	assert.Equal(t, int64(300), m.GenerationMs)
	assert.Equal(t, 2, m.Retries)
	assert.Equal(t, domain.RiskHigh, m.AggregateRisk)
	assert.InDelta(t, 0.1, m.AvgSentiment, 1e-9)
	assert.InDelta(t, 0.5, m.LatestSentiment, 1e-9)
	assert.Equal(t, map[string]int{"ceo": 2, "press": 1}, m.TurnsByAgent)
	assert.Equal(t, 2, m.OutcomesByType[domain.OutcomeRisk])
	assert.Equal(t, 1, m.RiskHistogram[domain.RiskHigh])
	assert.Equal(t, 0, m.RiskHistogram[domain.RiskCritical])
}

func TestComputeRunMetricsEmptyAndRunning(t *testing.T) {
	run := domain.SimulationRun{RunID: "run_2", Status: domain.RunStatusInProgress, StartedAt: t0}
	m := ComputeRunMetrics(run, nil, nil, t0.Add(5*time.Second))
	assert.Equal(t, 0, m.Steps)
	assert.Equal(t, int64(5000), m.DurationMs)
	assert.Empty(t, m.AggregateRisk)
	assert.Len(t, m.RiskHistogram, 4)

	m = ComputeRunMetrics(domain.SimulationRun{}, nil, nil, t0)
	assert.Zero(t, m.DurationMs)
}

func TestComputeSuiteMetrics(t *testing.T) {
	end := t0.Add(10 * time.Minute)
	suiteRun := domain.SuiteRun{SuiteRunID: "srun_1", Status: domain.SuiteRunStatusCompleted, StartedAt: t0, EndedAt: &end}
	runA := domain.SimulationRun{RunID: "run_a", StartedAt: t0}
	runB := domain.SimulationRun{RunID: "run_b", StartedAt: t0}

	items := []ItemResult{
		{
			Item:     domain.SuiteRunItem{ItemID: "a", Status: domain.ItemStatusCompleted, ConditionType: domain.ConditionAlways},
			Run:      &runA,
			Turns:    []domain.ScenarioTurn{turn(1, "ceo", 40, 0), turn(2, "ceo", 60, 0)},
			Outcomes: []domain.ScenarioOutcome{outcome(domain.OutcomeRisk, domain.RiskCritical, 0.9, "fraud")},
		},
		{
			Item:     domain.SuiteRunItem{ItemID: "b", Status: domain.ItemStatusCompleted, ConditionType: domain.ConditionRiskThreshold},
			Run:      &runB,
			Turns:    []domain.ScenarioTurn{turn(1, "cfo", 10, 0)},
			Outcomes: []domain.ScenarioOutcome{outcome(domain.OutcomeRisk, domain.RiskMedium, 0.3, "delay")},
		},
		{Item: domain.SuiteRunItem{ItemID: "c", Status: domain.ItemStatusConditionUnmet, ConditionType: domain.ConditionRiskThreshold}},
		{Item: domain.SuiteRunItem{ItemID: "d", Status: domain.ItemStatusSkipped}},
	}

	m := ComputeSuiteMetrics(suiteRun, items, end)
	assert.Equal(t, 4, m.Items)
	assert.Equal(t, 110, m.TotalTokens)
	assert.Equal(t, 3, m.TotalSteps)
	assert.Equal(t, int64(600_000), m.DurationMs)
	assert.Equal(t, domain.RiskCritical, m.AggregateRisk)
	assert.Equal(t, 1, m.RiskHistogram[domain.RiskCritical])
	assert.Equal(t, 1, m.RiskHistogram[domain.RiskMedium])
	assert.Equal(t, ConditionTally{Met: 1}, m.Conditions[domain.ConditionAlways])
	assert.Equal(t, ConditionTally{Met: 1, Unmet: 1}, m.Conditions[domain.ConditionRiskThreshold])
	assert.Equal(t, 2, m.ItemStatus[domain.ItemStatusCompleted])
	assert.Equal(t, 1, m.ItemStatus[domain.ItemStatusSkipped])
	require.Len(t, m.Runs, 2)
	assert.Equal(t, "run_a", m.Runs[0].RunID)
}

func TestSummarizeOutcomes(t *testing.T) {
	var outcomes []domain.ScenarioOutcome
	for i := 0; i < 7; i++ {
		outcomes = append(outcomes, outcome(domain.OutcomeRisk, domain.RiskMedium, float64(i)/10, "r", "monitor"))
	}
	outcomes = append(outcomes,
		outcome(domain.OutcomeRisk, domain.RiskCritical, 0.9, "top", "escalate", "monitor"),
		outcome(domain.OutcomeOpportunity, domain.RiskLow, 0.2, "upside"),
		outcome(domain.OutcomeNeutral, domain.RiskLow, 0, "noted"),
	)

	s := SummarizeOutcomes(outcomes)
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, domain.RiskCritical, s.HighestRisk)
	require.Len(t, s.TopRisks, 5)
	assert.Equal(t, "top", s.TopRisks[0].Title)
	assert.InDelta(t, 0.6, s.TopRisks[1].Severity, 1e-9)
	require.Len(t, s.TopOpportunities, 1)
	assert.Equal(t, []string{"monitor", "escalate"}, s.RecommendedActions)
	assert.Equal(t, 1, s.ByType[domain.OutcomeNeutral])
}

func TestSummarizeOutcomesEmpty(t *testing.T) {
	s := SummarizeOutcomes(nil)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.HighestRisk)
	assert.NotNil(t, s.TopRisks)
	assert.NotNil(t, s.RecommendedActions)
}

func TestComputeSuiteStats(t *testing.T) {
	end := func(d time.Duration) *time.Time {
		e := t0.Add(d)
		return &e
	}
	runs := []domain.SuiteRun{
		{SuiteRunID: "sr1", Status: domain.SuiteRunStatusCompleted, StartedAt: t0, EndedAt: end(10 * time.Second)},
		{SuiteRunID: "sr2", Status: domain.SuiteRunStatusFailed, StartedAt: t0, EndedAt: end(30 * time.Second)},
		{SuiteRunID: "sr3", Status: domain.SuiteRunStatusInProgress, StartedAt: t0},
	}
	latest := &SuiteMetrics{SuiteRunID: "sr3"}

	st := ComputeSuiteStats("suite_1", runs, latest, t0.Add(time.Minute))
	assert.Equal(t, 3, st.SuiteRuns)
	assert.Equal(t, 1, st.RunsByStatus[domain.SuiteRunStatusCompleted])
	assert.Equal(t, 1, st.RunsByStatus[domain.SuiteRunStatusInProgress])
	assert.InDelta(t, 0.5, st.CompletionRate, 1e-9)
	assert.Equal(t, int64(20000), st.AvgDurationMs)
	assert.Same(t, latest, st.Latest)

	empty := ComputeSuiteStats("suite_2", nil, nil, t0)
	assert.Zero(t, empty.CompletionRate)
	assert.Nil(t, empty.Latest)
}
