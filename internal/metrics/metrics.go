// Package metrics aggregates runs and suite runs into token, step, duration and
// risk figures.
package metrics

import (
	"sort"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// RunMetrics summarizes one simulation run.
type RunMetrics struct {
	RunID           string                     `json:"run_id"`
	SimulationID    string                     `json:"simulation_id"`
	Status          domain.RunStatus           `json:"status"`
	Steps           int                        `json:"steps"`
	TotalTokens     int                        `json:"total_tokens"`
	DurationMs      int64                      `json:"duration_ms"`
	GenerationMs    int64                      `json:"generation_ms"`
	Retries         int                        `json:"retries"`
	AggregateRisk   domain.RiskLevel           `json:"aggregate_risk_level,omitempty"`
	AvgSentiment    float64                    `json:"avg_sentiment"`
	LatestSentiment float64                    `json:"latest_sentiment"`
	TurnsByAgent    map[string]int             `json:"turns_by_agent"`
	OutcomesByType  map[domain.OutcomeType]int `json:"outcomes_by_type"`
	RiskHistogram   map[domain.RiskLevel]int   `json:"risk_histogram"`
}

// ComputeRunMetrics derives metrics for a run. now bounds the duration of a
// run that has not ended.
func ComputeRunMetrics(run domain.SimulationRun, turns []domain.ScenarioTurn, outcomes []domain.ScenarioOutcome, now time.Time) RunMetrics {
	m := RunMetrics{
		RunID:          run.RunID,
		SimulationID:   run.SimulationID,
		Status:         run.Status,
		Steps:          len(turns),
		DurationMs:     duration(run.StartedAt, run.EndedAt, now),
		TurnsByAgent:   make(map[string]int),
		OutcomesByType: make(map[domain.OutcomeType]int),
		RiskHistogram:  emptyHistogram(),
	}

	var sentimentSum float64
	for _, t := range turns {
		m.TotalTokens += t.Metadata.TokensUsed
		m.GenerationMs += t.Metadata.DurationMs
		m.Retries += t.Metadata.Retries
		m.TurnsByAgent[t.AgentKey]++
		sentimentSum += t.Metadata.Sentiment
	}
	if len(turns) > 0 {
		m.AvgSentiment = sentimentSum / float64(len(turns))
		m.LatestSentiment = turns[len(turns)-1].Metadata.Sentiment
	}

	for _, o := range outcomes {
		m.OutcomesByType[o.Type]++
		if o.RiskLevel.Valid() {
			m.RiskHistogram[o.RiskLevel]++
		}
		m.AggregateRisk = domain.MaxRisk(m.AggregateRisk, o.RiskLevel)
	}
	return m
}

// ItemResult bundles a suite run item with whatever its simulation run produced.
// Run is nil for items that never dispatched.
type ItemResult struct {
	Item     domain.SuiteRunItem
	Run      *domain.SimulationRun
	Turns    []domain.ScenarioTurn
	Outcomes []domain.ScenarioOutcome
}

// ConditionTally counts evaluations of one condition type.
type ConditionTally struct {
	Met   int `json:"met"`
	Unmet int `json:"unmet"`
}

// SuiteMetrics rolls run metrics up across a suite run.
type SuiteMetrics struct {
	SuiteRunID    string                                  `json:"suite_run_id"`
	Status        domain.SuiteRunStatus                   `json:"status"`
	Items         int                                     `json:"items"`
	ItemStatus    map[domain.SuiteRunItemStatus]int       `json:"item_status"`
	TotalTokens   int                                     `json:"total_tokens"`
	TotalSteps    int                                     `json:"total_steps"`
	DurationMs    int64                                   `json:"duration_ms"`
	AggregateRisk domain.RiskLevel                        `json:"aggregate_risk_level,omitempty"`
	RiskHistogram map[domain.RiskLevel]int                `json:"risk_histogram"`
	Conditions    map[domain.ConditionType]ConditionTally `json:"conditions"`
	Runs          []RunMetrics                            `json:"runs"`
}

// ComputeSuiteMetrics derives metrics for a suite run.
func ComputeSuiteMetrics(suiteRun domain.SuiteRun, items []ItemResult, now time.Time) SuiteMetrics {
	m := SuiteMetrics{
		SuiteRunID:    suiteRun.SuiteRunID,
		Status:        suiteRun.Status,
		Items:         len(items),
		ItemStatus:    make(map[domain.SuiteRunItemStatus]int),
		DurationMs:    duration(suiteRun.StartedAt, suiteRun.EndedAt, now),
		RiskHistogram: emptyHistogram(),
		Conditions:    make(map[domain.ConditionType]ConditionTally),
		Runs:          []RunMetrics{},
	}

	for _, r := range items {
		m.ItemStatus[r.Item.Status]++
		if r.Item.ConditionType != "" {
			tally := m.Conditions[r.Item.ConditionType]
			if r.Item.Status == domain.ItemStatusConditionUnmet {
				tally.Unmet++
			} else {
				tally.Met++
			}
			m.Conditions[r.Item.ConditionType] = tally
		}
		if r.Run == nil {
			continue
		}
		rm := ComputeRunMetrics(*r.Run, r.Turns, r.Outcomes, now)
		m.Runs = append(m.Runs, rm)
		m.TotalTokens += rm.TotalTokens
		m.TotalSteps += rm.Steps
		for level, n := range rm.RiskHistogram {
			m.RiskHistogram[level] += n
		}
		m.AggregateRisk = domain.MaxRisk(m.AggregateRisk, rm.AggregateRisk)
	}
	return m
}

// OutcomeSummary condenses a set of outcomes for display.
type OutcomeSummary struct {
	Total              int                        `json:"total"`
	ByType             map[domain.OutcomeType]int `json:"by_type"`
	ByRiskLevel        map[domain.RiskLevel]int   `json:"by_risk_level"`
	HighestRisk        domain.RiskLevel           `json:"highest_risk_level,omitempty"`
	TopRisks           []domain.ScenarioOutcome   `json:"top_risks"`
	TopOpportunities   []domain.ScenarioOutcome   `json:"top_opportunities"`
	RecommendedActions []string                   `json:"recommended_actions"`
}

const topN = 5

// SummarizeOutcomes ranks outcomes by risk level then severity.
func SummarizeOutcomes(outcomes []domain.ScenarioOutcome) OutcomeSummary {
	s := OutcomeSummary{
		Total:              len(outcomes),
		ByType:             make(map[domain.OutcomeType]int),
		ByRiskLevel:        emptyHistogram(),
		TopRisks:           []domain.ScenarioOutcome{},
		TopOpportunities:   []domain.ScenarioOutcome{},
		RecommendedActions: []string{},
	}
	seen := make(map[string]bool)
	for _, o := range outcomes {
		s.ByType[o.Type]++
		if o.RiskLevel.Valid() {
			s.ByRiskLevel[o.RiskLevel]++
		}
		s.HighestRisk = domain.MaxRisk(s.HighestRisk, o.RiskLevel)
		switch o.Type {
		case domain.OutcomeRisk:
			s.TopRisks = append(s.TopRisks, o)
		case domain.OutcomeOpportunity:
			s.TopOpportunities = append(s.TopOpportunities, o)
		}
		for _, a := range o.RecommendedActions {
			if !seen[a] {
				seen[a] = true
				s.RecommendedActions = append(s.RecommendedActions, a)
			}
		}
	}
	s.TopRisks = rank(s.TopRisks)
	s.TopOpportunities = rank(s.TopOpportunities)
	return s
}

func rank(in []domain.ScenarioOutcome) []domain.ScenarioOutcome {
	sort.SliceStable(in, func(i, j int) bool {
		if ri, rj := in[i].RiskLevel.Rank(), in[j].RiskLevel.Rank(); ri != rj {
			return ri > rj
		}
		return in[i].Severity > in[j].Severity
	})
	if len(in) > topN {
		in = in[:topN]
	}
	return in
}

func emptyHistogram() map[domain.RiskLevel]int {
	h := make(map[domain.RiskLevel]int, len(domain.RiskLevels))
	for _, l := range domain.RiskLevels {
		h[l] = 0
	}
	return h
}

func duration(start time.Time, end *time.Time, now time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	stop := now
	if end != nil {
		stop = *end
	}
	if stop.Before(start) {
		return 0
	}
	return stop.Sub(start).Milliseconds()
}

// SuiteStats summarizes every run of a suite.
type SuiteStats struct {
	SuiteID        string                        `json:"suite_id"`
	SuiteRuns      int                           `json:"suite_runs"`
	RunsByStatus   map[domain.SuiteRunStatus]int `json:"runs_by_status"`
	CompletionRate float64                       `json:"completion_rate"`
	AvgDurationMs  int64                         `json:"avg_duration_ms"`
	Latest         *SuiteMetrics                 `json:"latest,omitempty"`
}

// ComputeSuiteStats derives suite-wide statistics. latest is the metrics of
// the most recent suite run, if any.
func ComputeSuiteStats(suiteID string, runs []domain.SuiteRun, latest *SuiteMetrics, now time.Time) SuiteStats {
	st := SuiteStats{
		SuiteID:      suiteID,
		SuiteRuns:    len(runs),
		RunsByStatus: make(map[domain.SuiteRunStatus]int),
		Latest:       latest,
	}
	var finished, completed int
	var total int64
	for _, r := range runs {
		st.RunsByStatus[r.Status]++
		if !r.Status.IsTerminal() {
			continue
		}
		finished++
		total += duration(r.StartedAt, r.EndedAt, now)
		if r.Status == domain.SuiteRunStatusCompleted {
			completed++
		}
	}
	if finished > 0 {
		st.CompletionRate = float64(completed) / float64(finished)
		st.AvgDurationMs = total / int64(finished)
	}
	return st
}
