package service

import (
	"fmt"
	"math"
	"strings"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Convergence window defaults.
const (
	defaultStableWindow     = 3
	defaultStableThreshold  = 0.1
	defaultConsensusWindow  = 3
	defaultRepetitionWindow = 2
)

func validateCriteria(field string, criteria []domain.ConvergenceCriterion) error {
	for i, c := range criteria {
		f := fmt.Sprintf("%s.%d", field, i)
		switch c.Kind {
		case domain.ConvergeSentimentStable, domain.ConvergeConsensus, domain.ConvergeRepetition:
			if c.Window < 0 {
				return domain.NewValidationError(f+".window", "must not be negative")
			}
			if c.Threshold < 0 {
				return domain.NewValidationError(f+".threshold", "must not be negative")
			}
		case domain.ConvergeKeyword:
			if strings.TrimSpace(c.Keyword) == "" {
				return domain.NewValidationError(f+".keyword", "is required")
			}
		case domain.ConvergeRiskResolved, domain.ConvergeAllAgentsSpoken:
		default:
			return domain.NewValidationError(f+".kind", "unknown convergence kind %q", c.Kind)
		}
	}
	return nil
}

// converged returns the kind of the first criterion that matches the history.
// turns are chronological and include the step just taken.
func converged(criteria []domain.ConvergenceCriterion, turns []domain.ScenarioTurn, agents []domain.AgentDefinition) (domain.ConvergenceKind, bool) {
	for _, c := range criteria {
		if matchCriterion(c, turns, agents) {
			return c.Kind, true
		}
	}
	return "", false
}

func matchCriterion(c domain.ConvergenceCriterion, turns []domain.ScenarioTurn, agents []domain.AgentDefinition) bool {
	if len(turns) == 0 {
		return false
	}
	latest := turns[len(turns)-1]

	switch c.Kind {
	case domain.ConvergeSentimentStable:
		window := orDefault(c.Window, defaultStableWindow)
		threshold := c.Threshold
		if threshold == 0 {
			threshold = defaultStableThreshold
		}
		tail, ok := lastN(turns, window)
		if !ok {
			return false
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, t := range tail {
			lo = math.Min(lo, t.Metadata.Sentiment)
			hi = math.Max(hi, t.Metadata.Sentiment)
		}
		return hi-lo <= threshold

	case domain.ConvergeConsensus:
		tail, ok := lastN(turns, orDefault(c.Window, defaultConsensusWindow))
		if !ok {
			return false
		}
		sign := signOf(tail[0].Metadata.Sentiment)
		if sign == 0 {
			return false
		}
		for _, t := range tail[1:] {
			if signOf(t.Metadata.Sentiment) != sign {
				return false
			}
		}
		return true

	case domain.ConvergeKeyword:
		return c.Keyword != "" && strings.Contains(strings.ToLower(latest.Content), strings.ToLower(c.Keyword))

	case domain.ConvergeRiskResolved:
		if domain.RiskFromScore(latest.Metadata.RiskSignal) != domain.RiskLow {
			return false
		}
		for _, t := range turns[:len(turns)-1] {
			if domain.RiskFromScore(t.Metadata.RiskSignal).Rank() >= domain.RiskHigh.Rank() {
				return true
			}
		}
		return false

	case domain.ConvergeRepetition:
		tail, ok := lastN(turns, orDefault(c.Window, defaultRepetitionWindow))
		if !ok || len(tail) < 2 {
			return false
		}
		first := normalizeContent(tail[0].Content)
		for _, t := range tail[1:] {
			if normalizeContent(t.Content) != first {
				return false
			}
		}
		return true

	case domain.ConvergeAllAgentsSpoken:
		if len(agents) == 0 {
			return false
		}
		spoke := make(map[string]bool, len(agents))
		for _, t := range turns {
			spoke[t.AgentKey] = true
		}
		for _, a := range agents {
			if !spoke[a.AgentKey] {
				return false
			}
		}
		return true
	}
	return false
}

func lastN(turns []domain.ScenarioTurn, n int) ([]domain.ScenarioTurn, bool) {
	if n <= 0 || len(turns) < n {
		return nil, false
	}
	return turns[len(turns)-n:], true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func signOf(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	}
	return 0
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
