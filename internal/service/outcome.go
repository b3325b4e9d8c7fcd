package service

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Outcome derivation thresholds.
const (
	riskOutcomeThreshold        = 0.3
	opportunityOutcomeThreshold = 0.4
	outcomeDescriptionLimit     = 280
)

var positiveWords = wordSet(
	"confident", "confidence", "support", "supportive", "transparent", "recover", "recovering",
	"resolved", "fix", "fixed", "improve", "improved", "growth", "strong", "aligned", "trust",
	"ahead", "welcome", "positive", "opportunity", "praise", "progress", "reassure", "stable",
)

var negativeWords = wordSet(
	"concern", "concerned", "frustrated", "angry", "outrage", "fail", "failed", "failure",
	"delay", "delayed", "loss", "losses", "weak", "decline", "distrust", "cancel", "threat",
	"threatening", "boycott", "negative", "disappointed", "criticism", "blame", "worse",
)

var riskWords = wordSet(
	"lawsuit", "litigation", "investigation", "inquiry", "fine", "penalty", "breach", "leak",
	"recall", "fraud", "outage", "boycott", "downgrade", "sanction", "violation", "scandal",
	"resign", "resignation", "subpoena", "regulator", "filing", "exposure", "liability", "crisis",
)

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// scoreSentiment is a lexicon score in [-1, 1].
func scoreSentiment(text string) float64 {
	var pos, neg int
	for _, w := range tokenize(text) {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// scoreRisk is a lexicon score in [0, 1]; four risk terms saturate it.
func scoreRisk(text string) float64 {
	var hits int
	for _, w := range tokenize(text) {
		if riskWords[w] {
			hits++
		}
	}
	score := float64(hits) * 0.25
	if score > 1 {
		score = 1
	}
	return score
}

// deriveOutcomes turns the scores of one turn into findings.
func deriveOutcomes(run *domain.SimulationRun, turn *domain.ScenarioTurn, agent domain.AgentDefinition, now time.Time) []domain.ScenarioOutcome {
	var out []domain.ScenarioOutcome
	meta := turn.Metadata

	if meta.RiskSignal >= riskOutcomeThreshold {
		level := domain.RiskFromScore(meta.RiskSignal)
		out = append(out, domain.ScenarioOutcome{
			OutcomeID:          "outc_" + uuid.New().String()[:8],
			RunID:              run.RunID,
			StepIndex:          turn.StepIndex,
			Type:               domain.OutcomeRisk,
			RiskLevel:          level,
			Severity:           meta.RiskSignal,
			Title:              fmt.Sprintf("%s risk raised by %s", capitalize(string(level)), agent.Name),
			Description:        truncate(turn.Content, outcomeDescriptionLimit),
			RecommendedActions: riskActions(level, agent.RoleType),
			CreatedAt:          now,
		})
	}
	if meta.Sentiment >= opportunityOutcomeThreshold {
		out = append(out, domain.ScenarioOutcome{
			OutcomeID:          "outc_" + uuid.New().String()[:8],
			RunID:              run.RunID,
			StepIndex:          turn.StepIndex,
			Type:               domain.OutcomeOpportunity,
			RiskLevel:          domain.RiskLow,
			Severity:           meta.Sentiment,
			Title:              fmt.Sprintf("Positive signal from %s", agent.Name),
			Description:        truncate(turn.Content, outcomeDescriptionLimit),
			RecommendedActions: []string{"Amplify the message on " + string(turn.Channel)},
			CreatedAt:          now,
		})
	}
	return out
}

func neutralOutcome(run *domain.SimulationRun, stepIndex int, now time.Time) domain.ScenarioOutcome {
	return domain.ScenarioOutcome{
		OutcomeID: "outc_" + uuid.New().String()[:8],
		RunID:     run.RunID,
		StepIndex: stepIndex,
		Type:      domain.OutcomeNeutral,
		RiskLevel: domain.RiskLow,
		Title:     "No material risk or opportunity surfaced",
		CreatedAt: now,
	}
}

func riskActions(level domain.RiskLevel, role domain.RoleType) []string {
	var actions []string
	switch level {
	case domain.RiskCritical:
		actions = append(actions, "Escalate to the crisis committee", "Prepare a holding statement")
	case domain.RiskHigh:
		actions = append(actions, "Brief executive sponsors", "Prepare a holding statement")
	default:
		actions = append(actions, "Monitor coverage")
	}
	switch role {
	case domain.RoleRegulator:
		actions = append(actions, "Engage legal counsel")
	case domain.RoleInvestor, domain.RoleAnalyst:
		actions = append(actions, "Align with investor relations")
	case domain.RoleJournalist:
		actions = append(actions, "Coordinate with media relations")
	}
	return actions
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
