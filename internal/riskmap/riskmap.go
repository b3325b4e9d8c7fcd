// Package riskmap assembles the risk graph of a suite run and the context
// handed to the generation service for narratives.
package riskmap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// NodeKind distinguishes simulation nodes from outcome nodes.
type NodeKind string

const (
	NodeSimulation NodeKind = "simulation"
	NodeOutcome    NodeKind = "outcome"
)

// EdgeKind distinguishes dependency edges from outcome edges.
type EdgeKind string

const (
	EdgeDependency EdgeKind = "dependency"
	EdgeOutcome    EdgeKind = "outcome"
)

// Node is a vertex of the risk map.
type Node struct {
	ID           string           `json:"id"`
	Kind         NodeKind         `json:"kind"`
	Label        string           `json:"label"`
	ItemID       string           `json:"item_id,omitempty"`
	SimulationID string           `json:"simulation_id,omitempty"`
	Status       string           `json:"status,omitempty"`
	RiskLevel    domain.RiskLevel `json:"risk_level,omitempty"`
}

// Edge connects two nodes. ConditionMet is set on dependency edges whose
// target condition has been evaluated.
type Edge struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Kind         EdgeKind `json:"kind"`
	Label        string   `json:"label,omitempty"`
	ConditionMet *bool    `json:"condition_met,omitempty"`
}

// Factor is a risk or opportunity with its provenance.
type Factor struct {
	OutcomeID    string           `json:"outcome_id"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	RiskLevel    domain.RiskLevel `json:"risk_level"`
	Severity     float64          `json:"severity"`
	SourceItemID string           `json:"source_item_id"`
	SourceRunID  string           `json:"source_run_id"`
	SourceLabel  string           `json:"source_label,omitempty"`
}

// RiskMap is the assembled graph of a suite run.
type RiskMap struct {
	SuiteRunID         string           `json:"suite_run_id"`
	Nodes              []Node           `json:"nodes"`
	Edges              []Edge           `json:"edges"`
	AggregateRiskLevel domain.RiskLevel `json:"aggregate_risk_level,omitempty"`
	RiskFactors        []Factor         `json:"risk_factors"`
	Opportunities      []Factor         `json:"opportunities"`
}

// ItemInput is one suite item with everything its run produced.
type ItemInput struct {
	Item       domain.SuiteItem
	RunItem    domain.SuiteRunItem
	Simulation *domain.Simulation
	Run        *domain.SimulationRun
	Turns      []domain.ScenarioTurn
	Outcomes   []domain.ScenarioOutcome
}

// Input is the material a risk map is built from.
type Input struct {
	Suite    domain.ScenarioSuite
	SuiteRun domain.SuiteRun
	Items    []ItemInput
}

// Build assembles the risk map. Items are expected in order-index order.
func Build(in Input) RiskMap {
	m := RiskMap{
		SuiteRunID:    in.SuiteRun.SuiteRunID,
		Nodes:         []Node{},
		Edges:         []Edge{},
		RiskFactors:   []Factor{},
		Opportunities: []Factor{},
	}

	known := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		known[it.Item.ItemID] = true
	}

	seen := make(map[string]bool)
	for _, it := range in.Items {
		itemNode := itemNodeID(it.Item.ItemID)
		var level domain.RiskLevel
		for _, o := range it.Outcomes {
			level = domain.MaxRisk(level, o.RiskLevel)
		}
		m.Nodes = append(m.Nodes, Node{
			ID:           itemNode,
			Kind:         NodeSimulation,
			Label:        label(it),
			ItemID:       it.Item.ItemID,
			SimulationID: it.Item.SimulationID,
			Status:       string(it.RunItem.Status),
			RiskLevel:    level,
		})

		if parent := it.Item.DependsOnItemID; parent != "" && known[parent] {
			m.Edges = append(m.Edges, Edge{
				From:         itemNodeID(parent),
				To:           itemNode,
				Kind:         EdgeDependency,
				Label:        string(it.Item.Condition.Type),
				ConditionMet: conditionMet(it.RunItem),
			})
		}

		for _, o := range it.Outcomes {
			if seen[o.OutcomeID] {
				continue
			}
			seen[o.OutcomeID] = true
			m.Nodes = append(m.Nodes, Node{
				ID:        outcomeNodeID(o.OutcomeID),
				Kind:      NodeOutcome,
				Label:     o.Title,
				ItemID:    it.Item.ItemID,
				RiskLevel: o.RiskLevel,
			})
			m.Edges = append(m.Edges, Edge{
				From:  itemNode,
				To:    outcomeNodeID(o.OutcomeID),
				Kind:  EdgeOutcome,
				Label: string(o.Type),
			})
			m.AggregateRiskLevel = domain.MaxRisk(m.AggregateRiskLevel, o.RiskLevel)

			f := Factor{
				OutcomeID:    o.OutcomeID,
				Title:        o.Title,
				Description:  o.Description,
				RiskLevel:    o.RiskLevel,
				Severity:     o.Severity,
				SourceItemID: it.Item.ItemID,
				SourceRunID:  o.RunID,
				SourceLabel:  label(it),
			}
			switch o.Type {
			case domain.OutcomeRisk:
				m.RiskFactors = append(m.RiskFactors, f)
			case domain.OutcomeOpportunity:
				m.Opportunities = append(m.Opportunities, f)
			}
		}
	}

	sortFactors(m.RiskFactors)
	sortFactors(m.Opportunities)
	return m
}

// conditionMet is nil until the item's condition has been evaluated.
func conditionMet(ri domain.SuiteRunItem) *bool {
	met := true
	switch ri.Status {
	case domain.ItemStatusConditionUnmet:
		met = false
	case domain.ItemStatusConditionMet, domain.ItemStatusRunning, domain.ItemStatusCompleted, domain.ItemStatusFailed:
		if ri.ConditionType == "" {
			return nil
		}
	default:
		return nil
	}
	return &met
}

func sortFactors(fs []Factor) {
	sort.SliceStable(fs, func(i, j int) bool {
		if ri, rj := fs[i].RiskLevel.Rank(), fs[j].RiskLevel.Rank(); ri != rj {
			return ri > rj
		}
		return fs[i].Severity > fs[j].Severity
	})
}

func itemNodeID(itemID string) string       { return "item:" + itemID }
func outcomeNodeID(outcomeID string) string { return "outcome:" + outcomeID }

func label(it ItemInput) string {
	if it.Item.Label != "" {
		return it.Item.Label
	}
	if it.Simulation != nil && it.Simulation.Name != "" {
		return it.Simulation.Name
	}
	return it.Item.SimulationID
}

// Narrative context limits.
const (
	maxTranscript   = 24
	maxTurnChars    = 400
	maxFactorsShown = 10
)

// NarrativeContext condenses a suite run into a narrative request.
func NarrativeContext(in Input, model string) generation.NarrativeRequest {
	m := Build(in)
	title := in.Suite.Name
	if in.SuiteRun.RunLabel != "" {
		title += " / " + in.SuiteRun.RunLabel
	}

	var objectives []string
	seenObjective := make(map[domain.ObjectiveType]bool)
	var turns []domain.ScenarioTurn
	highlights := []string{}
	for _, it := range in.Items {
		if it.Simulation != nil && !seenObjective[it.Simulation.ObjectiveType] {
			seenObjective[it.Simulation.ObjectiveType] = true
			objectives = append(objectives, string(it.Simulation.ObjectiveType))
		}
		highlights = append(highlights, itemHighlight(it))
		turns = append(turns, it.Turns...)
	}

	return generation.NarrativeRequest{
		Title:         title,
		Objective:     strings.Join(objectives, ", "),
		AggregateRisk: m.AggregateRiskLevel,
		Highlights:    highlights,
		RiskFactors:   describe(m.RiskFactors),
		Opportunities: describe(m.Opportunities),
		Transcript:    transcript(turns),
		Model:         model,
	}
}

// RunNarrativeContext condenses a single run into a narrative request.
func RunNarrativeContext(sim domain.Simulation, run domain.SimulationRun, turns []domain.ScenarioTurn, outcomes []domain.ScenarioOutcome) generation.NarrativeRequest {
	it := ItemInput{
		Item:     domain.SuiteItem{ItemID: run.RunID, SimulationID: sim.SimulationID, Label: sim.Name},
		RunItem:  domain.SuiteRunItem{Status: domain.ItemStatusRunning},
		Run:      &run,
		Turns:    turns,
		Outcomes: outcomes,
	}
	m := Build(Input{Items: []ItemInput{it}})
	return generation.NarrativeRequest{
		Title:         fmt.Sprintf("%s (run %d)", sim.Name, run.RunNumber),
		Objective:     string(sim.ObjectiveType),
		AggregateRisk: m.AggregateRiskLevel,
		Highlights:    []string{runHighlight(run, len(turns))},
		RiskFactors:   describe(m.RiskFactors),
		Opportunities: describe(m.Opportunities),
		Transcript:    transcript(turns),
		Model:         sim.Config.Model,
	}
}

func itemHighlight(it ItemInput) string {
	s := fmt.Sprintf("%s: %s", label(it), it.RunItem.Status)
	if it.RunItem.ConditionExplanation != "" {
		s += " (" + it.RunItem.ConditionExplanation + ")"
	}
	if it.Run != nil {
		s += fmt.Sprintf(", %d steps", len(it.Turns))
		if it.Run.Converged {
			s += ", converged: " + it.Run.ConvergedReason
		}
	}
	return s
}

func runHighlight(run domain.SimulationRun, steps int) string {
	s := fmt.Sprintf("status %s after %d steps", run.Status, steps)
	if run.Converged {
		s += ", converged: " + run.ConvergedReason
	}
	return s
}

func describe(fs []Factor) []string {
	out := []string{}
	for i, f := range fs {
		if i == maxFactorsShown {
			break
		}
		s := fmt.Sprintf("[%s] %s", f.RiskLevel, f.Title)
		if f.SourceLabel != "" {
			s += " (source: " + f.SourceLabel + ")"
		}
		out = append(out, s)
	}
	return out
}

// transcript keeps the most recent turns.
func transcript(turns []domain.ScenarioTurn) []string {
	if len(turns) > maxTranscript {
		turns = turns[len(turns)-maxTranscript:]
	}
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		content := t.Content
		if r := []rune(content); len(r) > maxTurnChars {
			content = string(r[:maxTurnChars]) + "..."
		}
		out = append(out, fmt.Sprintf("%s (%s): %s", t.AgentKey, t.RoleType, content))
	}
	return out
}
