package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/metrics"
	"github.com/xiaot623/gogo/scenarios/internal/riskmap"
)

func (s *Service) ComputeRunMetrics(ctx context.Context, runID string) (*metrics.RunMetrics, error) {
	run, turns, outcomes, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	m := metrics.ComputeRunMetrics(*run, turns, outcomes, s.now())
	return &m, nil
}

func (s *Service) ComputeSuiteRunMetrics(ctx context.Context, suiteRunID string) (*metrics.SuiteMetrics, error) {
	sr, in, err := s.loadSuiteRunResults(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	m := metrics.ComputeSuiteMetrics(*sr, itemResults(in), s.now())
	return &m, nil
}

func (s *Service) SummarizeRunOutcomes(ctx context.Context, runID string) (*metrics.OutcomeSummary, error) {
	outcomes, err := s.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	summary := metrics.SummarizeOutcomes(outcomes)
	return &summary, nil
}

func (s *Service) SummarizeSuiteRunOutcomes(ctx context.Context, suiteRunID string) (*metrics.OutcomeSummary, error) {
	_, in, err := s.loadSuiteRunResults(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	var outcomes []domain.ScenarioOutcome
	for _, it := range in.Items {
		outcomes = append(outcomes, it.Outcomes...)
	}
	summary := metrics.SummarizeOutcomes(outcomes)
	return &summary, nil
}

// SuiteStats aggregates every run of a suite together with the metrics of the
// most recent one.
func (s *Service) SuiteStats(ctx context.Context, suiteID string) (*metrics.SuiteStats, error) {
	if _, err := s.GetSuite(ctx, suiteID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListSuiteRuns(ctx, suiteID, domain.Page{})
	if err != nil {
		return nil, fmt.Errorf("failed to list suite runs: %w", err)
	}
	var latest *metrics.SuiteMetrics
	if len(runs) > 0 {
		latest, err = s.ComputeSuiteRunMetrics(ctx, runs[len(runs)-1].SuiteRunID)
		if err != nil {
			return nil, err
		}
	}
	stats := metrics.ComputeSuiteStats(suiteID, runs, latest, s.now())
	return &stats, nil
}

func (s *Service) GenerateRiskMap(ctx context.Context, suiteRunID string) (*riskmap.RiskMap, error) {
	_, in, err := s.loadSuiteRunResults(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	m := riskmap.Build(*in)
	return &m, nil
}

// GenerateRunNarrative hands the assembled run context to the generation
// service. The engine never writes narrative text itself.
func (s *Service) GenerateRunNarrative(ctx context.Context, runID string) (*generation.NarrativeResponse, error) {
	run, turns, outcomes, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sim, err := s.GetSimulation(ctx, run.SimulationID)
	if err != nil {
		return nil, err
	}
	req := riskmap.RunNarrativeContext(*sim, *run, turns, outcomes)
	req.Model = sim.Config.Model
	return s.narrate(ctx, domain.EntityRun, runID, req)
}

func (s *Service) GenerateSuiteRunNarrative(ctx context.Context, suiteRunID string, model string) (*generation.NarrativeResponse, error) {
	_, in, err := s.loadSuiteRunResults(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	return s.narrate(ctx, domain.EntitySuiteRun, suiteRunID, riskmap.NarrativeContext(*in, model))
}

func (s *Service) narrate(ctx context.Context, entity domain.EntityType, id string, req generation.NarrativeRequest) (*generation.NarrativeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "narrative.generate")
	defer span.End()

	resp, err := s.generator.GenerateNarrative(ctx, req)
	if err != nil {
		slog.WarnContext(ctx, "narrative generation failed", "entity_type", entity, "entity_id", id, "error", err)
		return nil, fmt.Errorf("failed to generate narrative: %w", err)
	}
	return &resp, nil
}

func (s *Service) loadRun(ctx context.Context, runID string) (*domain.SimulationRun, []domain.ScenarioTurn, []domain.ScenarioOutcome, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	turns, err := s.store.ListTurns(ctx, runID, domain.Page{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to list turns: %w", err)
	}
	outcomes, err := s.store.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	return run, turns, outcomes, nil
}

// loadSuiteRunResults gathers a suite run with every item's simulation, run,
// turns and outcomes in order-index order.
func (s *Service) loadSuiteRunResults(ctx context.Context, suiteRunID string) (*domain.SuiteRun, *riskmap.Input, error) {
	st, err := s.loadAdvanceState(ctx, suiteRunID)
	if err != nil {
		return nil, nil, err
	}

	in := &riskmap.Input{Suite: *st.suite, SuiteRun: *st.sr}
	sims := make(map[string]*domain.Simulation)
	for _, item := range st.items {
		ri := st.runItems[item.ItemID]
		if ri == nil {
			continue
		}
		it := riskmap.ItemInput{Item: item, RunItem: *ri}

		sim, ok := sims[item.SimulationID]
		if !ok {
			sim, err = s.store.GetSimulation(ctx, item.SimulationID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to get simulation: %w", err)
			}
			sims[item.SimulationID] = sim
		}
		it.Simulation = sim

		if ri.SimulationRunID != "" {
			run, turns, outcomes, err := s.loadRun(ctx, ri.SimulationRunID)
			if err != nil && !domain.IsNotFound(err) {
				return nil, nil, err
			}
			it.Run, it.Turns, it.Outcomes = run, turns, outcomes
		}
		in.Items = append(in.Items, it)
	}
	return st.sr, in, nil
}

func itemResults(in *riskmap.Input) []metrics.ItemResult {
	out := make([]metrics.ItemResult, 0, len(in.Items))
	for _, it := range in.Items {
		out = append(out, metrics.ItemResult{Item: it.RunItem, Run: it.Run, Turns: it.Turns, Outcomes: it.Outcomes})
	}
	return out
}
