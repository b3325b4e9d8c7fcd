package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// StartRun creates a run of a simulation in starting status. The context
// snapshot is captured here and only replaced by RefreshRunContext.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.SimulationRun, error) {
	if req.SimulationID == "" {
		return nil, domain.NewValidationError("simulation_id", "is required")
	}
	sim, err := s.GetSimulation(ctx, req.SimulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == domain.SimulationStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySimulation, ID: sim.SimulationID, Status: string(sim.Status), Operation: "start run for"}
	}

	cfg := sim.Config.WithDefaults()
	maxSteps := cfg.MaxSteps
	if req.MaxSteps < 0 || req.MaxSteps > domain.MaxAllowedSteps {
		return nil, domain.NewValidationError("max_steps", "must be within [0,%d]", domain.MaxAllowedSteps)
	}
	if req.MaxSteps > 0 {
		maxSteps = req.MaxSteps
	}
	criteria := cfg.ConvergenceCriteria
	if len(req.Criteria) > 0 {
		if err := validateCriteria("convergence_criteria", req.Criteria); err != nil {
			return nil, err
		}
		criteria = req.Criteria
	}

	agents, err := s.registry.Active(ctx, sim.SimulationID, req.AgentKeys)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, domain.NewValidationError("agent_keys", "simulation %s has no active agents", sim.SimulationID)
	}

	now := s.now()
	snapshot, err := snapshotFromSeed(req.SeedContext, now)
	if err != nil {
		return nil, err
	}

	runNumber, err := s.store.NextRunNumber(ctx, sim.SimulationID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate run number: %w", err)
	}

	run := &domain.SimulationRun{
		RunID:          "run_" + uuid.New().String()[:8],
		SimulationID:   sim.SimulationID,
		SuiteRunItemID: req.SuiteRunItemID,
		RunNumber:      runNumber,
		Status:         domain.RunStatusStarting,
		MaxSteps:       maxSteps,
		AgentKeys:      req.AgentKeys,
		SeedSources:    req.SeedSources,
		Snapshot:       snapshot,
		Criteria:       criteria,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSimulationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.registry.Lock(sim.SimulationID)
	s.settleSimulation(ctx, sim.SimulationID, domain.SimulationStatusRunning)

	s.audit(ctx, domain.EntityRun, run.RunID, domain.AuditRunStarted, req.Actor, map[string]interface{}{
		"simulation_id":     run.SimulationID,
		"run_number":        run.RunNumber,
		"max_steps":         run.MaxSteps,
		"agent_keys":        req.AgentKeys,
		"suite_run_item_id": req.SuiteRunItemID,
	})
	return run, nil
}

// snapshotFromSeed splits a seed context object into the snapshot slots.
// Keys that name no slot are folded into the narrative slot unless the seed
// sets "narrative" itself.
func snapshotFromSeed(seed json.RawMessage, now time.Time) (domain.ContextSnapshot, error) {
	snap := domain.ContextSnapshot{CapturedAt: now}
	trimmed := bytes.TrimSpace(seed)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return snap, nil
	}

	var parts map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return snap, domain.NewValidationError("seed_context", "must be a JSON object")
	}
	extra := make(map[string]json.RawMessage)
	for key, value := range parts {
		switch strings.ToLower(key) {
		case "risk":
			snap.Risk = value
		case "graph":
			snap.Graph = value
		case "narrative":
			snap.Narrative = value
		case "competitive":
			snap.Competitive = value
		case "reputation":
			snap.Reputation = value
		case "crisis":
			snap.Crisis = value
		default:
			extra[key] = value
		}
	}
	if snap.Narrative == nil && len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err != nil {
			return snap, fmt.Errorf("failed to encode seed context: %w", err)
		}
		snap.Narrative = b
	}
	return snap, nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (*domain.SimulationRun, error) {
	run, err := s.store.GetSimulationRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, notFound("run", runID)
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, simulationID string, page domain.Page) ([]domain.SimulationRun, error) {
	if _, err := s.GetSimulation(ctx, simulationID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListSimulationRuns(ctx, simulationID, page.Normalize(domain.MaxPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Service) ListTurns(ctx context.Context, runID string, page domain.Page) ([]domain.ScenarioTurn, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, runID, page.Normalize(domain.MaxPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return turns, nil
}

func (s *Service) ListOutcomes(ctx context.Context, runID string) ([]domain.ScenarioOutcome, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	outcomes, err := s.store.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	return outcomes, nil
}

// maxAbortAttempts bounds the read-modify-write loop racing an in-flight step.
const maxAbortAttempts = 3

// AbortRun cancels a run. It does not wait for the run lease: an in-flight
// step finishes its generation call and then loses the version check.
func (s *Service) AbortRun(ctx context.Context, runID string, req domain.AbortRequest) (*domain.SimulationRun, error) {
	for attempt := 0; ; attempt++ {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(run.Status), Operation: "abort"}
		}

		now := s.now()
		run.Status = domain.RunStatusAborted
		run.AwaitingReview = false
		run.EndedAt = &now
		run.UpdatedAt = now
		err = s.store.UpdateSimulationRun(ctx, run)
		if errors.Is(err, domain.ErrVersionConflict) && attempt+1 < maxAbortAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to abort run: %w", err)
		}

		s.audit(ctx, domain.EntityRun, runID, domain.AuditRunAborted, req.Actor, map[string]interface{}{
			"reason":       req.Reason,
			"current_step": run.CurrentStep,
		})
		s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusConfigured)
		return run, nil
	}
}

// RefreshRunContext replaces the run's context snapshot. Steps already taken
// keep the snapshot they were generated with.
func (s *Service) RefreshRunContext(ctx context.Context, runID string, seed json.RawMessage, actor string) (*domain.SimulationRun, error) {
	release, err := s.acquire(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(run.Status), Operation: "refresh context of"}
	}
	snapshot, err := snapshotFromSeed(seed, s.now())
	if err != nil {
		return nil, err
	}
	run.Snapshot = snapshot
	run.UpdatedAt = snapshot.CapturedAt
	if err := s.store.UpdateSimulationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to refresh run context: %w", err)
	}
	s.audit(ctx, domain.EntityRun, runID, domain.AuditRunContextRefreshed, actor, map[string]interface{}{
		"captured_at": snapshot.CapturedAt,
	})
	return run, nil
}

// PostFeedback stores guidance for the next step and releases a run paused
// for review. With Resume set, one step is taken immediately.
func (s *Service) PostFeedback(ctx context.Context, runID string, fb domain.RunFeedback) (*domain.SimulationRun, error) {
	if strings.TrimSpace(fb.Message) == "" {
		return nil, domain.NewValidationError("message", "is required")
	}
	release, err := s.acquire(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(run.Status), Operation: "post feedback to"}
	}

	wasPaused := run.AwaitingReview
	run.PendingGuidance = strings.TrimSpace(fb.Message)
	run.AwaitingReview = false
	run.UpdatedAt = s.now()
	if err := s.store.UpdateSimulationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}
	s.audit(ctx, domain.EntityRun, runID, domain.AuditRunFeedback, fb.Actor, map[string]interface{}{
		"message":    run.PendingGuidance,
		"was_paused": wasPaused,
		"resume":     fb.Resume,
	})

	if wasPaused {
		s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusRunning)
	}
	if !fb.Resume {
		return run, nil
	}
	next, _, err := s.stepLocked(ctx, runID, stepParams{})
	if err != nil {
		return nil, err
	}
	return next, nil
}
