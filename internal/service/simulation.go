package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// CreateSimulation authors a new simulation in draft status.
func (s *Service) CreateSimulation(ctx context.Context, req domain.CreateSimulationRequest) (*domain.Simulation, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if !req.ObjectiveType.Valid() {
		return nil, domain.NewValidationError("objective_type", "unknown objective type %q", req.ObjectiveType)
	}
	if req.Mode == "" {
		req.Mode = domain.SimulationModeSingleRun
	}
	if !req.Mode.Valid() {
		return nil, domain.NewValidationError("mode", "unknown mode %q", req.Mode)
	}
	cfg, err := validateSimulationConfig(req.Config)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sim := &domain.Simulation{
		SimulationID:  "sim_" + uuid.New().String()[:8],
		OrgID:         req.OrgID,
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		ObjectiveType: req.ObjectiveType,
		Mode:          req.Mode,
		Status:        domain.SimulationStatusDraft,
		Config:        cfg,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("failed to create simulation: %w", err)
	}
	s.audit(ctx, domain.EntitySimulation, sim.SimulationID, domain.AuditSimulationCreated, req.CreatedBy, map[string]interface{}{
		"name":           sim.Name,
		"objective_type": sim.ObjectiveType,
	})
	return sim, nil
}

func validateSimulationConfig(cfg domain.SimulationConfig) (domain.SimulationConfig, error) {
	if cfg.MaxSteps > domain.MaxAllowedSteps {
		return cfg, domain.NewValidationError("config.max_steps", "must be at most %d", domain.MaxAllowedSteps)
	}
	if cfg.RetryCount < 0 {
		return cfg, domain.NewValidationError("config.retry_count", "must not be negative")
	}
	if cfg.BackoffMs < 0 {
		return cfg, domain.NewValidationError("config.backoff_ms", "must not be negative")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return cfg, domain.NewValidationError("config.temperature", "must be within [0,2]")
	}
	for key, b := range cfg.AgentOverrides {
		if b.Aggressiveness < 0 || b.Aggressiveness > 1 {
			return cfg, domain.NewValidationError("config.agent_overrides."+key+".aggressiveness", "must be within [0,1]")
		}
	}
	if err := validateCriteria("config.convergence_criteria", cfg.ConvergenceCriteria); err != nil {
		return cfg, err
	}
	return cfg.WithDefaults(), nil
}

func (s *Service) GetSimulation(ctx context.Context, simulationID string) (*domain.Simulation, error) {
	sim, err := s.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get simulation: %w", err)
	}
	if sim == nil {
		return nil, notFound("simulation", simulationID)
	}
	return sim, nil
}

func (s *Service) ListSimulations(ctx context.Context, orgID string, page domain.Page) ([]domain.Simulation, error) {
	sims, err := s.store.ListSimulations(ctx, orgID, page.Normalize(domain.MaxPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list simulations: %w", err)
	}
	return sims, nil
}

// UpdateSimulation patches name, description and config. Archived simulations
// are read-only.
func (s *Service) UpdateSimulation(ctx context.Context, simulationID string, req domain.UpdateSimulationRequest) (*domain.Simulation, error) {
	sim, err := s.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == domain.SimulationStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySimulation, ID: simulationID, Status: string(sim.Status), Operation: "update"}
	}

	var changed []string
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, domain.NewValidationError("name", "must not be empty")
		}
		sim.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.Description != nil {
		sim.Description = *req.Description
		changed = append(changed, "description")
	}
	if req.Config != nil {
		cfg, err := validateSimulationConfig(*req.Config)
		if err != nil {
			return nil, err
		}
		sim.Config = cfg
		changed = append(changed, "config")
	}
	if len(changed) == 0 {
		return sim, nil
	}

	sim.UpdatedAt = s.now()
	if err := s.store.UpdateSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("failed to update simulation: %w", err)
	}
	s.audit(ctx, domain.EntitySimulation, sim.SimulationID, domain.AuditSimulationUpdated, req.Actor, map[string]interface{}{
		"fields": changed,
	})
	return sim, nil
}

// ArchiveSimulation retires a simulation. Runs already started keep going.
func (s *Service) ArchiveSimulation(ctx context.Context, simulationID, actor string) (*domain.Simulation, error) {
	sim, err := s.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == domain.SimulationStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySimulation, ID: simulationID, Status: string(sim.Status), Operation: "archive"}
	}
	sim.Status = domain.SimulationStatusArchived
	sim.UpdatedAt = s.now()
	if err := s.store.UpdateSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("failed to archive simulation: %w", err)
	}
	s.audit(ctx, domain.EntitySimulation, sim.SimulationID, domain.AuditSimulationArchived, actor, nil)
	return sim, nil
}

// DefineAgent adds an agent to a simulation that has not started a run yet.
func (s *Service) DefineAgent(ctx context.Context, simulationID string, req domain.DefineAgentRequest) (*domain.AgentDefinition, error) {
	sim, err := s.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == domain.SimulationStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySimulation, ID: simulationID, Status: string(sim.Status), Operation: "define agent for"}
	}

	agent, err := s.registry.Define(ctx, simulationID, req)
	if err != nil {
		return nil, err
	}

	if sim.Status == domain.SimulationStatusDraft {
		sim.Status = domain.SimulationStatusConfigured
		sim.UpdatedAt = s.now()
		if err := s.store.UpdateSimulation(ctx, sim); err != nil {
			slog.WarnContext(ctx, "failed to mark simulation configured", "simulation_id", simulationID, "error", err)
		}
	}
	s.audit(ctx, domain.EntitySimulation, simulationID, domain.AuditAgentDefined, req.Actor, map[string]interface{}{
		"agent_id":  agent.AgentID,
		"agent_key": agent.AgentKey,
		"role_type": agent.RoleType,
	})
	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context, simulationID string) ([]domain.AgentDefinition, error) {
	if _, err := s.GetSimulation(ctx, simulationID); err != nil {
		return nil, err
	}
	return s.registry.List(ctx, simulationID)
}

// SetAgentActive toggles an agent. Inactive agents are skipped by the rotation
// from the next step on.
func (s *Service) SetAgentActive(ctx context.Context, simulationID, agentKey string, active bool, actor string) (*domain.AgentDefinition, error) {
	if _, err := s.GetSimulation(ctx, simulationID); err != nil {
		return nil, err
	}
	agent, err := s.registry.SetActive(ctx, simulationID, agentKey, active)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, domain.EntitySimulation, simulationID, domain.AuditAgentToggled, actor, map[string]interface{}{
		"agent_key": agentKey,
		"is_active": active,
	})
	return agent, nil
}

// settleSimulation mirrors a run's progress onto its simulation status.
func (s *Service) settleSimulation(ctx context.Context, simulationID string, status domain.SimulationStatus) {
	sim, err := s.store.GetSimulation(ctx, simulationID)
	if err != nil || sim == nil {
		slog.WarnContext(ctx, "failed to load simulation for status update", "simulation_id", simulationID, "error", err)
		return
	}
	if sim.Status == domain.SimulationStatusArchived || sim.Status == status {
		return
	}
	sim.Status = status
	sim.UpdatedAt = s.now()
	if err := s.store.UpdateSimulation(ctx, sim); err != nil {
		slog.WarnContext(ctx, "failed to update simulation status", "simulation_id", simulationID, "status", status, "error", err)
	}
}
