package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// CreateSuite authors a new suite in draft status.
func (s *Service) CreateSuite(ctx context.Context, req domain.CreateSuiteRequest) (*domain.ScenarioSuite, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if err := validateSuiteConfig(req.Config); err != nil {
		return nil, err
	}

	now := s.now()
	suite := &domain.ScenarioSuite{
		SuiteID:     "suite_" + uuid.New().String()[:8],
		OrgID:       req.OrgID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Status:      domain.SuiteStatusDraft,
		Config:      req.Config,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if suite.Config.MaxConcurrentSimulations == 0 {
		suite.Config.MaxConcurrentSimulations = domain.DefaultMaxConcurrent
	}
	if err := s.store.CreateSuite(ctx, suite); err != nil {
		return nil, fmt.Errorf("failed to create suite: %w", err)
	}
	s.audit(ctx, domain.EntitySuite, suite.SuiteID, domain.AuditSuiteCreated, req.CreatedBy, map[string]interface{}{
		"name":                       suite.Name,
		"max_concurrent_simulations": suite.Config.MaxConcurrentSimulations,
		"stop_on_failure":            suite.Config.StopsOnFailure(),
	})
	return suite, nil
}

func validateSuiteConfig(cfg domain.SuiteConfig) error {
	if cfg.MaxConcurrentSimulations < 0 || cfg.MaxConcurrentSimulations > domain.MaxConcurrentLimit {
		return domain.NewValidationError("config.max_concurrent_simulations", "must be within [1,%d]", domain.MaxConcurrentLimit)
	}
	if cfg.TimeoutSeconds < 0 {
		return domain.NewValidationError("config.timeout_seconds", "must not be negative")
	}
	if cfg.RetryPolicy.MaxRetries < 0 {
		return domain.NewValidationError("config.retry_policy.max_retries", "must not be negative")
	}
	if cfg.RetryPolicy.BackoffMs < 0 {
		return domain.NewValidationError("config.retry_policy.backoff_ms", "must not be negative")
	}
	return nil
}

func (s *Service) GetSuite(ctx context.Context, suiteID string) (*domain.ScenarioSuite, error) {
	suite, err := s.store.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get suite: %w", err)
	}
	if suite == nil {
		return nil, notFound("suite", suiteID)
	}
	return suite, nil
}

func (s *Service) ListSuites(ctx context.Context, orgID string, page domain.Page) ([]domain.ScenarioSuite, error) {
	suites, err := s.store.ListSuites(ctx, orgID, page.Normalize(domain.MaxPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list suites: %w", err)
	}
	return suites, nil
}

func (s *Service) UpdateSuite(ctx context.Context, suiteID string, req domain.UpdateSuiteRequest) (*domain.ScenarioSuite, error) {
	suite, err := s.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, err
	}
	if suite.Status == domain.SuiteStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuite, ID: suiteID, Status: string(suite.Status), Operation: "update"}
	}

	var changed []string
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, domain.NewValidationError("name", "must not be empty")
		}
		suite.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.Description != nil {
		suite.Description = *req.Description
		changed = append(changed, "description")
	}
	if req.Config != nil {
		if err := validateSuiteConfig(*req.Config); err != nil {
			return nil, err
		}
		suite.Config = *req.Config
		if suite.Config.MaxConcurrentSimulations == 0 {
			suite.Config.MaxConcurrentSimulations = domain.DefaultMaxConcurrent
		}
		changed = append(changed, "config")
	}
	if len(changed) == 0 {
		return suite, nil
	}

	suite.UpdatedAt = s.now()
	if err := s.store.UpdateSuite(ctx, suite); err != nil {
		return nil, fmt.Errorf("failed to update suite: %w", err)
	}
	s.audit(ctx, domain.EntitySuite, suiteID, domain.AuditSuiteUpdated, req.Actor, map[string]interface{}{
		"fields": changed,
	})
	return suite, nil
}

// ArchiveSuite retires a suite. Suite runs in flight are not affected.
func (s *Service) ArchiveSuite(ctx context.Context, suiteID, actor string) (*domain.ScenarioSuite, error) {
	suite, err := s.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, err
	}
	if suite.Status == domain.SuiteStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuite, ID: suiteID, Status: string(suite.Status), Operation: "archive"}
	}
	suite.Status = domain.SuiteStatusArchived
	suite.UpdatedAt = s.now()
	if err := s.store.UpdateSuite(ctx, suite); err != nil {
		return nil, fmt.Errorf("failed to archive suite: %w", err)
	}
	s.audit(ctx, domain.EntitySuite, suiteID, domain.AuditSuiteArchived, actor, nil)
	return suite, nil
}

// AddSuiteItem appends an item to a suite. An item may only depend on an item
// of the same suite with a strictly lower order index, which keeps the graph
// acyclic.
func (s *Service) AddSuiteItem(ctx context.Context, suiteID string, req domain.AddSuiteItemRequest) (*domain.SuiteItem, error) {
	suite, err := s.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, err
	}
	if suite.Status == domain.SuiteStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuite, ID: suiteID, Status: string(suite.Status), Operation: "add item to"}
	}
	if req.SimulationID == "" {
		return nil, domain.NewValidationError("simulation_id", "is required")
	}
	if req.OrderIndex < 0 {
		return nil, domain.NewValidationError("order_index", "must not be negative")
	}
	sim, err := s.GetSimulation(ctx, req.SimulationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewValidationError("simulation_id", "simulation %s does not exist", req.SimulationID)
		}
		return nil, err
	}

	cond := domain.Always()
	if req.Condition != nil {
		cond = *req.Condition
	}
	if err := s.evaluator.Validate(cond); err != nil {
		return nil, domain.NewValidationError("trigger_condition", "%v", err)
	}

	itemID := "item_" + uuid.New().String()[:8]
	if req.DependsOnItemID != "" {
		parent, err := s.store.GetSuiteItem(ctx, req.DependsOnItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependency: %w", err)
		}
		switch {
		case parent == nil:
			return nil, &domain.DependencyCycleError{ItemID: itemID, DependsOn: req.DependsOnItemID, Reason: "dependency does not exist"}
		case parent.SuiteID != suiteID:
			return nil, &domain.DependencyCycleError{ItemID: itemID, DependsOn: req.DependsOnItemID, Reason: "dependency belongs to another suite"}
		case parent.OrderIndex >= req.OrderIndex:
			return nil, &domain.DependencyCycleError{ItemID: itemID, DependsOn: req.DependsOnItemID,
				Reason: fmt.Sprintf("dependency order_index %d is not lower than %d", parent.OrderIndex, req.OrderIndex)}
		}
	}

	if err := s.validateOverride(ctx, sim, req.Override); err != nil {
		return nil, err
	}

	item := &domain.SuiteItem{
		ItemID:          itemID,
		SuiteID:         suiteID,
		SimulationID:    sim.SimulationID,
		Label:           strings.TrimSpace(req.Label),
		OrderIndex:      req.OrderIndex,
		DependsOnItemID: req.DependsOnItemID,
		Condition:       cond,
		Override:        req.Override,
		CreatedAt:       s.now(),
	}
	if item.Label == "" {
		item.Label = sim.Name
	}
	if err := s.store.CreateSuiteItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create suite item: %w", err)
	}

	if suite.Status == domain.SuiteStatusDraft {
		suite.Status = domain.SuiteStatusConfigured
		suite.UpdatedAt = s.now()
		if err := s.store.UpdateSuite(ctx, suite); err != nil {
			slog.WarnContext(ctx, "failed to mark suite configured", "suite_id", suiteID, "error", err)
		}
	}
	s.audit(ctx, domain.EntitySuite, suiteID, domain.AuditSuiteItemAdded, req.Actor, map[string]interface{}{
		"item_id":            item.ItemID,
		"simulation_id":      item.SimulationID,
		"order_index":        item.OrderIndex,
		"depends_on_item_id": item.DependsOnItemID,
		"condition_type":     cond.Type,
	})
	return item, nil
}

func (s *Service) validateOverride(ctx context.Context, sim *domain.Simulation, o domain.ExecutionOverride) error {
	if o.MaxSteps < 0 || o.MaxSteps > domain.MaxAllowedSteps {
		return domain.NewValidationError("execution_override.max_steps", "must be within [0,%d]", domain.MaxAllowedSteps)
	}
	if err := validateCriteria("execution_override.convergence_criteria", o.ConvergenceCriteria); err != nil {
		return err
	}
	if len(o.AgentKeys) == 0 {
		return nil
	}
	agents, err := s.registry.List(ctx, sim.SimulationID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.AgentKey] = true
	}
	for _, key := range o.AgentKeys {
		if !known[key] {
			return domain.NewValidationError("execution_override.agent_keys", "simulation %s has no agent %q", sim.SimulationID, key)
		}
	}
	return nil
}

func (s *Service) ListSuiteItems(ctx context.Context, suiteID string) ([]domain.SuiteItem, error) {
	if _, err := s.GetSuite(ctx, suiteID); err != nil {
		return nil, err
	}
	items, err := s.store.ListSuiteItems(ctx, suiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite items: %w", err)
	}
	return items, nil
}
