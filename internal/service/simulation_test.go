package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

func TestCreateSimulationValidation(t *testing.T) {
	svc, _ := newTestService(t, newScripted(nil))
	ctx := context.Background()

	tests := []struct {
		name  string
		req   domain.CreateSimulationRequest
		field string
	}{
		{"missing name", domain.CreateSimulationRequest{ObjectiveType: domain.ObjectiveCrisisComms}, "name"},
		{"bad objective", domain.CreateSimulationRequest{Name: "x", ObjectiveType: "poetry"}, "objective_type"},
		{"bad mode", domain.CreateSimulationRequest{Name: "x", ObjectiveType: domain.ObjectiveCrisisComms, Mode: "loop"}, "mode"},
		{"too many steps", domain.CreateSimulationRequest{Name: "x", ObjectiveType: domain.ObjectiveCrisisComms, Config: domain.SimulationConfig{MaxSteps: domain.MaxAllowedSteps + 1}}, "config.max_steps"},
		{"negative retries", domain.CreateSimulationRequest{Name: "x", ObjectiveType: domain.ObjectiveCrisisComms, Config: domain.SimulationConfig{RetryCount: -1}}, "config.retry_count"},
		{"bad criterion", domain.CreateSimulationRequest{Name: "x", ObjectiveType: domain.ObjectiveCrisisComms, Config: domain.SimulationConfig{
			ConvergenceCriteria: []domain.ConvergenceCriterion{{Kind: domain.ConvergeKeyword}},
		}}, "config.convergence_criteria.0.keyword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSimulation(ctx, tt.req)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSimulationLifecycle(t *testing.T) {
	svc, _ := newTestService(t, newScripted(nil))
	ctx := context.Background()

	sim, err := svc.CreateSimulation(ctx, domain.CreateSimulationRequest{
		OrgID: "org_1", Name: "  Recall  ", ObjectiveType: domain.ObjectiveCrisisComms, CreatedBy: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, "Recall", sim.Name)
	assert.Equal(t, domain.SimulationStatusDraft, sim.Status)
	assert.Equal(t, domain.SimulationModeSingleRun, sim.Mode)
	assert.Equal(t, 10, sim.Config.MaxSteps)

	_, err = svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{AgentKey: "ceo", Name: "CEO", RoleType: domain.RoleExecutive})
	require.NoError(t, err)
	_, err = svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{AgentKey: "ceo", Name: "Again", RoleType: domain.RoleExecutive})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	got, err := svc.GetSimulation(ctx, sim.SimulationID)
	require.NoError(t, err)
	assert.Equal(t, domain.SimulationStatusConfigured, got.Status)

	name := "Product recall"
	updated, err := svc.UpdateSimulation(ctx, sim.SimulationID, domain.UpdateSimulationRequest{Name: &name, Actor: "editor"})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	sims, err := svc.ListSimulations(ctx, "org_1", domain.Page{})
	require.NoError(t, err)
	require.Len(t, sims, 1)

	archived, err := svc.ArchiveSimulation(ctx, sim.SimulationID, "editor")
	require.NoError(t, err)
	assert.Equal(t, domain.SimulationStatusArchived, archived.Status)

	_, err = svc.UpdateSimulation(ctx, sim.SimulationID, domain.UpdateSimulationRequest{Name: &name})
	var stateErr *domain.InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	_, err = svc.ArchiveSimulation(ctx, sim.SimulationID, "editor")
	assert.True(t, errors.As(err, &stateErr))

	events := auditEvents(t, svc, domain.EntitySimulation, sim.SimulationID)
	assert.Equal(t, []domain.AuditEventType{
		domain.AuditSimulationCreated,
		domain.AuditAgentDefined,
		domain.AuditSimulationUpdated,
		domain.AuditSimulationArchived,
	}, events)

	_, err = svc.GetSimulation(ctx, "sim_missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestAgentRosterLocksAfterFirstRun(t *testing.T) {
	svc, _ := newTestService(t, newScripted(nil))
	ctx := context.Background()
	sim := newSimulation(t, svc, "Recall", domain.SimulationConfig{}, "ceo", "journalist")

	_, err := svc.StartRun(ctx, domain.StartRunRequest{SimulationID: sim.SimulationID})
	require.NoError(t, err)

	_, err = svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{AgentKey: "analyst", Name: "Analyst", RoleType: domain.RoleAnalyst})
	var stateErr *domain.InvalidStateError
	require.True(t, errors.As(err, &stateErr), "got %v", err)

	// Toggling stays allowed and changes who speaks next.
	agent, err := svc.SetAgentActive(ctx, sim.SimulationID, "journalist", false, "tester")
	require.NoError(t, err)
	assert.False(t, agent.IsActive)

	agents, err := svc.ListAgents(ctx, sim.SimulationID)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	_, err = svc.SetAgentActive(ctx, sim.SimulationID, "nobody", false, "tester")
	assert.True(t, domain.IsNotFound(err))
}
