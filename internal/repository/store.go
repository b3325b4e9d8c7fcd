// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Store defines the interface for data persistence. Getters return (nil, nil)
// when the entity does not exist.
type Store interface {
	// Simulation operations
	CreateSimulation(ctx context.Context, sim *domain.Simulation) error
	GetSimulation(ctx context.Context, simulationID string) (*domain.Simulation, error)
	UpdateSimulation(ctx context.Context, sim *domain.Simulation) error
	ListSimulations(ctx context.Context, orgID string, page domain.Page) ([]domain.Simulation, error)

	// Agent definition operations
	CreateAgentDefinition(ctx context.Context, agent *domain.AgentDefinition) error
	GetAgentDefinition(ctx context.Context, agentID string) (*domain.AgentDefinition, error)
	ListAgentDefinitions(ctx context.Context, simulationID string) ([]domain.AgentDefinition, error)
	UpdateAgentActive(ctx context.Context, agentID string, active bool) error

	// Simulation run operations
	CreateSimulationRun(ctx context.Context, run *domain.SimulationRun) error
	GetSimulationRun(ctx context.Context, runID string) (*domain.SimulationRun, error)
	UpdateSimulationRun(ctx context.Context, run *domain.SimulationRun) error
	ListSimulationRuns(ctx context.Context, simulationID string, page domain.Page) ([]domain.SimulationRun, error)
	NextRunNumber(ctx context.Context, simulationID string) (int, error)
	// CommitStep persists a turn, its outcomes and the updated run atomically.
	// It returns domain.ErrVersionConflict if the run changed since it was read.
	CommitStep(ctx context.Context, run *domain.SimulationRun, turn *domain.ScenarioTurn, outcomes []domain.ScenarioOutcome) error

	// Turn and outcome operations
	CreateTurn(ctx context.Context, turn *domain.ScenarioTurn) error
	ListTurns(ctx context.Context, runID string, page domain.Page) ([]domain.ScenarioTurn, error)
	CreateOutcome(ctx context.Context, outcome *domain.ScenarioOutcome) error
	ListOutcomes(ctx context.Context, runID string) ([]domain.ScenarioOutcome, error)

	// Suite operations
	CreateSuite(ctx context.Context, suite *domain.ScenarioSuite) error
	GetSuite(ctx context.Context, suiteID string) (*domain.ScenarioSuite, error)
	UpdateSuite(ctx context.Context, suite *domain.ScenarioSuite) error
	ListSuites(ctx context.Context, orgID string, page domain.Page) ([]domain.ScenarioSuite, error)
	CreateSuiteItem(ctx context.Context, item *domain.SuiteItem) error
	GetSuiteItem(ctx context.Context, itemID string) (*domain.SuiteItem, error)
	ListSuiteItems(ctx context.Context, suiteID string) ([]domain.SuiteItem, error)

	// Suite run operations
	CreateSuiteRun(ctx context.Context, run *domain.SuiteRun, items []domain.SuiteRunItem) error
	GetSuiteRun(ctx context.Context, suiteRunID string) (*domain.SuiteRun, error)
	UpdateSuiteRun(ctx context.Context, run *domain.SuiteRun) error
	ListSuiteRuns(ctx context.Context, suiteID string, page domain.Page) ([]domain.SuiteRun, error)
	ListActiveSuiteRuns(ctx context.Context, limit int) ([]domain.SuiteRun, error)
	ListSuiteRunItems(ctx context.Context, suiteRunID string) ([]domain.SuiteRunItem, error)
	UpdateSuiteRunItem(ctx context.Context, item *domain.SuiteRunItem, from domain.SuiteRunItemStatus) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error
	ListAudit(ctx context.Context, entityType domain.EntityType, entityID string, page domain.Page) ([]domain.AuditLogEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
