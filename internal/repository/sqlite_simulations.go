package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

const simulationColumns = `simulation_id, org_id, name, description, objective_type, mode, status, config, created_by, created_at, updated_at`

// CreateSimulation creates a new simulation.
func (s *SQLiteStore) CreateSimulation(ctx context.Context, sim *domain.Simulation) error {
	config, err := jsonColumn(sim.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (`+simulationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sim.SimulationID, sim.OrgID, sim.Name, nullString(sim.Description), sim.ObjectiveType, sim.Mode,
		sim.Status, config, nullString(sim.CreatedBy), sim.CreatedAt, sim.UpdatedAt)
	return err
}

// GetSimulation retrieves a simulation by ID.
func (s *SQLiteStore) GetSimulation(ctx context.Context, simulationID string) (*domain.Simulation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+simulationColumns+` FROM simulations WHERE simulation_id = ?`, simulationID)
	sim, err := scanSimulation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sim, nil
}

// UpdateSimulation overwrites the mutable fields of a simulation.
func (s *SQLiteStore) UpdateSimulation(ctx context.Context, sim *domain.Simulation) error {
	config, err := jsonColumn(sim.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE simulations SET name = ?, description = ?, objective_type = ?, mode = ?, status = ?, config = ?, updated_at = ? WHERE simulation_id = ?`,
		sim.Name, nullString(sim.Description), sim.ObjectiveType, sim.Mode, sim.Status, config, sim.UpdatedAt, sim.SimulationID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ListSimulations lists simulations, optionally filtered by organization.
func (s *SQLiteStore) ListSimulations(ctx context.Context, orgID string, page domain.Page) ([]domain.Simulation, error) {
	query := `SELECT ` + simulationColumns + ` FROM simulations`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query = limitOffset(query+` ORDER BY created_at ASC, rowid ASC`, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sim)
	}
	return out, rows.Err()
}

func scanSimulation(row scanner) (*domain.Simulation, error) {
	var sim domain.Simulation
	var description, config, createdBy sql.NullString
	if err := row.Scan(&sim.SimulationID, &sim.OrgID, &sim.Name, &description, &sim.ObjectiveType, &sim.Mode,
		&sim.Status, &config, &createdBy, &sim.CreatedAt, &sim.UpdatedAt); err != nil {
		return nil, err
	}
	sim.Description = description.String
	sim.CreatedBy = createdBy.String
	if err := scanJSON(config, &sim.Config); err != nil {
		return nil, fmt.Errorf("failed to decode simulation config: %w", err)
	}
	return &sim, nil
}

const agentColumns = `agent_id, simulation_id, agent_key, name, role_type, persona_ref, behavior, endpoint, is_active, created_at, updated_at`

// CreateAgentDefinition creates a new agent definition. The agent key must be
// unique within the simulation.
func (s *SQLiteStore) CreateAgentDefinition(ctx context.Context, agent *domain.AgentDefinition) error {
	behavior, err := jsonColumn(agent.Behavior)
	if err != nil {
		return fmt.Errorf("failed to marshal behavior: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_definitions (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.SimulationID, agent.AgentKey, agent.Name, agent.RoleType, nullString(agent.PersonaRef),
		behavior, nullString(agent.Endpoint), boolInt(agent.IsActive), agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgentDefinition retrieves an agent definition by ID.
func (s *SQLiteStore) GetAgentDefinition(ctx context.Context, agentID string) (*domain.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgentDefinitions lists a simulation's agents in definition order.
func (s *SQLiteStore) ListAgentDefinitions(ctx context.Context, simulationID string) ([]domain.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE simulation_id = ? ORDER BY created_at ASC, rowid ASC`,
		simulationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentDefinition
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

// UpdateAgentActive toggles the active flag of an agent definition.
func (s *SQLiteStore) UpdateAgentActive(ctx context.Context, agentID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_definitions SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?`,
		boolInt(active), agentID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func scanAgent(row scanner) (*domain.AgentDefinition, error) {
	var agent domain.AgentDefinition
	var personaRef, behavior, endpoint sql.NullString
	var active int
	if err := row.Scan(&agent.AgentID, &agent.SimulationID, &agent.AgentKey, &agent.Name, &agent.RoleType,
		&personaRef, &behavior, &endpoint, &active, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.PersonaRef = personaRef.String
	agent.Endpoint = endpoint.String
	agent.IsActive = active != 0
	if err := scanJSON(behavior, &agent.Behavior); err != nil {
		return nil, fmt.Errorf("failed to decode agent behavior: %w", err)
	}
	return &agent, nil
}

// expectAffected maps a zero-row update to domain.ErrNotFound.
func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
