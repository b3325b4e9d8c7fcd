package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

const runColumns = `run_id, simulation_id, suite_run_item_id, run_number, status, current_step, max_steps, next_step_at,
	total_steps, converged, converged_reason, awaiting_review, pending_guidance, last_speaker_key, last_error,
	retry_count, agent_keys, seed_sources, snapshot, criteria, version, started_at, ended_at, updated_at`

type runJSON struct {
	agentKeys, seedSources, snapshot, criteria sql.NullString
}

func marshalRun(run *domain.SimulationRun) (runJSON, error) {
	var out runJSON
	var err error
	if out.agentKeys, err = jsonColumn(run.AgentKeys); err != nil {
		return out, fmt.Errorf("failed to marshal agent keys: %w", err)
	}
	if out.seedSources, err = jsonColumn(run.SeedSources); err != nil {
		return out, fmt.Errorf("failed to marshal seed sources: %w", err)
	}
	if out.snapshot, err = jsonColumn(run.Snapshot); err != nil {
		return out, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if out.criteria, err = jsonColumn(run.Criteria); err != nil {
		return out, fmt.Errorf("failed to marshal criteria: %w", err)
	}
	return out, nil
}

// CreateSimulationRun creates a new simulation run.
func (s *SQLiteStore) CreateSimulationRun(ctx context.Context, run *domain.SimulationRun) error {
	j, err := marshalRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulation_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SimulationID, nullString(run.SuiteRunItemID), run.RunNumber, run.Status, run.CurrentStep,
		run.MaxSteps, nullTime(run.NextStepAt), run.TotalSteps, boolInt(run.Converged), nullString(run.ConvergedReason),
		boolInt(run.AwaitingReview), nullString(run.PendingGuidance), nullString(run.LastSpeakerKey),
		nullString(run.LastError), run.RetryCount, j.agentKeys, j.seedSources, j.snapshot, j.criteria,
		run.Version, run.StartedAt, nullTime(run.EndedAt), run.UpdatedAt)
	return err
}

// GetSimulationRun retrieves a simulation run by ID.
func (s *SQLiteStore) GetSimulationRun(ctx context.Context, runID string) (*domain.SimulationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateSimulationRun writes the run if its stored version still matches
// run.Version, then bumps run.Version.
func (s *SQLiteStore) UpdateSimulationRun(ctx context.Context, run *domain.SimulationRun) error {
	if err := updateRun(ctx, s.db, run); err != nil {
		return err
	}
	run.Version++
	return nil
}

func updateRun(ctx context.Context, db execer, run *domain.SimulationRun) error {
	j, err := marshalRun(run)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE simulation_runs SET status = ?, current_step = ?, max_steps = ?, next_step_at = ?, total_steps = ?,
			converged = ?, converged_reason = ?, awaiting_review = ?, pending_guidance = ?, last_speaker_key = ?,
			last_error = ?, retry_count = ?, agent_keys = ?, snapshot = ?, criteria = ?, version = version + 1,
			ended_at = ?, updated_at = ?
		WHERE run_id = ? AND version = ?`,
		run.Status, run.CurrentStep, run.MaxSteps, nullTime(run.NextStepAt), run.TotalSteps,
		boolInt(run.Converged), nullString(run.ConvergedReason), boolInt(run.AwaitingReview),
		nullString(run.PendingGuidance), nullString(run.LastSpeakerKey), nullString(run.LastError),
		run.RetryCount, j.agentKeys, j.snapshot, j.criteria, nullTime(run.EndedAt), run.UpdatedAt,
		run.RunID, run.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s at version %d: %w", run.RunID, run.Version, domain.ErrVersionConflict)
	}
	return nil
}

// ListSimulationRuns lists runs of a simulation by run number.
func (s *SQLiteStore) ListSimulationRuns(ctx context.Context, simulationID string, page domain.Page) ([]domain.SimulationRun, error) {
	query := limitOffset(`SELECT `+runColumns+` FROM simulation_runs WHERE simulation_id = ? ORDER BY run_number ASC`,
		page.Limit, page.Offset)
	rows, err := s.db.QueryContext(ctx, query, simulationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SimulationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// NextRunNumber returns the run number the next run of a simulation should use.
func (s *SQLiteStore) NextRunNumber(ctx context.Context, simulationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM simulation_runs WHERE simulation_id = ?`,
		simulationID).Scan(&n)
	return n, err
}

// CommitStep persists a turn, its outcomes and the updated run in one transaction.
func (s *SQLiteStore) CommitStep(ctx context.Context, run *domain.SimulationRun, turn *domain.ScenarioTurn, outcomes []domain.ScenarioOutcome) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if turn != nil {
			if err := insertTurn(ctx, tx, turn); err != nil {
				return err
			}
		}
		for i := range outcomes {
			if err := insertOutcome(ctx, tx, &outcomes[i]); err != nil {
				return err
			}
		}
		return updateRun(ctx, tx, run)
	})
	if err != nil {
		return err
	}
	run.Version++
	return nil
}

func scanRun(row scanner) (*domain.SimulationRun, error) {
	var run domain.SimulationRun
	var suiteRunItemID, convergedReason, pendingGuidance, lastSpeaker, lastError sql.NullString
	var agentKeys, seedSources, snapshot, criteria sql.NullString
	var nextStepAt, endedAt sql.NullTime
	var converged, awaiting int
	if err := row.Scan(&run.RunID, &run.SimulationID, &suiteRunItemID, &run.RunNumber, &run.Status,
		&run.CurrentStep, &run.MaxSteps, &nextStepAt, &run.TotalSteps, &converged, &convergedReason,
		&awaiting, &pendingGuidance, &lastSpeaker, &lastError, &run.RetryCount, &agentKeys, &seedSources,
		&snapshot, &criteria, &run.Version, &run.StartedAt, &endedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.SuiteRunItemID = suiteRunItemID.String
	run.ConvergedReason = convergedReason.String
	run.PendingGuidance = pendingGuidance.String
	run.LastSpeakerKey = lastSpeaker.String
	run.LastError = lastError.String
	run.Converged = converged != 0
	run.AwaitingReview = awaiting != 0
	run.NextStepAt = timePtr(nextStepAt)
	run.EndedAt = timePtr(endedAt)
	for _, c := range []struct {
		col sql.NullString
		dst any
	}{
		{agentKeys, &run.AgentKeys},
		{seedSources, &run.SeedSources},
		{snapshot, &run.Snapshot},
		{criteria, &run.Criteria},
	} {
		if err := scanJSON(c.col, c.dst); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

// CreateTurn creates a new turn. Step indexes are unique per run.
func (s *SQLiteStore) CreateTurn(ctx context.Context, turn *domain.ScenarioTurn) error {
	return insertTurn(ctx, s.db, turn)
}

func insertTurn(ctx context.Context, db execer, turn *domain.ScenarioTurn) error {
	metadata, err := jsonColumn(turn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal turn metadata: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO scenario_turns (turn_id, run_id, step_index, agent_id, agent_key, role_type, channel, content, metadata, user_guidance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.RunID, turn.StepIndex, turn.AgentID, turn.AgentKey, turn.RoleType, turn.Channel,
		turn.Content, metadata, nullString(turn.UserGuidance), turn.CreatedAt)
	return err
}

// ListTurns lists the turns of a run in step order. A zero limit returns all turns.
func (s *SQLiteStore) ListTurns(ctx context.Context, runID string, page domain.Page) ([]domain.ScenarioTurn, error) {
	query := limitOffset(`SELECT turn_id, run_id, step_index, agent_id, agent_key, role_type, channel, content, metadata, user_guidance, created_at
		FROM scenario_turns WHERE run_id = ? ORDER BY step_index ASC`, page.Limit, page.Offset)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScenarioTurn
	for rows.Next() {
		var t domain.ScenarioTurn
		var metadata, guidance sql.NullString
		if err := rows.Scan(&t.TurnID, &t.RunID, &t.StepIndex, &t.AgentID, &t.AgentKey, &t.RoleType, &t.Channel,
			&t.Content, &metadata, &guidance, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.UserGuidance = guidance.String
		if err := scanJSON(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode turn %s metadata: %w", t.TurnID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateOutcome creates a new outcome.
func (s *SQLiteStore) CreateOutcome(ctx context.Context, outcome *domain.ScenarioOutcome) error {
	return insertOutcome(ctx, s.db, outcome)
}

func insertOutcome(ctx context.Context, db execer, o *domain.ScenarioOutcome) error {
	actions, err := jsonColumn(o.RecommendedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal recommended actions: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO scenario_outcomes (outcome_id, run_id, step_index, type, risk_level, severity, title, description, recommended_actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OutcomeID, o.RunID, o.StepIndex, o.Type, o.RiskLevel, o.Severity, o.Title, nullString(o.Description),
		actions, o.CreatedAt)
	return err
}

// ListOutcomes lists the outcomes of a run in the order they were derived.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]domain.ScenarioOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome_id, run_id, step_index, type, risk_level, severity, title, description, recommended_actions, created_at
		FROM scenario_outcomes WHERE run_id = ? ORDER BY step_index ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScenarioOutcome
	for rows.Next() {
		var o domain.ScenarioOutcome
		var description, actions sql.NullString
		if err := rows.Scan(&o.OutcomeID, &o.RunID, &o.StepIndex, &o.Type, &o.RiskLevel, &o.Severity, &o.Title,
			&description, &actions, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Description = description.String
		if err := scanJSON(actions, &o.RecommendedActions); err != nil {
			return nil, fmt.Errorf("failed to decode outcome %s: %w", o.OutcomeID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
