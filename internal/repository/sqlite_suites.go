package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

const suiteColumns = `suite_id, org_id, name, description, status, config, created_by, created_at, updated_at`

// CreateSuite creates a new suite.
func (s *SQLiteStore) CreateSuite(ctx context.Context, suite *domain.ScenarioSuite) error {
	config, err := jsonColumn(suite.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal suite config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenario_suites (`+suiteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		suite.SuiteID, suite.OrgID, suite.Name, nullString(suite.Description), suite.Status, config,
		nullString(suite.CreatedBy), suite.CreatedAt, suite.UpdatedAt)
	return err
}

// GetSuite retrieves a suite by ID.
func (s *SQLiteStore) GetSuite(ctx context.Context, suiteID string) (*domain.ScenarioSuite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suiteColumns+` FROM scenario_suites WHERE suite_id = ?`, suiteID)
	suite, err := scanSuite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return suite, nil
}

// UpdateSuite overwrites the mutable fields of a suite.
func (s *SQLiteStore) UpdateSuite(ctx context.Context, suite *domain.ScenarioSuite) error {
	config, err := jsonColumn(suite.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal suite config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenario_suites SET name = ?, description = ?, status = ?, config = ?, updated_at = ? WHERE suite_id = ?`,
		suite.Name, nullString(suite.Description), suite.Status, config, suite.UpdatedAt, suite.SuiteID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ListSuites lists suites, optionally filtered by organization.
func (s *SQLiteStore) ListSuites(ctx context.Context, orgID string, page domain.Page) ([]domain.ScenarioSuite, error) {
	query := `SELECT ` + suiteColumns + ` FROM scenario_suites`
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

	var out []domain.ScenarioSuite
	for rows.Next() {
		suite, err := scanSuite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *suite)
	}
	return out, rows.Err()
}

func scanSuite(row scanner) (*domain.ScenarioSuite, error) {
	var suite domain.ScenarioSuite
	var description, config, createdBy sql.NullString
	if err := row.Scan(&suite.SuiteID, &suite.OrgID, &suite.Name, &description, &suite.Status, &config,
		&createdBy, &suite.CreatedAt, &suite.UpdatedAt); err != nil {
		return nil, err
	}
	suite.Description = description.String
	suite.CreatedBy = createdBy.String
	if err := scanJSON(config, &suite.Config); err != nil {
		return nil, fmt.Errorf("failed to decode suite config: %w", err)
	}
	return &suite, nil
}

const itemColumns = `item_id, suite_id, simulation_id, label, order_index, depends_on_item_id, trigger_condition, override, created_at`

// CreateSuiteItem creates a new suite item.
func (s *SQLiteStore) CreateSuiteItem(ctx context.Context, item *domain.SuiteItem) error {
	cond, err := jsonColumn(item.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger condition: %w", err)
	}
	override, err := jsonColumn(item.Override)
	if err != nil {
		return fmt.Errorf("failed to marshal override: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO suite_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.SuiteID, item.SimulationID, nullString(item.Label), item.OrderIndex,
		nullString(item.DependsOnItemID), cond, override, item.CreatedAt)
	return err
}

// GetSuiteItem retrieves a suite item by ID.
func (s *SQLiteStore) GetSuiteItem(ctx context.Context, itemID string) (*domain.SuiteItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM suite_items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListSuiteItems lists a suite's items by order index.
func (s *SQLiteStore) ListSuiteItems(ctx context.Context, suiteID string) ([]domain.SuiteItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM suite_items WHERE suite_id = ? ORDER BY order_index ASC, rowid ASC`, suiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SuiteItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func scanItem(row scanner) (*domain.SuiteItem, error) {
	var item domain.SuiteItem
	var label, dependsOn, cond, override sql.NullString
	if err := row.Scan(&item.ItemID, &item.SuiteID, &item.SimulationID, &label, &item.OrderIndex, &dependsOn,
		&cond, &override, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Label = label.String
	item.DependsOnItemID = dependsOn.String
	// Condition decoding never fails; malformed payloads surface at evaluation.
	if err := scanJSON(cond, &item.Condition); err != nil {
		return nil, fmt.Errorf("failed to decode item %s condition: %w", item.ItemID, err)
	}
	if err := scanJSON(override, &item.Override); err != nil {
		return nil, fmt.Errorf("failed to decode item %s override: %w", item.ItemID, err)
	}
	return &item, nil
}

const suiteRunColumns = `suite_run_id, suite_id, run_label, seed_context, status, failed_item_id, abort_reason, started_at, ended_at, updated_at`

// CreateSuiteRun creates a suite run together with its pending items.
func (s *SQLiteStore) CreateSuiteRun(ctx context.Context, run *domain.SuiteRun, items []domain.SuiteRunItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO suite_runs (`+suiteRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.SuiteRunID, run.SuiteID, nullString(run.RunLabel), nullStringBytes(run.SeedContext), run.Status,
			nullString(run.FailedItemID), nullString(run.AbortReason), run.StartedAt, nullTime(run.EndedAt), run.UpdatedAt)
		if err != nil {
			return err
		}
		for _, item := range items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO suite_run_items (`+suiteRunItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.SuiteRunItemID, item.SuiteRunID, item.ItemID, item.Status, nullString(string(item.ConditionType)),
				nullString(item.ConditionExplanation), nullString(item.SimulationRunID), nullString(item.LastError),
				nullTime(item.StartedAt), nullTime(item.EndedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSuiteRun retrieves a suite run by ID.
func (s *SQLiteStore) GetSuiteRun(ctx context.Context, suiteRunID string) (*domain.SuiteRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suiteRunColumns+` FROM suite_runs WHERE suite_run_id = ?`, suiteRunID)
	run, err := scanSuiteRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateSuiteRun overwrites the status fields of a suite run. A terminal suite
// run is never overwritten: the update fails with domain.ErrStale.
func (s *SQLiteStore) UpdateSuiteRun(ctx context.Context, run *domain.SuiteRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suite_runs SET status = ?, failed_item_id = ?, abort_reason = ?, ended_at = ?, updated_at = ?
		WHERE suite_run_id = ? AND status NOT IN (?, ?, ?)`,
		run.Status, nullString(run.FailedItemID), nullString(run.AbortReason), nullTime(run.EndedAt), run.UpdatedAt,
		run.SuiteRunID, domain.SuiteRunStatusCompleted, domain.SuiteRunStatusFailed, domain.SuiteRunStatusAborted)
	if err != nil {
		return err
	}
	return s.expectCurrent(ctx, res, `SELECT 1 FROM suite_runs WHERE suite_run_id = ?`, run.SuiteRunID)
}

// expectCurrent maps a guarded update that touched no row to ErrStale when the
// row exists and to ErrNotFound otherwise.
func (s *SQLiteStore) expectCurrent(ctx context.Context, res sql.Result, exists, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, exists, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStale
}

// ListSuiteRuns lists runs of a suite, oldest first.
func (s *SQLiteStore) ListSuiteRuns(ctx context.Context, suiteID string, page domain.Page) ([]domain.SuiteRun, error) {
	query := limitOffset(`SELECT `+suiteRunColumns+` FROM suite_runs WHERE suite_id = ? ORDER BY started_at ASC, rowid ASC`,
		page.Limit, page.Offset)
	return s.querySuiteRuns(ctx, query, suiteID)
}

// ListActiveSuiteRuns lists suite runs that have not reached a terminal status.
func (s *SQLiteStore) ListActiveSuiteRuns(ctx context.Context, limit int) ([]domain.SuiteRun, error) {
	query := limitOffset(`SELECT `+suiteRunColumns+` FROM suite_runs WHERE status IN (?, ?) ORDER BY started_at ASC, rowid ASC`,
		limit, 0)
	return s.querySuiteRuns(ctx, query, domain.SuiteRunStatusStarting, domain.SuiteRunStatusInProgress)
}

func (s *SQLiteStore) querySuiteRuns(ctx context.Context, query string, args ...any) ([]domain.SuiteRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SuiteRun
	for rows.Next() {
		run, err := scanSuiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanSuiteRun(row scanner) (*domain.SuiteRun, error) {
	var run domain.SuiteRun
	var label, seed, failedItem, abortReason sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.SuiteRunID, &run.SuiteID, &label, &seed, &run.Status, &failedItem, &abortReason,
		&run.StartedAt, &endedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.RunLabel = label.String
	if seed.Valid && strings.TrimSpace(seed.String) != "" {
		run.SeedContext = []byte(seed.String)
	}
	run.FailedItemID = failedItem.String
	run.AbortReason = abortReason.String
	run.EndedAt = timePtr(endedAt)
	return &run, nil
}

const suiteRunItemColumns = `suite_run_item_id, suite_run_id, item_id, status, condition_type, condition_explanation,
	simulation_run_id, last_error, started_at, ended_at`

// ListSuiteRunItems lists the items of a suite run in the suite's order.
func (s *SQLiteStore) ListSuiteRunItems(ctx context.Context, suiteRunID string) ([]domain.SuiteRunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ri.suite_run_item_id, ri.suite_run_id, ri.item_id, ri.status, ri.condition_type, ri.condition_explanation,
			ri.simulation_run_id, ri.last_error, ri.started_at, ri.ended_at
		FROM suite_run_items ri JOIN suite_items si ON si.item_id = ri.item_id
		WHERE ri.suite_run_id = ? ORDER BY si.order_index ASC, si.rowid ASC`, suiteRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SuiteRunItem
	for rows.Next() {
		var item domain.SuiteRunItem
		var condType, explanation, simRunID, lastError sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&item.SuiteRunItemID, &item.SuiteRunID, &item.ItemID, &item.Status, &condType,
			&explanation, &simRunID, &lastError, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		item.ConditionType = domain.ConditionType(condType.String)
		item.ConditionExplanation = explanation.String
		item.SimulationRunID = simRunID.String
		item.LastError = lastError.String
		item.StartedAt = timePtr(startedAt)
		item.EndedAt = timePtr(endedAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateSuiteRunItem overwrites the mutable fields of a suite run item whose
// stored status is still from. Otherwise it fails with domain.ErrStale.
func (s *SQLiteStore) UpdateSuiteRunItem(ctx context.Context, item *domain.SuiteRunItem, from domain.SuiteRunItemStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suite_run_items SET status = ?, condition_type = ?, condition_explanation = ?, simulation_run_id = ?,
			last_error = ?, started_at = ?, ended_at = ?
		WHERE suite_run_item_id = ? AND status = ?`,
		item.Status, nullString(string(item.ConditionType)), nullString(item.ConditionExplanation),
		nullString(item.SimulationRunID), nullString(item.LastError), nullTime(item.StartedAt), nullTime(item.EndedAt),
		item.SuiteRunItemID, from)
	if err != nil {
		return err
	}
	return s.expectCurrent(ctx, res, `SELECT 1 FROM suite_run_items WHERE suite_run_item_id = ?`, item.SuiteRunItemID)
}
