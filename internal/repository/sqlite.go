package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// newSQLiteStoreFromDB wraps an already opened handle without migrating.
func newSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS simulations (
			simulation_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			objective_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			created_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_org ON simulations(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_definitions (
			agent_id TEXT PRIMARY KEY,
			simulation_id TEXT NOT NULL,
			agent_key TEXT NOT NULL,
			name TEXT NOT NULL,
			role_type TEXT NOT NULL,
			persona_ref TEXT,
			behavior TEXT,
			endpoint TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (simulation_id) REFERENCES simulations(simulation_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_definitions_key ON agent_definitions(simulation_id, agent_key)`,
		`CREATE TABLE IF NOT EXISTS simulation_runs (
			run_id TEXT PRIMARY KEY,
			simulation_id TEXT NOT NULL,
			suite_run_item_id TEXT,
			run_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			max_steps INTEGER NOT NULL,
			next_step_at DATETIME,
			total_steps INTEGER NOT NULL DEFAULT 0,
			converged INTEGER NOT NULL DEFAULT 0,
			converged_reason TEXT,
			awaiting_review INTEGER NOT NULL DEFAULT 0,
			last_speaker_key TEXT,
			last_error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			agent_keys TEXT,
			seed_sources TEXT,
			snapshot TEXT,
			criteria TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (simulation_id) REFERENCES simulations(simulation_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_simulation_runs_number ON simulation_runs(simulation_id, run_number)`,
		`CREATE TABLE IF NOT EXISTS scenario_turns (
			turn_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			agent_key TEXT NOT NULL,
			role_type TEXT NOT NULL,
			channel TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			user_guidance TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES simulation_runs(run_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_scenario_turns_step ON scenario_turns(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS scenario_outcomes (
			outcome_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			severity REAL NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			description TEXT,
			recommended_actions TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES simulation_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scenario_outcomes_run ON scenario_outcomes(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS scenario_suites (
			suite_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			created_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scenario_suites_org ON scenario_suites(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS suite_items (
			item_id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			simulation_id TEXT NOT NULL,
			label TEXT,
			order_index INTEGER NOT NULL,
			depends_on_item_id TEXT,
			trigger_condition TEXT NOT NULL,
			override TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (suite_id) REFERENCES scenario_suites(suite_id),
			FOREIGN KEY (simulation_id) REFERENCES simulations(simulation_id),
			FOREIGN KEY (depends_on_item_id) REFERENCES suite_items(item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suite_items_suite ON suite_items(suite_id, order_index)`,
		`CREATE TABLE IF NOT EXISTS suite_runs (
			suite_run_id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			run_label TEXT,
			seed_context TEXT,
			status TEXT NOT NULL,
			failed_item_id TEXT,
			abort_reason TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (suite_id) REFERENCES scenario_suites(suite_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suite_runs_suite ON suite_runs(suite_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_suite_runs_status ON suite_runs(status, started_at)`,
		`CREATE TABLE IF NOT EXISTS suite_run_items (
			suite_run_item_id TEXT PRIMARY KEY,
			suite_run_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			status TEXT NOT NULL,
			condition_explanation TEXT,
			simulation_run_id TEXT,
			last_error TEXT,
			started_at DATETIME,
			ended_at DATETIME,
			FOREIGN KEY (suite_run_id) REFERENCES suite_runs(suite_run_id),
			FOREIGN KEY (item_id) REFERENCES suite_items(item_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suite_run_items_item ON suite_run_items(suite_run_id, item_id)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			entry_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT,
			detail TEXT,
			ts INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity_type, entity_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("simulation_runs", "version", "ALTER TABLE simulation_runs ADD COLUMN version INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn("simulation_runs", "pending_guidance", "ALTER TABLE simulation_runs ADD COLUMN pending_guidance TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("suite_run_items", "condition_type", "ALTER TABLE suite_run_items ADD COLUMN condition_type TEXT"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_simulation_runs_suite_item ON simulation_runs(suite_run_item_id)`); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func limitOffset(query string, limit, offset int) string {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	return query
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// jsonColumn marshals v for a TEXT column. Nil and empty values become NULL.
func jsonColumn(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return nullStringBytes(b), nil
}

// scanJSON decodes a nullable TEXT column into dst.
func scanJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
