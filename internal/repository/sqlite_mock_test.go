package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLiteStoreFromDB(db), mock
}

func TestCommitStepRollsBackOnVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	run := &domain.SimulationRun{RunID: "run1", Status: domain.RunStatusInProgress, Version: 3, UpdatedAt: time.Now()}
	turn := &domain.ScenarioTurn{TurnID: "turn1", RunID: "run1", StepIndex: 4, CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scenario_turns")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE simulation_runs SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitStep(context.Background(), run, turn, nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, int64(3), run.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitStepPropagatesInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	run := &domain.SimulationRun{RunID: "run1", Version: 1}
	outcomes := []domain.ScenarioOutcome{{OutcomeID: "out1", RunID: "run1"}}
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scenario_outcomes")).WillReturnError(boom)
	mock.ExpectRollback()

	err := store.CommitStep(context.Background(), run, nil, outcomes)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSuiteRunMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE suite_runs SET")).
		WithArgs(domain.SuiteRunStatusAborted, sqlmock.AnyArg(), "timeout", sqlmock.AnyArg(), sqlmock.AnyArg(), "sr_missing",
			domain.SuiteRunStatusCompleted, domain.SuiteRunStatusFailed, domain.SuiteRunStatusAborted).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM suite_runs")).
		WithArgs("sr_missing").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := store.UpdateSuiteRun(context.Background(), &domain.SuiteRun{
		SuiteRunID:  "sr_missing",
		Status:      domain.SuiteRunStatusAborted,
		AbortReason: "timeout",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSuiteRunItemStatusMoved(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE suite_run_items SET")).
		WithArgs(domain.ItemStatusConditionMet, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "sri_1", domain.ItemStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM suite_run_items")).
		WithArgs("sri_1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := store.UpdateSuiteRunItem(context.Background(), &domain.SuiteRunItem{
		SuiteRunItemID: "sri_1",
		Status:         domain.ItemStatusConditionMet,
	}, domain.ItemStatusPending)
	assert.ErrorIs(t, err, domain.ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSuiteRunQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT suite_run_id")).
		WithArgs("sr1").
		WillReturnError(errors.New("database is locked"))

	run, err := store.GetSuiteRun(context.Background(), "sr1")
	assert.Nil(t, run)
	assert.EqualError(t, err, "database is locked")
}

func TestGetSimulationDecodeError(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"simulation_id", "org_id", "name", "description", "objective_type", "mode",
		"status", "config", "created_by", "created_at", "updated_at"}).
		AddRow("sim1", "org1", "n", nil, "custom", "what_if", "draft", "{not json", nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT simulation_id")).WithArgs("sim1").WillReturnRows(rows)

	sim, err := store.GetSimulation(context.Background(), "sim1")
	assert.Nil(t, sim)
	assert.ErrorContains(t, err, "failed to decode simulation config")
}
