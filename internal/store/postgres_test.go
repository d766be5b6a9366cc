package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/food-review/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return testNow }}
	return s, mock
}

var runColumnNames = []string{"id", "status", "started_at", "completed_at", "total_processed", "summary", "run_by", "error"}

func TestPostgresStore_AcquireRunLease_NoActiveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(leaseLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames))
	mock.ExpectExec(`INSERT INTO review_runs`).
		WithArgs(pgxmock.AnyArg(), "running", testNow, 0, "admin@example.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run, err := s.AcquireRunLease(context.Background(), "admin@example.com", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, testNow, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLease_ConflictRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames).
			AddRow("run-1", "running", testNow.Add(-2*time.Minute), nil, 40, nil, "admin@example.com", nil))
	mock.ExpectRollback()

	_, err := s.AcquireRunLease(context.Background(), "system:cron", 10*time.Minute)
	var conflict *LeaseConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "run-1", conflict.RunID())
	assert.Equal(t, 40, conflict.Existing.TotalProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLease_ReclaimsStuckRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames).
			AddRow("stuck-1", "running", testNow.Add(-30*time.Minute), nil, 20, nil, "admin@example.com", nil))
	mock.ExpectExec(`UPDATE review_runs SET status = \$1, error = \$2`).
		WithArgs("failed", StuckRunReason, testNow, "stuck-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO review_runs`).
		WithArgs(pgxmock.AnyArg(), "running", testNow, 0, "system:cron").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run, err := s.AcquireRunLease(context.Background(), "system:cron", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, "stuck-1", run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLease_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames))
	mock.ExpectExec(`INSERT INTO review_runs`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames).
			AddRow("winner-1", "running", testNow, nil, 0, nil, "system:cron", nil))

	_, err := s.AcquireRunLease(context.Background(), "admin@example.com", 10*time.Minute)
	var conflict *LeaseConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "winner-1", conflict.RunID())
	assert.Equal(t, "review run winner-1 already in progress", conflict.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLease_UniqueViolationUnreadableHolder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnRows(pgxmock.NewRows(runColumnNames))
	mock.ExpectExec(`INSERT INTO review_runs`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery(`FROM review_runs WHERE active_slot = 1`).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.AcquireRunLease(context.Background(), "admin@example.com", 10*time.Minute)
	var conflict *LeaseConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Empty(t, conflict.RunID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	completed := testNow.Add(5 * time.Minute)

	mock.ExpectQuery(`FROM review_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumnNames).
			AddRow("run-1", "pending_approval", testNow, &completed, 45, []byte(`{"alias":3,"delete":2}`), "admin@example.com", nil))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPendingApproval, run.Status)
	assert.Equal(t, 45, run.TotalProcessed)
	assert.Equal(t, 3, run.Summary[model.ActionAlias])
	assert.Equal(t, 5, run.Summary.Total())
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, completed, *run.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM review_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := testNow.Add(-24 * time.Hour)

	mock.ExpectQuery(`AND status = \$1 AND started_at >= \$2 ORDER BY started_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", since, 10, 20).
		WillReturnRows(pgxmock.NewRows(runColumnNames).
			AddRow("run-9", "failed", testNow, &testNow, 3, nil, "system:cron", strPtr("boom")))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		Status: model.RunStatusFailed, CreatedAfter: since, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCheckpoint_CopyFastPath(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_runs SET total_processed = GREATEST`).
		WithArgs(20, "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"review_suggestions"}, suggestionColumnList).WillReturnResult(2)
	mock.ExpectCommit()

	n, err := s.SaveCheckpoint(context.Background(), "run-1", []model.Suggestion{
		{FoodID: "f1", FoodName: "salt", SuggestedAction: model.ActionCreate},
		{FoodID: "f2", FoodName: "qwerty", SuggestedAction: model.ActionDelete},
	}, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCheckpoint_FallsBackToRowInserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_runs SET total_processed = GREATEST`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"review_suggestions"}, suggestionColumnList).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	mock.ExpectExec(`UPDATE review_runs SET total_processed = GREATEST`).
		WithArgs(20, "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO review_suggestions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO review_suggestions`).
		WillReturnError(errors.New("value too long"))

	n, err := s.SaveCheckpoint(context.Background(), "run-1", []model.Suggestion{
		{FoodID: "f1", FoodName: "salt", SuggestedAction: model.ActionCreate},
		{FoodID: "f2", FoodName: "qwerty", SuggestedAction: model.ActionDelete},
	}, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed row is skipped, not fatal")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCheckpoint_RunNotActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_runs SET total_processed = GREATEST`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.SaveCheckpoint(context.Background(), "run-1", []model.Suggestion{
		{FoodID: "f1", FoodName: "salt", SuggestedAction: model.ActionCreate},
	}, 20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotActive))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE review_runs SET status = \$1, summary = \$2`).
		WithArgs("pending_approval", []byte(`{"alias":1}`), testNow, "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinalizeRun(context.Background(), "run-1", model.RunSummary{model.ActionAlias: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun_NotActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE review_runs SET status = \$1, error = \$2`).
		WithArgs("failed", "boom", testNow, "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailRun(context.Background(), "run-1", "boom")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotActive))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SummarizeSuggestions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT suggested_action, COUNT\(\*\) FROM review_suggestions`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"suggested_action", "count"}).
			AddRow("alias", 4).
			AddRow("delete", 7))

	summary, err := s.SummarizeSuggestions(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunSummary{model.ActionAlias: 4, model.ActionDelete: 7}, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCanonicalFood(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(findCanonicalFoodSQL)).
		WithArgs("Tomater").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow("c1", "Tomater"))
	mock.ExpectQuery(`SELECT id, name FROM foods WHERE status = 'approved'`).
		WithArgs("Unicorn").
		WillReturnError(pgx.ErrNoRows)

	match, err := s.FindCanonicalFood(context.Background(), "Tomater")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "c1", match.ID)

	miss, err := s.FindCanonicalFood(context.Background(), "Unicorn")
	require.NoError(t, err)
	assert.Nil(t, miss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountIngredientRefs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(countIngredientRefsSQL)).
		WithArgs("f1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))

	n, err := s.CountIngredientRefs(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingFoods(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM foods WHERE status = 'pending'`).
		WithArgs(500).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "created_by", "created_at"}).
			AddRow("f1", "burk tomater", "cook@example.com", testNow))

	foods, err := s.ListPendingFoods(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, foods, 1)
	assert.Equal(t, "burk tomater", foods[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS foods`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
