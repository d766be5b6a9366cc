package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/food-review/internal/metrics"
	"github.com/sells-group/food-review/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// leaseMu serializes lease acquisition within the process; the unique
	// active_slot index rejects a second active run across processes.
	leaseMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

// DB returns the underlying handle for seeding and inspection tools.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS foods (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_foods_status_created ON foods(status, created_at);

CREATE TABLE IF NOT EXISTS recipe_ingredients (
	id        TEXT PRIMARY KEY,
	recipe_id TEXT NOT NULL,
	food_id   TEXT NOT NULL REFERENCES foods(id),
	quantity  REAL,
	unit      TEXT
);

CREATE INDEX IF NOT EXISTS idx_recipe_ingredients_food_id ON recipe_ingredients(food_id);

CREATE TABLE IF NOT EXISTS review_runs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL CHECK (status IN ('running', 'pending_approval', 'failed')),
	started_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	total_processed INTEGER NOT NULL DEFAULT 0,
	summary         TEXT,
	run_by          TEXT NOT NULL,
	error           TEXT,
	active_slot     INTEGER GENERATED ALWAYS AS (
		CASE WHEN status IN ('running', 'pending_approval') THEN 1 END
	) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_review_runs_active_slot ON review_runs(active_slot);
CREATE INDEX IF NOT EXISTS idx_review_runs_started_at ON review_runs(started_at);

CREATE TABLE IF NOT EXISTS review_suggestions (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES review_runs(id),
	food_id            TEXT NOT NULL,
	food_name          TEXT NOT NULL,
	suggested_action   TEXT NOT NULL CHECK (suggested_action IN ('alias', 'create', 'reject', 'delete')),
	target_food_id     TEXT,
	target_food_name   TEXT,
	extracted_unit     TEXT,
	extracted_quantity REAL,
	ai_reasoning       TEXT NOT NULL DEFAULT '',
	ingredient_count   INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_suggestions_run_id ON review_suggestions(run_id, suggested_action);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AcquireRunLease(ctx context.Context, runBy string, stuckAfter time.Duration) (*model.ReviewRun, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := s.now()
	run := &model.ReviewRun{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: now,
		RunBy:     runBy,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin lease")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM review_runs WHERE active_slot = 1`,
	))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: load active run")
	}

	reclaim, err := leaseDecision(existing, now, stuckAfter)
	if err != nil {
		return nil, err
	}
	if reclaim {
		if _, err := tx.ExecContext(ctx,
			`UPDATE review_runs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(model.RunStatusFailed), StuckRunReason, now, existing.ID, string(model.RunStatusRunning),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: reclaim stuck run %s", existing.ID)
		}
		metrics.RecordStuckRunReclaimed()
		zap.L().Warn("sqlite: reclaimed stuck review run",
			zap.String("run_id", existing.ID),
			zap.Duration("age", existing.Age(now)),
		)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO review_runs (id, status, started_at, total_processed, run_by) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.StartedAt, 0, run.RunBy,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			_ = tx.Rollback()
			return nil, &LeaseConflictError{Existing: s.activeRun(ctx)}
		}
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit lease")
	}
	return run, nil
}

// activeRun reads the run occupying the active slot, or nil when the slot is
// empty or unreadable.
func (s *SQLiteStore) activeRun(ctx context.Context) *model.ReviewRun {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM review_runs WHERE active_slot = 1`,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			zap.L().Debug("sqlite: active run not readable after lease conflict", zap.Error(err))
		}
		return nil
	}
	return r
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ReviewRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM review_runs WHERE id = ?`,
		runID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ReviewRun, error) {
	query := `SELECT ` + runColumns + ` FROM review_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	query += ` LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ReviewRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, summary model.RunSummary) error {
	if summary == nil {
		summary = model.RunSummary{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE review_runs SET status = ?, summary = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusPendingApproval), string(summaryJSON), s.now(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", runID)
	}
	return checkRunActive(res, "finalize run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_runs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusFailed), reason, s.now(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRunActive(res, "fail run", runID)
}

// SaveCheckpoint writes a batch's suggestions and the run's processed count in
// one transaction. A failed suggestion insert is logged and skipped.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, suggestions []model.Suggestion, totalProcessed int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin checkpoint")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE review_runs SET total_processed = MAX(total_processed, ?) WHERE id = ? AND status = ?`,
		totalProcessed, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: update processed %s", runID)
	}
	if err := checkRunActive(res, "update processed", runID); err != nil {
		return 0, err
	}

	saved := 0
	for _, row := range suggestionRows(runID, suggestions, s.now()) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO review_suggestions (`+suggestionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row...,
		); err != nil {
			zap.L().Error("sqlite: insert suggestion failed",
				zap.String("run_id", runID),
				zap.Any("food_id", row[2]),
				zap.Error(err),
			)
			continue
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit checkpoint")
	}
	return saved, nil
}

func (s *SQLiteStore) SummarizeSuggestions(ctx context.Context, runID string) (model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT suggested_action, COUNT(*) FROM review_suggestions WHERE run_id = ? GROUP BY suggested_action`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: summarize suggestions %s", runID)
	}
	defer rows.Close()

	summary := model.RunSummary{}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		summary[model.SuggestedAction(action)] = count
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

func (s *SQLiteStore) ListSuggestions(ctx context.Context, runID string, filter SuggestionFilter) ([]model.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM review_suggestions WHERE run_id = ?`
	args := []any{runID}

	if filter.Action != "" {
		query += ` AND suggested_action = ?`
		args = append(args, string(filter.Action))
	}
	query += ` ORDER BY created_at ASC, food_name ASC`

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list suggestions %s", runID)
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		var sg model.Suggestion
		var action string
		var targetID, targetName, unit sql.NullString
		var quantity sql.NullFloat64
		if err := rows.Scan(
			&sg.ID, &sg.RunID, &sg.FoodID, &sg.FoodName, &action,
			&targetID, &targetName, &unit, &quantity,
			&sg.AIReasoning, &sg.IngredientCount, &sg.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suggestion")
		}
		sg.SuggestedAction = model.SuggestedAction(action)
		sg.TargetFoodID = nullString(targetID)
		sg.TargetFoodName = nullString(targetName)
		sg.ExtractedUnit = nullString(unit)
		if quantity.Valid {
			q := quantity.Float64
			sg.ExtractedQuantity = &q
		}
		out = append(out, sg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list suggestions iterate")
}

func (s *SQLiteStore) ListPendingFoods(ctx context.Context, limit int) ([]model.PendingFood, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by, created_at FROM foods WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending foods")
	}
	defer rows.Close()

	var foods []model.PendingFood
	for rows.Next() {
		var f model.PendingFood
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending food")
		}
		foods = append(foods, f)
	}
	return foods, eris.Wrap(rows.Err(), "sqlite: list pending foods iterate")
}

func (s *SQLiteStore) FindCanonicalFood(ctx context.Context, normalizedName string) (*model.CanonicalFood, error) {
	var f model.CanonicalFood
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM foods WHERE status = 'approved' AND lower(trim(name)) = lower(trim(?)) ORDER BY created_at ASC LIMIT 1`,
		normalizedName,
	).Scan(&f.ID, &f.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find canonical food")
	}
	return &f, nil
}

func (s *SQLiteStore) CountIngredientRefs(ctx context.Context, foodID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipe_ingredients WHERE food_id = ?`,
		foodID,
	).Scan(&count)
	return count, eris.Wrapf(err, "sqlite: count ingredient refs %s", foodID)
}

// helpers

func checkRunActive(res sql.Result, op, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotActive, "sqlite: %s %s", op, runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ReviewRun, error) {
	var r model.ReviewRun
	var status string
	var completedAt sql.NullTime
	var summaryJSON, errText sql.NullString

	err := row.Scan(&r.ID, &status, &r.StartedAt, &completedAt, &r.TotalProcessed, &summaryJSON, &r.RunBy, &errText)
	if err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	r.Error = errText.String
	return &r, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
