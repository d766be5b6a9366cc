package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/db"
	"github.com/sells-group/food-review/internal/metrics"
	"github.com/sells-group/food-review/internal/model"
)

// ErrRunNotActive is returned when a run-owned write targets a run that is no
// longer running.
var ErrRunNotActive = eris.New("run is not running")

// leaseLockKey is the transaction-scoped advisory lock guarding the active slot.
const leaseLockKey int64 = 4_651_220

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	runColumns        = `id, status, started_at, completed_at, total_processed, summary, run_by, error`
	suggestionColumns = `id, run_id, food_id, food_name, suggested_action, target_food_id, target_food_name, extracted_unit, extracted_quantity, ai_reasoning, ingredient_count, created_at`
)

var suggestionColumnList = []string{
	"id", "run_id", "food_id", "food_name", "suggested_action", "target_food_id", "target_food_name",
	"extracted_unit", "extracted_quantity", "ai_reasoning", "ingredient_count", "created_at",
}

// Per-item catalog queries, issued once per pending food during a run. pgx
// caches their statements per connection.
const (
	countIngredientRefsSQL = `SELECT COUNT(*) FROM recipe_ingredients WHERE food_id = $1`
	findCanonicalFoodSQL   = `SELECT id, name FROM foods WHERE status = 'approved' AND lower(trim(name)) = lower(trim($1)) ORDER BY created_at ASC LIMIT 1`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS foods (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_foods_status_created ON foods(status, created_at);
CREATE INDEX IF NOT EXISTS idx_foods_approved_name ON foods(lower(trim(name))) WHERE status = 'approved';

CREATE TABLE IF NOT EXISTS recipe_ingredients (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	recipe_id TEXT NOT NULL,
	food_id   TEXT NOT NULL REFERENCES foods(id),
	quantity  DOUBLE PRECISION,
	unit      TEXT
);

CREATE INDEX IF NOT EXISTS idx_recipe_ingredients_food_id ON recipe_ingredients(food_id);

CREATE TABLE IF NOT EXISTS review_runs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL CHECK (status IN ('running', 'pending_approval', 'failed')),
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	total_processed INTEGER NOT NULL DEFAULT 0,
	summary         JSONB,
	run_by          TEXT NOT NULL,
	error           TEXT,
	active_slot     SMALLINT GENERATED ALWAYS AS (
		CASE WHEN status IN ('running', 'pending_approval') THEN 1 END
	) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_review_runs_active_slot ON review_runs(active_slot);
CREATE INDEX IF NOT EXISTS idx_review_runs_started_at ON review_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS review_suggestions (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES review_runs(id),
	food_id            TEXT NOT NULL,
	food_name          TEXT NOT NULL,
	suggested_action   TEXT NOT NULL CHECK (suggested_action IN ('alias', 'create', 'reject', 'delete')),
	target_food_id     TEXT,
	target_food_name   TEXT,
	extracted_unit     TEXT,
	extracted_quantity DOUBLE PRECISION,
	ai_reasoning       TEXT NOT NULL DEFAULT '',
	ingredient_count   INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_review_suggestions_run_id ON review_suggestions(run_id, suggested_action);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// AcquireRunLease atomically checks the active slot and creates a new running
// run. A running holder older than stuckAfter is failed in the same
// transaction before the new run is inserted.
func (s *PostgresStore) AcquireRunLease(ctx context.Context, runBy string, stuckAfter time.Duration) (*model.ReviewRun, error) {
	now := s.now()
	run := &model.ReviewRun{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: now,
		RunBy:     runBy,
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, leaseLockKey); err != nil {
			return eris.Wrap(err, "postgres: acquire lease lock")
		}

		existing, err := scanPgRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM review_runs WHERE active_slot = 1`,
		))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrap(err, "postgres: load active run")
		}

		reclaim, err := leaseDecision(existing, now, stuckAfter)
		if err != nil {
			return err
		}
		if reclaim {
			if _, err := tx.Exec(ctx,
				`UPDATE review_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4 AND status = $5`,
				string(model.RunStatusFailed), StuckRunReason, now, existing.ID, string(model.RunStatusRunning),
			); err != nil {
				return eris.Wrapf(err, "postgres: reclaim stuck run %s", existing.ID)
			}
			metrics.RecordStuckRunReclaimed()
			zap.L().Warn("postgres: reclaimed stuck review run",
				zap.String("run_id", existing.ID),
				zap.Duration("age", existing.Age(now)),
			)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO review_runs (id, status, started_at, total_processed, run_by) VALUES ($1, $2, $3, $4, $5)`,
			run.ID, string(run.Status), run.StartedAt, 0, run.RunBy,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return &LeaseConflictError{}
			}
			return eris.Wrap(err, "postgres: insert run")
		}
		return nil
	})
	if err != nil {
		var conflict *LeaseConflictError
		if errors.As(err, &conflict) && conflict.Existing == nil {
			conflict.Existing = s.activeRun(ctx)
		}
		return nil, err
	}
	return run, nil
}

// activeRun re-reads the active slot after a lost insert race. The holder
// committed outside our transaction, so the read uses the pool.
func (s *PostgresStore) activeRun(ctx context.Context) *model.ReviewRun {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM review_runs WHERE active_slot = 1`,
	))
	if err != nil {
		zap.L().Debug("postgres: active run not readable after lease conflict", zap.Error(err))
		return nil
	}
	return r
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ReviewRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM review_runs WHERE id = $1`,
		runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ReviewRun, error) {
	query := `SELECT ` + runColumns + ` FROM review_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ReviewRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, summary model.RunSummary) error {
	if summary == nil {
		summary = model.RunSummary{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE review_runs SET status = $1, summary = $2, completed_at = $3 WHERE id = $4 AND status = $5`,
		string(model.RunStatusPendingApproval), summaryJSON, s.now(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotActive, "postgres: finalize run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4 AND status = $5`,
		string(model.RunStatusFailed), reason, s.now(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotActive, "postgres: fail run %s", runID)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateProcessed(ctx context.Context, ex execer, runID string, totalProcessed int) error {
	tag, err := ex.Exec(ctx,
		`UPDATE review_runs SET total_processed = GREATEST(total_processed, $1) WHERE id = $2 AND status = $3`,
		totalProcessed, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update processed %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotActive, "postgres: update processed %s", runID)
	}
	return nil
}

// SaveCheckpoint writes a batch's suggestions and the run's processed count.
// The batch is copied in one transaction; if the copy fails the rows are
// inserted one at a time and failures are logged and skipped. It returns the
// number of suggestions persisted.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID string, suggestions []model.Suggestion, totalProcessed int) (int, error) {
	rows := suggestionRows(runID, suggestions, s.now())

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateProcessed(ctx, tx, runID, totalProcessed); err != nil {
			return err
		}
		_, err := db.CopyFrom(ctx, tx, "review_suggestions", suggestionColumnList, rows)
		return err
	})
	if err == nil {
		return len(rows), nil
	}
	if errors.Is(err, ErrRunNotActive) {
		return 0, err
	}

	log := zap.L().With(zap.String("run_id", runID))
	log.Warn("postgres: checkpoint copy failed, inserting suggestions individually", zap.Error(err))

	if err := updateProcessed(ctx, s.pool, runID, totalProcessed); err != nil {
		return 0, err
	}
	saved := 0
	for _, row := range rows {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO review_suggestions (`+suggestionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			row...,
		); err != nil {
			log.Error("postgres: insert suggestion failed",
				zap.Any("food_id", row[2]),
				zap.Error(err),
			)
			continue
		}
		saved++
	}
	return saved, nil
}

func (s *PostgresStore) SummarizeSuggestions(ctx context.Context, runID string) (model.RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT suggested_action, COUNT(*) FROM review_suggestions WHERE run_id = $1 GROUP BY suggested_action`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: summarize suggestions %s", runID)
	}
	defer rows.Close()

	summary := model.RunSummary{}
	for rows.Next() {
		var action model.SuggestedAction
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		summary[action] = count
	}
	return summary, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, runID string, filter SuggestionFilter) ([]model.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM review_suggestions WHERE run_id = $1`
	args := []any{runID}
	argIdx := 2

	if filter.Action != "" {
		query += fmt.Sprintf(` AND suggested_action = $%d`, argIdx)
		args = append(args, string(filter.Action))
		argIdx++
	}
	query += ` ORDER BY created_at ASC, food_name ASC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list suggestions %s", runID)
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		var sg model.Suggestion
		if err := rows.Scan(
			&sg.ID, &sg.RunID, &sg.FoodID, &sg.FoodName, &sg.SuggestedAction,
			&sg.TargetFoodID, &sg.TargetFoodName, &sg.ExtractedUnit, &sg.ExtractedQuantity,
			&sg.AIReasoning, &sg.IngredientCount, &sg.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suggestion")
		}
		out = append(out, sg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list suggestions iterate")
}

func (s *PostgresStore) ListPendingFoods(ctx context.Context, limit int) ([]model.PendingFood, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_by, created_at FROM foods WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending foods")
	}
	defer rows.Close()

	var foods []model.PendingFood
	for rows.Next() {
		var f model.PendingFood
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending food")
		}
		foods = append(foods, f)
	}
	return foods, eris.Wrap(rows.Err(), "postgres: list pending foods iterate")
}

func (s *PostgresStore) FindCanonicalFood(ctx context.Context, normalizedName string) (*model.CanonicalFood, error) {
	var f model.CanonicalFood
	err := s.pool.QueryRow(ctx, findCanonicalFoodSQL, normalizedName).Scan(&f.ID, &f.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find canonical food")
	}
	return &f, nil
}

func (s *PostgresStore) CountIngredientRefs(ctx context.Context, foodID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, countIngredientRefsSQL, foodID).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count ingredient refs %s", foodID)
}

func scanPgRun(row pgx.Row) (*model.ReviewRun, error) {
	var r model.ReviewRun
	var summaryJSON []byte
	var errText *string

	if err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.TotalProcessed, &summaryJSON, &r.RunBy, &errText); err != nil {
		return nil, err
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	if errText != nil {
		r.Error = *errText
	}
	return &r, nil
}

// suggestionRows assigns ids and timestamps and flattens suggestions into
// column order.
func suggestionRows(runID string, suggestions []model.Suggestion, now time.Time) [][]any {
	rows := make([][]any, 0, len(suggestions))
	for _, sg := range suggestions {
		id := sg.ID
		if id == "" {
			id = uuid.New().String()
		}
		created := sg.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{
			id, runID, sg.FoodID, sg.FoodName, string(sg.SuggestedAction),
			sg.TargetFoodID, sg.TargetFoodName, sg.ExtractedUnit, sg.ExtractedQuantity,
			sg.AIReasoning, sg.IngredientCount, created,
		})
	}
	return rows
}
