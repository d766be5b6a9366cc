package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/food-review/internal/model"
)

// ErrRunNotFound is returned when a review run does not exist.
var ErrRunNotFound = eris.New("run not found")

// StuckRunReason is recorded on runs reclaimed by a later lease acquisition.
const StuckRunReason = "stuck run reclaimed"

// LeaseConflictError is returned by AcquireRunLease when another run holds
// the active slot.
type LeaseConflictError struct {
	Existing *model.ReviewRun
}

func (e *LeaseConflictError) Error() string {
	if e.Existing == nil {
		return "review run lease held by another run"
	}
	if e.Existing.Status == model.RunStatusPendingApproval {
		return fmt.Sprintf("review run %s awaits approval", e.Existing.ID)
	}
	return fmt.Sprintf("review run %s already in progress", e.Existing.ID)
}

// RunID returns the id of the run holding the lease, if known.
func (e *LeaseConflictError) RunID() string {
	if e.Existing == nil {
		return ""
	}
	return e.Existing.ID
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// SuggestionFilter specifies criteria for listing a run's suggestions.
type SuggestionFilter struct {
	Action model.SuggestedAction `json:"action,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// Catalog is the read-only view of the food catalog used during a run.
type Catalog interface {
	ListPendingFoods(ctx context.Context, limit int) ([]model.PendingFood, error)
	// FindCanonicalFood returns nil, nil when no approved food matches.
	FindCanonicalFood(ctx context.Context, normalizedName string) (*model.CanonicalFood, error)
	CountIngredientRefs(ctx context.Context, foodID string) (int, error)
}

// Store defines the persistence interface for the review pipeline.
type Store interface {
	Catalog

	// Runs
	AcquireRunLease(ctx context.Context, runBy string, stuckAfter time.Duration) (*model.ReviewRun, error)
	GetRun(ctx context.Context, runID string) (*model.ReviewRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ReviewRun, error)
	FinalizeRun(ctx context.Context, runID string, summary model.RunSummary) error
	FailRun(ctx context.Context, runID string, reason string) error

	// Suggestions
	SaveCheckpoint(ctx context.Context, runID string, suggestions []model.Suggestion, totalProcessed int) (int, error)
	SummarizeSuggestions(ctx context.Context, runID string) (model.RunSummary, error)
	ListSuggestions(ctx context.Context, runID string, filter SuggestionFilter) ([]model.Suggestion, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// leaseDecision inspects the run currently holding the active slot. It
// returns a conflict error, or reports whether the holder must be reclaimed.
func leaseDecision(existing *model.ReviewRun, now time.Time, stuckAfter time.Duration) (reclaim bool, err error) {
	if existing == nil {
		return false, nil
	}
	if existing.Status == model.RunStatusRunning && existing.Age(now) > stuckAfter {
		return true, nil
	}
	return false, &LeaseConflictError{Existing: existing}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
