// Package monitoring summarizes review run history for the stats endpoint
// and CLI.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/store"
)

// Snapshot holds a point-in-time view of review activity.
type Snapshot struct {
	// Runs started within the lookback window.
	RunsTotal           int     `json:"runs_total"`
	RunsRunning         int     `json:"runs_running"`
	RunsPendingApproval int     `json:"runs_pending_approval"`
	RunsFailed          int     `json:"runs_failed"`
	StuckRunsReclaimed  int     `json:"stuck_runs_reclaimed"`
	FailRate            float64 `json:"fail_rate"`

	ItemsProcessed      int              `json:"items_processed"`
	AvgItemsPerRun      float64          `json:"avg_items_per_run"`
	SuggestionsTotal    int              `json:"suggestions_total"`
	SuggestionsByAction model.RunSummary `json:"suggestions_by_action"`

	// ActiveRun is the run holding the lease, regardless of the window.
	ActiveRun *model.ReviewRun `json:"active_run,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the subset of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ReviewRun, error)
}

// Collector gathers snapshots from the run store.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: func() time.Time { return time.Now().UTC() }}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		SuggestionsByAction: model.RunSummary{},
		LookbackHours:       lookbackHours,
		CollectedAt:         now,
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusRunning:
			snap.RunsRunning++
		case model.RunStatusPendingApproval:
			snap.RunsPendingApproval++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if r.Error == store.StuckRunReason {
				snap.StuckRunsReclaimed++
			}
		}
		snap.ItemsProcessed += r.TotalProcessed
		for action, n := range r.Summary {
			snap.SuggestionsByAction[action] += n
		}
	}
	snap.SuggestionsTotal = snap.SuggestionsByAction.Total()

	if finished := snap.RunsPendingApproval + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsTotal > 0 {
		snap.AvgItemsPerRun = float64(snap.ItemsProcessed) / float64(snap.RunsTotal)
	}

	for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusPendingApproval} {
		active, err := c.runs.ListRuns(ctx, store.RunFilter{Status: status, Limit: 1})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: find active run")
		}
		if len(active) > 0 {
			snap.ActiveRun = &active[0]
			break
		}
	}

	return snap, nil
}
