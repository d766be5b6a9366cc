package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/store"
)

// fakeRuns implements RunLister over an in-memory slice.
type fakeRuns struct {
	runs    []model.ReviewRun
	listErr error
	filters []store.RunFilter
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.ReviewRun, error) {
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.ReviewRun
	for _, r := range f.runs {
		if !filter.CreatedAfter.IsZero() && r.StartedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

var collectNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestCollector(runs *fakeRuns) *Collector {
	c := NewCollector(runs)
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	runs := &fakeRuns{runs: []model.ReviewRun{
		{
			ID: "r1", Status: model.RunStatusPendingApproval, StartedAt: collectNow.Add(-2 * time.Hour),
			TotalProcessed: 45, Summary: model.RunSummary{model.ActionCreate: 20, model.ActionAlias: 5},
		},
		{
			ID: "r2", Status: model.RunStatusFailed, StartedAt: collectNow.Add(-5 * time.Hour),
			TotalProcessed: 20, Error: store.StuckRunReason,
		},
		{
			ID: "r3", Status: model.RunStatusFailed, StartedAt: collectNow.Add(-6 * time.Hour),
			TotalProcessed: 15, Error: "review: summarize suggestions: db down",
		},
		{
			ID: "r4", Status: model.RunStatusPendingApproval, StartedAt: collectNow.Add(-72 * time.Hour),
			TotalProcessed: 500, Summary: model.RunSummary{model.ActionDelete: 500},
		},
	}}

	snap, err := newTestCollector(runs).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsPendingApproval)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 0, snap.RunsRunning)
	assert.Equal(t, 1, snap.StuckRunsReclaimed)
	assert.InDelta(t, 2.0/3.0, snap.FailRate, 0.001)
	assert.Equal(t, 80, snap.ItemsProcessed)
	assert.InDelta(t, 80.0/3.0, snap.AvgItemsPerRun, 0.001)
	assert.Equal(t, 25, snap.SuggestionsTotal)
	assert.Equal(t, model.RunSummary{model.ActionCreate: 20, model.ActionAlias: 5}, snap.SuggestionsByAction)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)

	// The old run outside the window still holds the lease.
	require.NotNil(t, snap.ActiveRun)
	assert.Equal(t, "r1", snap.ActiveRun.ID)

	require.NotEmpty(t, runs.filters)
	assert.Equal(t, collectNow.Add(-24*time.Hour), runs.filters[0].CreatedAfter)
}

func TestCollector_RunningRunIsActive(t *testing.T) {
	runs := &fakeRuns{runs: []model.ReviewRun{
		{ID: "live", Status: model.RunStatusRunning, StartedAt: collectNow.Add(-time.Minute), TotalProcessed: 40},
	}}

	snap, err := newTestCollector(runs).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.Equal(t, 0.0, snap.FailRate)
	require.NotNil(t, snap.ActiveRun)
	assert.Equal(t, "live", snap.ActiveRun.ID)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeRuns{}).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0.0, snap.AvgItemsPerRun)
	assert.Nil(t, snap.ActiveRun)
	assert.NotNil(t, snap.SuggestionsByAction)
}

func TestCollector_ListError(t *testing.T) {
	_, err := newTestCollector(&fakeRuns{listErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}

func TestCollector_WithSQLiteStore(t *testing.T) {
	st, err := store.NewSQLite(t.TempDir() + "/stats.db")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	run, err := st.AcquireRunLease(context.Background(), "admin@example.com", 10*time.Minute)
	require.NoError(t, err)

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsTotal)
	require.NotNil(t, snap.ActiveRun)
	assert.Equal(t, run.ID, snap.ActiveRun.ID)
}
