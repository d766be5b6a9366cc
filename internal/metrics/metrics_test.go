package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecordersExposed(t *testing.T) {
	RecordRun("failed")
	RecordLeaseConflict()
	RecordStuckRunReclaimed()
	RecordBatch("skipped")
	RecordSuggestions("alias", 3)
	RecordClassify("claude-haiku-4-5-20251001", nil, time.Second, 100, 20)
	RecordClassify("claude-haiku-4-5-20251001", errors.New("x"), time.Second, 0, 0)
	SetCircuitState(2)
	SetRunActive(true)
	RecordHTTPRequest("POST", "/api/review/runs", 202)

	body := scrape(t)
	for _, want := range []string{
		`food_review_runs_total{status="failed"}`,
		`food_review_lease_conflicts_total`,
		`food_review_stuck_runs_reclaimed_total`,
		`food_review_batches_total{outcome="skipped"}`,
		`food_review_suggestions_total{action="alias"}`,
		`food_review_classify_duration_seconds_count{status="error"} `,
		`food_review_classify_tokens_total{model="claude-haiku-4-5-20251001",type="output"} `,
		`food_review_classifier_circuit_state 2`,
		`food_review_run_active 1`,
		`food_review_http_requests_total{method="POST",route="/api/review/runs",status="202"}`,
	} {
		assert.Contains(t, body, want)
	}

	SetRunActive(false)
	assert.Contains(t, scrape(t), "food_review_run_active 0")
}
