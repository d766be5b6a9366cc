package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/auth"
	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/review"
	"github.com/sells-group/food-review/internal/store"
)

var (
	errInvalidBody    = eris.New("invalid request body")
	errInvalidInteger = eris.New("invalid integer")
)

type startRunRequest struct {
	Limit *int `json:"limit"`
}

// triggerParams validates a trigger request and returns the caller identity
// and requested limit. It writes the error response and returns ok=false
// when the request must not start a run.
func (s *Server) triggerParams(w http.ResponseWriter, r *http.Request) (runBy string, limit int, ok bool) {
	if !s.opts.ClassifierReady {
		respondError(w, http.StatusServiceUnavailable, "classifier is not configured")
		return "", 0, false
	}

	id, found := auth.IdentityFrom(r.Context())
	if !found {
		respondError(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
		return "", 0, false
	}

	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", 0, false
	}
	return id.RunBy, limit, true
}

// parseLimit reads an optional positive limit from the query string or a
// JSON body. Zero means "use the default".
func parseLimit(r *http.Request) (int, error) {
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return 0, review.ErrInvalidLimit
		}
		return n, nil
	}

	if r.Method != http.MethodPost || r.Body == nil {
		return 0, nil
	}
	var req startRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, errInvalidBody
	}
	if req.Limit == nil {
		return 0, nil
	}
	if *req.Limit <= 0 {
		return 0, review.ErrInvalidLimit
	}
	return *req.Limit, nil
}

// respondStartError maps controller start errors to HTTP responses.
func respondStartError(w http.ResponseWriter, err error) {
	var conflict *store.LeaseConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": conflict.Error(),
			"runId": conflict.RunID(),
		})
	case errors.Is(err, review.ErrInvalidLimit):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("httpserver: start run", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not start run")
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runBy, limit, ok := s.triggerParams(w, r)
	if !ok {
		return
	}

	run, _, err := s.controller.Start(r.Context(), runBy, limit, review.NopSink{})
	if err != nil {
		respondStartError(w, err)
		return
	}

	zap.L().Info("httpserver: review run started",
		zap.String("run_id", run.ID),
		zap.String("run_by", runBy),
		zap.Int("limit", limit),
	)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"runId":  run.ID,
		"status": string(run.Status),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if since := q.Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.CreatedAfter = time.Now().UTC().Add(-d)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("httpserver: list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.ReviewRun{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("httpserver: get run", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "could not load run")
		return
	}

	q := r.URL.Query()
	filter := store.SuggestionFilter{Action: model.SuggestedAction(q.Get("action"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 200); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	sugs, err := s.store.ListSuggestions(r.Context(), runID, filter)
	if err != nil {
		zap.L().Error("httpserver: list suggestions", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not list suggestions")
		return
	}
	if sugs == nil {
		sugs = []model.Suggestion{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runId": runID, "suggestions": sugs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("hours"), 24)
	if err != nil || hours == 0 {
		respondError(w, http.StatusBadRequest, "invalid hours")
		return
	}
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("httpserver: collect stats", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not collect stats")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// intParam parses a non-negative integer, returning def for an empty value.
func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errInvalidInteger
	}
	return n, nil
}
