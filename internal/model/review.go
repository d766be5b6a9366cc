package model

import (
	"sort"
	"time"
)

// RunStatus represents the lifecycle state of a review run.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusPendingApproval RunStatus = "pending_approval"
	RunStatusFailed          RunStatus = "failed"
)

// IsActive reports whether the status holds the single active-run slot.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusPendingApproval
}

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusPendingApproval || s == RunStatusFailed
}

// SuggestedAction is a proposed remediation for a pending food.
type SuggestedAction string

const (
	ActionAlias  SuggestedAction = "alias"  // merge into an existing canonical food
	ActionCreate SuggestedAction = "create" // promote to canonical
	ActionReject SuggestedAction = "reject" // invalid but still referenced
	ActionDelete SuggestedAction = "delete" // unused
)

// AllActions returns every suggested action in display order.
func AllActions() []SuggestedAction {
	return []SuggestedAction{ActionAlias, ActionCreate, ActionReject, ActionDelete}
}

// RunSummary counts persisted suggestions per action.
type RunSummary map[SuggestedAction]int

// Total returns the number of suggestions across all actions.
func (s RunSummary) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Actions returns the summary keys sorted alphabetically.
func (s RunSummary) Actions() []SuggestedAction {
	out := make([]SuggestedAction, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReviewRun is one execution of the normalization review pipeline.
type ReviewRun struct {
	ID             string     `json:"id"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TotalProcessed int        `json:"total_processed"`
	Summary        RunSummary `json:"summary,omitempty"`
	RunBy          string     `json:"run_by"`
	Error          string     `json:"error,omitempty"`
}

// Age returns how long the run has existed relative to now.
func (r *ReviewRun) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// Suggestion is one proposed action for one pending food. Suggestions are
// append-only and never mutated after insertion.
type Suggestion struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id"`
	FoodID            string          `json:"food_id"`
	FoodName          string          `json:"food_name"`
	SuggestedAction   SuggestedAction `json:"suggested_action"`
	TargetFoodID      *string         `json:"target_food_id"`
	TargetFoodName    *string         `json:"target_food_name"`
	ExtractedUnit     *string         `json:"extracted_unit"`
	ExtractedQuantity *float64        `json:"extracted_quantity"`
	AIReasoning       string          `json:"ai_reasoning"`
	IngredientCount   int             `json:"ingredient_count"`
	CreatedAt         time.Time       `json:"created_at"`
}
