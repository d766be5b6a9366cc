package review

import "github.com/sells-group/food-review/internal/model"

// EventKind identifies a progress event.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventBatch   EventKind = "batch"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// Event is one run lifecycle notification.
type Event struct {
	Kind             EventKind
	RunID            string
	Total            int
	Processed        int
	SuggestionsSoFar int
	Summary          model.RunSummary
	Message          string
}

// Payload returns the wire fields for the event kind.
func (e Event) Payload() map[string]any {
	switch e.Kind {
	case EventStarted:
		return map[string]any{"runId": e.RunID, "total": e.Total}
	case EventBatch:
		return map[string]any{"processed": e.Processed, "suggestionsSoFar": e.SuggestionsSoFar}
	case EventDone:
		summary := e.Summary
		if summary == nil {
			summary = model.RunSummary{}
		}
		return map[string]any{
			"runId":            e.RunID,
			"processed":        e.Processed,
			"suggestionsSoFar": e.SuggestionsSoFar,
			"summary":          summary,
		}
	default:
		return map[string]any{"message": e.Message}
	}
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ProgressSink receives run events. Publish must not block the run for long
// and must not fail it; a sink whose subscriber went away drops events.
type ProgressSink interface {
	Publish(Event)
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements ProgressSink.
func (NopSink) Publish(Event) {}

// FuncSink adapts a function to ProgressSink.
type FuncSink func(Event)

// Publish implements ProgressSink.
func (f FuncSink) Publish(e Event) { f(e) }
