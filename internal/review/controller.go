// Package review implements the pending food normalization review: the run
// controller, classifier adapter, decision rules and progress events.
package review

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/config"
	"github.com/sells-group/food-review/internal/metrics"
	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/store"
)

// ErrInvalidLimit is returned for a non-positive run limit.
var ErrInvalidLimit = eris.New("limit must be a positive integer")

// Options tunes run execution.
type Options struct {
	BatchSize         int
	DefaultLimit      int
	MaxLimit          int
	StuckRunTimeout   time.Duration
	LookupConcurrency int
}

// OptionsFromConfig maps the review config section to Options.
func OptionsFromConfig(c config.ReviewConfig) Options {
	return Options{
		BatchSize:         c.BatchSize,
		DefaultLimit:      c.DefaultLimit,
		MaxLimit:          c.MaxLimit,
		StuckRunTimeout:   c.StuckRunTimeout,
		LookupConcurrency: c.LookupConcurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 500
	}
	if o.MaxLimit < o.DefaultLimit {
		o.MaxLimit = o.DefaultLimit
	}
	if o.StuckRunTimeout <= 0 {
		o.StuckRunTimeout = 10 * time.Minute
	}
	if o.LookupConcurrency <= 0 {
		o.LookupConcurrency = 4
	}
	return o
}

// Result is the outcome of a detached run.
type Result struct {
	Run *model.ReviewRun
	Err error
}

// Controller owns the run lifecycle. Both the fire-and-forget and streaming
// entry points go through Start; they differ only in the ProgressSink.
type Controller struct {
	store      store.Store
	normalizer Normalizer
	opts       Options
	wg         sync.WaitGroup
}

// NewController creates a run controller.
func NewController(st store.Store, n Normalizer, opts Options) *Controller {
	return &Controller{store: st, normalizer: n, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Controller) Options() Options {
	return c.opts
}

// ResolveLimit applies the default to a zero limit and caps it at MaxLimit.
func (c *Controller) ResolveLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return c.opts.DefaultLimit, nil
	case limit < 0:
		return 0, ErrInvalidLimit
	case limit > c.opts.MaxLimit:
		return c.opts.MaxLimit, nil
	default:
		return limit, nil
	}
}

// Start acquires the run lease and executes the run in a goroutine tracked
// by the controller. The returned channel yields exactly one Result. The run
// is detached from ctx cancellation; a lease conflict is returned as
// *store.LeaseConflictError before any goroutine starts.
func (c *Controller) Start(ctx context.Context, runBy string, limit int, sink ProgressSink) (*model.ReviewRun, <-chan Result, error) {
	limit, err := c.ResolveLimit(limit)
	if err != nil {
		return nil, nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}

	run, err := c.store.AcquireRunLease(ctx, runBy, c.opts.StuckRunTimeout)
	if err != nil {
		var conflict *store.LeaseConflictError
		if errors.As(err, &conflict) {
			metrics.RecordLeaseConflict()
			return nil, nil, conflict
		}
		return nil, nil, eris.Wrap(err, "review: acquire lease")
	}

	done := make(chan Result, 1)
	runCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		final, err := c.execute(runCtx, run, limit, sink)
		done <- Result{Run: final, Err: err}
	}()

	started := *run
	return &started, done, nil
}

// Run starts a run and blocks until it reaches a terminal state.
func (c *Controller) Run(ctx context.Context, runBy string, limit int, sink ProgressSink) (*model.ReviewRun, error) {
	_, done, err := c.Start(ctx, runBy, limit, sink)
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.Run, res.Err
}

// Wait blocks until every run started by this controller has finished or
// ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "review: wait for running runs")
	}
}

// execute drives a leased run to a terminal state. Errors and panics that
// escape the per-batch guard fail the run with its last checkpoint.
func (c *Controller) execute(ctx context.Context, run *model.ReviewRun, limit int, sink ProgressSink) (final *model.ReviewRun, err error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("run_by", run.RunBy))
	metrics.SetRunActive(true)
	defer metrics.SetRunActive(false)

	defer func() {
		if r := recover(); r != nil {
			log.Error("review: run panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = eris.Errorf("review: run panicked: %v", r)
		}
		if err != nil {
			final = c.fail(ctx, run, err, log)
			publish(sink, Event{Kind: EventError, RunID: run.ID, Message: err.Error()}, log)
		}
	}()

	items, err := c.store.ListPendingFoods(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "review: list pending foods")
	}

	log.Info("review: run started", zap.Int("total", len(items)), zap.Int("batch_size", c.opts.BatchSize))
	publish(sink, Event{Kind: EventStarted, RunID: run.ID, Total: len(items)}, log)

	processed, suggestions := 0, 0
	for start := 0; start < len(items); start += c.opts.BatchSize {
		batch := items[start:min(start+c.opts.BatchSize, len(items))]
		batchSugs := c.processBatch(ctx, batch, log)

		processed = start + len(batch)
		saved, err := c.store.SaveCheckpoint(ctx, run.ID, batchSugs, processed)
		if err != nil {
			return nil, eris.Wrapf(err, "review: checkpoint at %d processed", processed)
		}
		suggestions += saved

		log.Debug("review: batch checkpointed",
			zap.Int("processed", processed),
			zap.Int("saved", saved),
			zap.Int("suggestions", suggestions),
		)
		publish(sink, Event{Kind: EventBatch, RunID: run.ID, Processed: processed, SuggestionsSoFar: suggestions}, log)
	}

	summary, err := c.store.SummarizeSuggestions(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "review: summarize suggestions")
	}
	if err := c.store.FinalizeRun(ctx, run.ID, summary); err != nil {
		return nil, eris.Wrap(err, "review: finalize run")
	}

	metrics.RecordRun(string(model.RunStatusPendingApproval))
	for action, n := range summary {
		metrics.RecordSuggestions(string(action), n)
	}

	final = c.reload(ctx, run, log)
	if final.Status != model.RunStatusPendingApproval {
		final.Status = model.RunStatusPendingApproval
		final.TotalProcessed = processed
		final.Summary = summary
	}

	log.Info("review: run completed",
		zap.Int("processed", processed),
		zap.Int("suggestions", summary.Total()),
		zap.Any("summary", summary),
	)
	publish(sink, Event{
		Kind:             EventDone,
		RunID:            run.ID,
		Processed:        processed,
		SuggestionsSoFar: summary.Total(),
		Summary:          summary,
	}, log)
	return final, nil
}

// processBatch classifies one batch and evaluates its items. A
// classification failure skips the batch: its items count as processed with
// no suggestions.
func (c *Controller) processBatch(ctx context.Context, batch []model.PendingFood, log *zap.Logger) []model.Suggestion {
	norms, err := c.normalizer.Normalize(ctx, batch)
	if err == nil && len(norms) != len(batch) {
		err = &ClassificationError{Reason: "length mismatch", Expected: len(batch), Got: len(norms)}
	}
	if err != nil {
		metrics.RecordBatch("skipped")
		log.Warn("review: batch classification failed, skipping",
			zap.Int("batch_size", len(batch)),
			zap.String("first_food_id", batch[0].ID),
			zap.Error(err),
		)
		return nil
	}

	metrics.RecordBatch("ok")
	return evaluateBatch(ctx, c.store, batch, norms, c.opts.LookupConcurrency, log)
}

func (c *Controller) fail(ctx context.Context, run *model.ReviewRun, cause error, log *zap.Logger) *model.ReviewRun {
	log.Error("review: run failed", zap.Error(cause))
	metrics.RecordRun(string(model.RunStatusFailed))

	if err := c.store.FailRun(ctx, run.ID, cause.Error()); err != nil {
		if errors.Is(err, store.ErrRunNotActive) {
			log.Warn("review: run already terminal, leaving state as is")
		} else {
			log.Error("review: could not mark run failed", zap.Error(err))
		}
	}
	return c.reload(ctx, run, log)
}

// reload returns the persisted run, falling back to the in-memory copy.
func (c *Controller) reload(ctx context.Context, run *model.ReviewRun, log *zap.Logger) *model.ReviewRun {
	got, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		log.Warn("review: reload run", zap.Error(err))
		cp := *run
		return &cp
	}
	return got
}

// publish delivers an event without letting a misbehaving sink affect the run.
func publish(sink ProgressSink, e Event, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("review: progress sink panicked", zap.Any("panic", r), zap.String("event", string(e.Kind)))
		}
	}()
	sink.Publish(e)
}
