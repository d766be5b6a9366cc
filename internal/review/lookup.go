package review

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/store"
)

// evaluateBatch runs the catalog lookups and decision for every item of a
// classified batch. Items are independent, so lookups run concurrently up to
// concurrency. An item whose lookup fails is logged and left out; the result
// preserves input order for the items that succeed.
func evaluateBatch(ctx context.Context, catalog store.Catalog, items []model.PendingFood, norms []model.Normalization, concurrency int, log *zap.Logger) []model.Suggestion {
	results := make([]*model.Suggestion, len(items))

	g := new(errgroup.Group)
	g.SetLimit(max(concurrency, 1))
	for i := range items {
		g.Go(func() error {
			s, err := safeEvaluateItem(ctx, catalog, items[i], norms[i])
			if err != nil {
				log.Warn("review: lookup failed, skipping item",
					zap.String("food_id", items[i].ID),
					zap.String("food_name", items[i].Name),
					zap.Error(err),
				)
				return nil
			}
			results[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Suggestion, 0, len(items))
	for _, s := range results {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// safeEvaluateItem converts a panic in the catalog into an error so a single
// item cannot take down the process.
func safeEvaluateItem(ctx context.Context, catalog store.Catalog, item model.PendingFood, norm model.Normalization) (s model.Suggestion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("review: lookup panicked: %v", r)
		}
	}()
	return evaluateItem(ctx, catalog, item, norm)
}

// evaluateItem counts live references, then queries for a canonical match
// only when the decision can still reach the alias rule.
func evaluateItem(ctx context.Context, catalog store.Catalog, item model.PendingFood, norm model.Normalization) (model.Suggestion, error) {
	count, err := catalog.CountIngredientRefs(ctx, item.ID)
	if err != nil {
		return model.Suggestion{}, err
	}

	var match *model.CanonicalFood
	if needsCanonicalLookup(norm, count) {
		match, err = catalog.FindCanonicalFood(ctx, *norm.NormalizedName)
		if err != nil {
			return model.Suggestion{}, err
		}
	}
	return Decide(item, norm, count, match), nil
}
