package review

import (
	"fmt"

	"golang.org/x/text/cases"

	"github.com/sells-group/food-review/internal/model"
)

// Reasoning texts recorded on suggestions.
const (
	reasonInvalid    = "invalid/garbage name"
	reasonNormalized = "already correctly normalized"
)

// Decide maps a classification result and its lookups to one proposed
// action. Rules are evaluated in order and the first match wins:
//
//  1. gibberish or no normalized name: reject if referenced, else delete
//  2. no references: delete
//  3. canonical match: alias to the match
//  4. normalized name equals the original (case-insensitive): create
//  5. otherwise: create under the normalized name
//
// An unreferenced item is therefore always deleted, even when a canonical
// match exists.
func Decide(item model.PendingFood, norm model.Normalization, ingredientCount int, match *model.CanonicalFood) model.Suggestion {
	s := model.Suggestion{
		FoodID:            item.ID,
		FoodName:          item.Name,
		ExtractedUnit:     norm.Unit,
		ExtractedQuantity: norm.Quantity,
		IngredientCount:   ingredientCount,
	}

	switch {
	case norm.IsGibberish || norm.NormalizedName == nil:
		s.SuggestedAction = model.ActionDelete
		if ingredientCount > 0 {
			s.SuggestedAction = model.ActionReject
		}
		s.AIReasoning = reasonInvalid
	case ingredientCount == 0:
		s.SuggestedAction = model.ActionDelete
		s.AIReasoning = fmt.Sprintf("unused (normalized name: %s)", *norm.NormalizedName)
	case match != nil:
		s.SuggestedAction = model.ActionAlias
		id, name := match.ID, match.Name
		s.TargetFoodID = &id
		s.TargetFoodName = &name
		s.AIReasoning = fmt.Sprintf("normalized to existing entry: %s", match.Name)
	case sameName(*norm.NormalizedName, item.Name):
		s.SuggestedAction = model.ActionCreate
		s.AIReasoning = reasonNormalized
	default:
		s.SuggestedAction = model.ActionCreate
		s.AIReasoning = fmt.Sprintf("normalized name: %s", *norm.NormalizedName)
	}
	return s
}

// needsCanonicalLookup reports whether Decide can reach the alias rule, so
// callers can skip the catalog query otherwise.
func needsCanonicalLookup(norm model.Normalization, ingredientCount int) bool {
	return !norm.IsGibberish && norm.NormalizedName != nil && ingredientCount > 0
}

// sameName compares case-insensitively. Whitespace is significant: a name
// with stray spaces still needs its cleaned form created.
func sameName(a, b string) bool {
	fold := cases.Fold()
	return fold.String(a) == fold.String(b)
}
