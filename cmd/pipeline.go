package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/config"
	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/review"
	"github.com/sells-group/food-review/internal/store"
	"github.com/sells-group/food-review/pkg/anthropic"
)

// newNormalizer builds the Claude-backed normalizer. It returns nil when no
// API key is configured.
func newNormalizer(c *config.Config) (review.Normalizer, error) {
	if c.Anthropic.Key == "" {
		return nil, nil
	}

	prompt := review.DefaultPrompt()
	if c.Review.PromptPath != "" {
		p, err := review.LoadPrompt(c.Review.PromptPath)
		if err != nil {
			return nil, eris.Wrap(err, "load prompt")
		}
		prompt = p
	}

	client := anthropic.NewClient(c.Anthropic.Key)
	zap.L().Debug("classifier configured",
		zap.String("model", c.Anthropic.Model),
		zap.Int("units", len(prompt.Units)),
	)
	return review.NewClaudeNormalizer(client, c.Anthropic, prompt), nil
}

// newController wires a controller around st. ready is false when no
// classifier is configured; triggers must then be refused.
func newController(c *config.Config, st store.Store) (ctrl *review.Controller, ready bool, err error) {
	n, err := newNormalizer(c)
	if err != nil {
		return nil, false, err
	}
	ready = n != nil
	if !ready {
		n = unconfiguredNormalizer{}
	}
	return review.NewController(st, n, review.OptionsFromConfig(c.Review)), ready, nil
}

var errClassifierNotConfigured = eris.New("classifier is not configured (set FOODREVIEW_ANTHROPIC_KEY)")

// unconfiguredNormalizer fails every batch. The HTTP layer refuses triggers
// before a run can reach it.
type unconfiguredNormalizer struct{}

func (unconfiguredNormalizer) Normalize(context.Context, []model.PendingFood) ([]model.Normalization, error) {
	return nil, errClassifierNotConfigured
}
