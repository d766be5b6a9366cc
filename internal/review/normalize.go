package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/food-review/internal/config"
	"github.com/sells-group/food-review/internal/metrics"
	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/resilience"
	"github.com/sells-group/food-review/pkg/anthropic"
)

// Normalizer classifies a batch of pending foods. Implementations return
// exactly one Normalization per item, in input order, or an error.
type Normalizer interface {
	Normalize(ctx context.Context, items []model.PendingFood) ([]model.Normalization, error)
}

// ClassificationError reports a response that cannot be attributed to the
// requested items.
type ClassificationError struct {
	Reason   string
	Expected int
	Got      int
	Err      error
}

func (e *ClassificationError) Error() string {
	msg := "classification: " + e.Reason
	if e.Expected > 0 || e.Got > 0 {
		msg += fmt.Sprintf(" (expected %d, got %d)", e.Expected, e.Got)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ClaudeNormalizer implements Normalizer with one Messages API call per batch.
type ClaudeNormalizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    []anthropic.SystemBlock
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
}

// NewClaudeNormalizer builds a normalizer from the anthropic config section.
// A zero rate limit disables throttling.
func NewClaudeNormalizer(client anthropic.Client, cfg config.AnthropicConfig, prompt *Prompt) *ClaudeNormalizer {
	if prompt == nil {
		prompt = DefaultPrompt()
	}

	retryCfg, breakerCfg := resilience.FromAnthropicConfig(cfg)
	retryCfg.ShouldRetry = resilience.TransientWithStatus(anthropic.StatusCode)
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "normalize")
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("review: classifier circuit state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		metrics.SetCircuitState(int(to))
	}

	n := &ClaudeNormalizer{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    anthropic.BuildCachedSystemBlocks(prompt.System(), anthropic.DefaultCacheTTL),
		breaker:   resilience.NewCircuitBreaker(breakerCfg),
		retry:     retryCfg,
	}
	if cfg.RateLimit > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(int(cfg.RateLimit), 1))
	}
	return n
}

// Normalize classifies items. Transport failures are retried; malformed
// responses are returned as *ClassificationError without retrying.
func (n *ClaudeNormalizer) Normalize(ctx context.Context, items []model.PendingFood) ([]model.Normalization, error) {
	if len(items) == 0 {
		return []model.Normalization{}, nil
	}

	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	payload, err := json.Marshal(names)
	if err != nil {
		return nil, eris.Wrap(err, "review: marshal names")
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		System:      n.system,
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	}

	resp, err := resilience.DoVal(ctx, n.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := n.wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, n.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			start := time.Now()
			resp, err := n.client.CreateMessage(ctx, req)
			var usage anthropic.TokenUsage
			if resp != nil {
				usage = resp.Usage
			}
			metrics.RecordClassify(n.model, err, time.Since(start), usage.InputTokens, usage.OutputTokens)
			return resp, err
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "review: classify batch")
	}

	resp.Usage.LogCost(n.model, "review.normalize")

	if resp.StopReason == "max_tokens" {
		return nil, &ClassificationError{Reason: "response truncated at max_tokens"}
	}
	return parseNormalizations(resp.Text(), len(items))
}

func (n *ClaudeNormalizer) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

// rawNormalization mirrors one element of the classifier reply. Pointer
// fields distinguish missing keys from zero values.
type rawNormalization struct {
	NormalizedName *string `json:"normalizedName"`
	Quantity       any     `json:"quantity"`
	Unit           *string `json:"unit"`
	IsGibberish    *bool   `json:"isGibberish"`
}

// parseNormalizations decodes a reply into exactly want normalizations.
func parseNormalizations(text string, want int) ([]model.Normalization, error) {
	body := cleanJSONArray(text)
	if body == "" {
		return nil, &ClassificationError{Reason: "no JSON array in response", Expected: want}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var raw []*rawNormalization
	if err := dec.Decode(&raw); err != nil {
		return nil, &ClassificationError{Reason: "malformed response", Err: err}
	}
	if len(raw) != want {
		return nil, &ClassificationError{Reason: "length mismatch", Expected: want, Got: len(raw)}
	}

	out := make([]model.Normalization, len(raw))
	for i, r := range raw {
		if r == nil {
			continue
		}
		out[i] = model.Normalization{
			NormalizedName: nonBlank(r.NormalizedName),
			Quantity:       ParseQuantity(r.Quantity),
			Unit:           nonBlank(r.Unit),
			IsGibberish:    r.IsGibberish != nil && *r.IsGibberish,
		}
	}
	return out, nil
}

// cleanJSONArray extracts a JSON array from text that may carry markdown
// code fences or surrounding prose.
func cleanJSONArray(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
