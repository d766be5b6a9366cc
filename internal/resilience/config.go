package resilience

import "github.com/sells-group/food-review/internal/config"

// FromAnthropicConfig derives the classifier retry and breaker policies.
func FromAnthropicConfig(c config.AnthropicConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if c.RetryAttempts > 0 {
		retry.MaxAttempts = c.RetryAttempts
	}
	if c.RetryBackoff > 0 {
		retry.InitialBackoff = c.RetryBackoff
	}

	breaker := DefaultCircuitBreakerConfig()
	if c.BreakerFailures > 0 {
		breaker.FailureThreshold = c.BreakerFailures
	}
	if c.BreakerCooldown > 0 {
		breaker.ResetTimeout = c.BreakerCooldown
	}
	return retry, breaker
}
