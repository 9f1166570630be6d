package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a provider with a process-wide token bucket shared by
// every job and batch.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so that at most rps calls start per second.
// A non-positive rps returns p unchanged.
func WithRateLimit(p Provider, rps float64) Provider {
	if p == nil || rps <= 0 {
		return p
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate waits for a token, then delegates.
func (r *RateLimited) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.Provider.Generate(ctx, prompt, maxTokens)
}
