package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how a single logical model call is attempted.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	CallTimeout     time.Duration
}

// ErrNoProvider is returned when no model provider is configured.
var ErrNoProvider = errors.New("no language model provider configured")

// GenerateWithRetry calls the provider and hands the reply to parse. A
// failed call, a timeout or a parse error all take the retry path, with
// exponential backoff between attempts. A provider reply that cannot succeed
// on retry, such as a rejected API key, ends the loop at once. Each attempt
// runs under its own CallTimeout. notify, if set, sees every failed attempt.
func GenerateWithRetry[T any](
	ctx context.Context,
	p Provider,
	prompt string,
	maxTokens int,
	policy RetryPolicy,
	parse func(string) (T, error),
	notify func(attempt int, err error),
) (T, error) {
	var zero T
	if p == nil {
		return zero, ErrNoProvider
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		callCtx := ctx
		if policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
			defer cancel()
		}

		text, err := p.Generate(callCtx, prompt, maxTokens)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("model call timed out after %s: %w", policy.CallTimeout, err)
			}
			var status *StatusError
			if errors.As(err, &status) && !status.Retryable() {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return parse(text)
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	b.MaxInterval = 30 * time.Second

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			notify(attempt, err)
		}))
	}

	return backoff.Retry(ctx, op, opts...)
}
