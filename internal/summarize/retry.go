package summarize

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig tunes the retry decorator
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first; 0 means 3
	BaseDelay   time.Duration // first backoff delay; 0 means 500ms
}

// RetryingGateway wraps a Gateway with bounded retries on rate-limit
// failures: exponential backoff with jitter, honoring the server's
// retry-after hint when one is supplied. Terminal generation errors are
// returned immediately; callers see only the final success or failure.
type RetryingGateway struct {
	next        Gateway
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetryingGateway wraps next with the retry policy
func NewRetryingGateway(next Gateway, config RetryConfig) *RetryingGateway {
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := config.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &RetryingGateway{next: next, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Summarize retries rate-limited summarization calls
func (g *RetryingGateway) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	return g.do(ctx, func(ctx context.Context) (string, error) {
		return g.next.Summarize(ctx, req)
	})
}

// Answer retries rate-limited answer calls
func (g *RetryingGateway) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	return g.do(ctx, func(ctx context.Context) (string, error) {
		return g.next.Answer(ctx, req)
	})
}

func (g *RetryingGateway) do(ctx context.Context, op func(context.Context) (string, error)) (string, error) {
	var result string
	var hint time.Duration

	base := retry.WithJitter(g.baseDelay/2,
		retry.WithMaxRetries(uint64(g.maxAttempts-1),
			retry.NewExponential(g.baseDelay)))

	// Stretch the computed backoff to at least the server's retry-after hint
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := base.Next()
		if stop {
			return 0, true
		}
		if hint > d {
			d = hint
		}
		hint = 0
		return d, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := op(ctx)
		if err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				hint = rl.RetryAfter
				return retry.RetryableError(err)
			}
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
