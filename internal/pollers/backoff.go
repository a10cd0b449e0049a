package pollers

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/episodesync/internal/clients"
)

const (
	backoffInitialDelay = time.Second
	backoffMaxDelay     = 60 * time.Second
)

// callWithBackoff retries fn on rate limiting up to maxRetries times, then
// makes one final attempt whose result is returned as is. Other errors are
// returned immediately.
func callWithBackoff[T any](ctx context.Context, b *base, maxRetries int, fn func(context.Context) (T, error)) (T, error) {
	delay := backoffInitialDelay
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		var rateLimited *clients.RateLimitedError
		if !errors.As(err, &rateLimited) {
			return result, err
		}
		sleepFor := delay
		if rateLimited.RetryAfter > sleepFor {
			sleepFor = rateLimited.RetryAfter
		}
		jittered := time.Duration(float64(sleepFor) * (0.5 + b.rand()*0.5))
		logf(b.logger, "source=%s rate limited, sleeping %s (attempt %d/%d)", b.source, jittered, attempt+1, maxRetries)
		if err := b.sleep(ctx, jittered); err != nil {
			var zero T
			return zero, err
		}
		delay = sleepFor * 2
		if delay > backoffMaxDelay {
			delay = backoffMaxDelay
		}
	}
	return fn(ctx)
}
