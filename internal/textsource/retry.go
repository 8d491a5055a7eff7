package textsource

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joseph-ayodele/docpipeline/internal/ocr"
)

// RetryPolicy bounds attempts for transient failures. MaxTries counts the first attempt.
type RetryPolicy struct {
	MaxTries uint
	Initial  time.Duration
}

// retry runs op until it succeeds, fails permanently, or MaxTries is reached.
// Only errors accepted by ocr.IsTransient are retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	if p.MaxTries <= 1 {
		return op(ctx)
	}
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !ocr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))
}
