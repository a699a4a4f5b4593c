package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxReadRetries bounds retries of idempotent reads. Writes are never
// retried here: multi-step writes go through a transaction and roll back
// whole instead of being repeated partially.
const maxReadRetries = 3

func readBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, maxReadRetries), ctx)
}

// withReadRetry runs an idempotent read, retrying transient failures a
// bounded number of times.
func withReadRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, readBackoff(ctx))
}
