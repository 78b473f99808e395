package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryingExecutor retries jobs that failed with ErrExecutorUnavailable.
type RetryingExecutor struct {
	next    Executor
	retries uint
	wait    time.Duration
}

// Retrying wraps next so that ErrExecutorUnavailable is retried up to
// retries times before it is surfaced. Other errors are returned at once.
func Retrying(next Executor, retries uint) *RetryingExecutor {
	return &RetryingExecutor{next: next, retries: retries, wait: 100 * time.Millisecond}
}

// Run implements Executor.
func (r *RetryingExecutor) Run(ctx context.Context, job Job) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.wait
	b.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (Result, error) {
		res, err := r.next.Run(ctx, job)
		if err != nil && !errors.Is(err, ErrExecutorUnavailable) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.retries+1))
}
