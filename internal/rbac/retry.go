package rbac

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of hot-path store reads.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy makes up to three attempts.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 25 * time.Millisecond}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

// readWithRetry runs fn until it succeeds, returns a domain error, or the
// attempts run out. Cancellation is never retried. Failures come back as
// *StorageError.
func readWithRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	attempts := p.attempts()
	for i := 0; i < attempts; i++ {
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if isDomainErr(err) {
			return zero, err
		}
		if isContextErr(err) || ctx.Err() != nil {
			return zero, storageErr(op, err)
		}
		if i == attempts-1 || p.Backoff <= 0 {
			continue
		}
		timer := time.NewTimer(p.Backoff << i)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, storageErr(op, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, storageErr(op, err)
}
