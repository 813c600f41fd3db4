package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/cogrange/metrics"
)

// RetryPolicy bounds the retries of transient fetch failures
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime stops retrying once exceeded, 0 means no limit
	MaxElapsedTime time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  30 * time.Second,
}

type retryFetcher struct {
	next   Fetcher
	policy RetryPolicy
}

// WithRetry retries transient failures of f with exponential backoff.
// Authentication, not found and range errors are returned immediately.
func WithRetry(f Fetcher, policy RetryPolicy) Fetcher {
	return &retryFetcher{next: f, policy: policy}
}

func (r *retryFetcher) Name() string {
	return r.next.Name()
}

func (r *retryFetcher) Unwrap() Fetcher {
	return r.next
}

func (r *retryFetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	var data []byte

	operation := func() error {
		var err error

		data, err = r.next.Fetch(ctx, offset, length)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, next time.Duration) {
		metrics.FetchRetries.WithLabelValues(r.next.Name()).Inc()

		log.WithError(err).WithFields(log.Fields{
			"backend":  r.next.Name(),
			"offset":   offset,
			"length":   length,
			"retry_in": next.String(),
		}).Warn("retrying range fetch")
	}

	if err := backoff.RetryNotify(operation, r.backOff(ctx), notify); err != nil {
		return nil, err
	}

	return data, nil
}

func (r *retryFetcher) Stat(ctx context.Context) (Identity, error) {
	var id Identity

	operation := func() error {
		var err error

		id, err = r.next.Stat(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(operation, r.backOff(ctx))
	return id, err
}

func (r *retryFetcher) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsedTime

	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}
