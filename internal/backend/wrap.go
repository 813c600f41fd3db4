package backend

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"gitlab.com/gitlab-org/cogrange/metrics"
)

type timeoutFetcher struct {
	next    Fetcher
	timeout time.Duration
}

// WithTimeout bounds every call to f by timeout. It is applied per attempt,
// so it sits below WithRetry.
func WithTimeout(f Fetcher, timeout time.Duration) Fetcher {
	if timeout <= 0 {
		return f
	}

	return &timeoutFetcher{next: f, timeout: timeout}
}

func (t *timeoutFetcher) Name() string {
	return t.next.Name()
}

func (t *timeoutFetcher) Unwrap() Fetcher {
	return t.next
}

func (t *timeoutFetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return t.next.Fetch(ctx, offset, length)
}

func (t *timeoutFetcher) Stat(ctx context.Context) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return t.next.Stat(ctx)
}

type rateLimitedFetcher struct {
	next    Fetcher
	limiter *rate.Limiter
}

// WithRateLimit allows at most rps fetches per second against f
func WithRateLimit(f Fetcher, rps float64, burst int) Fetcher {
	if rps <= 0 {
		return f
	}

	if burst <= 0 {
		burst = 1
	}

	return &rateLimitedFetcher{next: f, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimitedFetcher) Name() string {
	return r.next.Name()
}

func (r *rateLimitedFetcher) Unwrap() Fetcher {
	return r.next
}

func (r *rateLimitedFetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.next.Fetch(ctx, offset, length)
}

func (r *rateLimitedFetcher) Stat(ctx context.Context) (Identity, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Identity{}, err
	}

	return r.next.Stat(ctx)
}

type meteredFetcher struct {
	next Fetcher
}

// WithMetrics reports every physical fetch of f to prometheus
func WithMetrics(f Fetcher) Fetcher {
	return &meteredFetcher{next: f}
}

func (m *meteredFetcher) Name() string {
	return m.next.Name()
}

func (m *meteredFetcher) Unwrap() Fetcher {
	return m.next
}

func (m *meteredFetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	start := time.Now()

	data, err := m.next.Fetch(ctx, offset, length)

	metrics.FetchDuration.WithLabelValues(m.next.Name()).Observe(time.Since(start).Seconds())
	metrics.FetchRequests.WithLabelValues(m.next.Name(), statusLabel(err)).Inc()
	metrics.FetchBytes.WithLabelValues(m.next.Name()).Add(float64(len(data)))

	return data, err
}

func (m *meteredFetcher) Stat(ctx context.Context) (Identity, error) {
	return m.next.Stat(ctx)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRangeNotSatisfiable):
		return "not_satisfiable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
