// Package ratelimit provides the shared token-budget gate for all outbound
// calls to the Discord API and the analysis service.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"
)

// Limiter bounds outbound request rate. It combines a token bucket with a
// pause gate: Report lets a caller feed back a server-signaled retry-after,
// and no tokens are granted until that moment has passed.
//
// Safe for concurrent use by ingestion workers and analysis controllers.
type Limiter struct {
	bucket *rate.Limiter

	mu       sync.Mutex
	resumeAt time.Time

	logger *zap.Logger
}

// New creates a Limiter granting up to rps tokens per second with the given
// burst capacity.
func New(rps float64, burst int, logger *zap.Logger) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(rps), burst),
		logger: logger,
	}
}

// Acquire blocks until n tokens are available and any reported backoff has
// elapsed. A context deadline that expires while waiting surfaces as a
// Throttled error; plain cancellation surfaces as a context error.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	for {
		if err := l.waitForPause(ctx); err != nil {
			return err
		}

		if err := l.bucket.WaitN(ctx, n); err != nil {
			return l.mapWaitErr(ctx, err)
		}

		// A Report may have landed while we waited on the bucket. The
		// tokens are spent either way; holding here keeps the grant
		// ordered after the server's requested pause.
		l.mu.Lock()
		paused := time.Now().Before(l.resumeAt)
		l.mu.Unlock()
		if !paused {
			return nil
		}
	}
}

// Report informs the limiter of a server-signaled backoff. The pause only
// ever extends forward; overlapping reports keep the latest resume time.
func (l *Limiter) Report(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	until := time.Now().Add(retryAfter)

	l.mu.Lock()
	extended := until.After(l.resumeAt)
	if extended {
		l.resumeAt = until
	}
	l.mu.Unlock()

	if extended {
		l.logger.Warn("Rate limit reported by server, pausing grants",
			zap.Duration("retry_after", retryAfter),
		)
	}
}

func (l *Limiter) waitForPause(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.resumeAt)
		l.mu.Unlock()

		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.mapWaitErr(ctx, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limiter) mapWaitErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.NewContextCancelled("rate limiter acquire", err)
	}
	// Deadline exceeded, or the bucket determined the wait could not
	// finish before the deadline.
	return apperrors.NewThrottled("rate limiter acquire", 0, err)
}
