package model

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"legalrag/metrics"
	"legalrag/types"
)

// RetryPolicy is a bounded linear backoff: attempt n waits Delay*n.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Only errors classified as types.ErrTransient are retried.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		if attempt > policy.MaxRetries {
			return err
		}

		wait := policy.Delay * time.Duration(attempt)
		logger.Info("retrying request",
			"op", op,
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"wait", wait,
			"error", err,
		)
		metrics.UpstreamRetries.WithLabelValues(op).Inc()

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
	}
}
