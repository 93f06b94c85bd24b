package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/paybalance/internal/jobs"
)

// DefaultExpiry is how long a cached response is replayable.
const DefaultExpiry = 24 * time.Hour

// DefaultCleanupInterval is how often RunPeriodicCleanup purges expired keys.
const DefaultCleanupInterval = time.Hour

// CleanupOldKeys removes idempotency keys older than expiry.
// Returns the number of keys deleted and any error encountered.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		logger.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys immediately and then every interval
// until ctx is cancelled. It blocks; run it in a goroutine. Each run is
// recorded on jobMetrics, which may be nil.
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration, jobMetrics *jobs.Metrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		start := time.Now()
		_, err := CleanupOldKeys(ctx, repo, expiry, logger)
		jobMetrics.ObserveRun(jobs.JobTypeIdempotencyCleanup, start, err)
	}

	run()

	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			logger.Info("stopping idempotency key cleanup")
			return
		}
	}
}
