package store

import (
	"context"
	"log/slog"
	"time"
)

// ttlWorkerInterval is how often the sweep runs.
const ttlWorkerInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically deletes
// conversation sessions idle longer than ttl. Stored reports are kept; only
// the conversational state expires.
func StartTTLWorker(ctx context.Context, repo Repository, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration) {
	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to cleanup sessions", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker removed expired sessions", "count", deleted)
	}
}
