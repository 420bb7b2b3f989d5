package storage

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor removes trips older than retention every interval until ctx
// ends. It stands in for a document store's expire-after index.
func RunJanitor(ctx context.Context, store TripStore, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("trip retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired trips purged", "count", n)
			}
		}
	}
}
