package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// PruneLoop periodically deletes ledger rows older than retention. Counting
// never depends on it; it only bounds table growth. Blocks until ctx is
// cancelled.
func PruneLoop(ctx context.Context, p Pruner, retention, interval time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("rate limit pruner started", "retention", retention, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := p.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("rate limit pruner: pruning ledger", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("rate limit pruner: removed entries", "count", removed)
			}
		}
	}
}
