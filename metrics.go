package main

import (
	"context"
	"log/slog"
	"time"

	"dicochat/server/internal/core"
)

// RunMetrics logs hub stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, hub *core.Hub, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns := hub.ConnCount()
			if conns == 0 {
				continue
			}
			slog.Info("metrics",
				"conns", conns,
				"online", hub.Presence().Count(),
				"admins", hub.AdminCount(),
			)
		}
	}
}
