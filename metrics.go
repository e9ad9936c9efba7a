package main

import (
	"context"
	"log/slog"
	"time"

	"cipherroom/server/internal/core"
)

// RunMetrics logs per-room relay stats every interval until ctx is canceled.
// Idle intervals with no rooms are skipped to keep logs quiet.
func RunMetrics(ctx context.Context, rooms *core.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rs := range rooms.Stats() {
				if rs.Sessions == 0 && rs.Relayed == 0 {
					continue
				}
				slog.Info("room metrics", "room_id", rs.RoomID, "sessions", rs.Sessions,
					"relayed", rs.Relayed, "broadcasts", rs.Broadcasts)
			}
		}
	}
}
