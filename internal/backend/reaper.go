package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/codequay/codequay/internal/domain"
	"github.com/codequay/codequay/internal/store"
)

const reaperInterval = 5 * time.Minute

// sessionRowRetention is how long expired session rows are kept for
// history replay before being pruned.
const sessionRowRetention = 7 * 24 * time.Hour

// StartReaper runs a background goroutine that periodically sweeps for
// idle sessions and terminates their backend instances.
func StartReaper(ctx context.Context, repo store.Repository, be Backend, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reapIdleSessions(ctx, repo, be, ttl)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapIdleSessions(ctx context.Context, repo store.Repository, be Backend, ttl time.Duration) {
	idle, err := repo.GetIdleSessions(ctx, ttl)
	if err != nil {
		slog.Error("Reaper failed to get idle sessions", "error", err)
		return
	}

	if len(idle) == 0 {
		return
	}

	slog.Info("Reaper found idle sessions", "count", len(idle))

	now := time.Now()
	for _, sess := range idle {
		if !sess.HasBackend() {
			continue
		}
		slog.Info("Reaper terminating backend instance",
			"backend_id", sess.BackendID,
			"session_id", sess.ID,
			"idle", sess.IdleFor(now).Round(time.Second))

		handle := &domain.BackendHandle{
			Kind: domain.BackendKind(sess.BackendKind),
			ID:   sess.BackendID,
		}
		if err := be.Terminate(ctx, handle); err != nil {
			slog.Error("Reaper failed to terminate backend instance",
				"error", err,
				"backend_id", sess.BackendID,
				"session_id", sess.ID)
		}

		// Optimistic lock on backend id: a concurrent prompt that rebound
		// the session keeps its fresh binding.
		if err := repo.ClearSessionBackend(ctx, sess.ID, sess.BackendID); err != nil {
			slog.Warn("Reaper failed to clear session backend binding",
				"error", err,
				"session_id", sess.ID)
		}
	}

	slog.Info("Reaper cleanup completed", "cleaned", len(idle))

	if deleted, err := repo.DeleteExpiredSessions(ctx, sessionRowRetention); err != nil {
		slog.Error("Reaper failed to prune expired session rows", "error", err)
	} else if deleted > 0 {
		slog.Info("Reaper pruned expired session rows", "count", deleted)
	}
}
