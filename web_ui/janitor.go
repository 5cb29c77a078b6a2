package web_ui

import (
	"context"
	"time"

	"stable_diffusion_web/clock"

	"go.uber.org/zap"
)

const minJanitorInterval = time.Minute

func (w *webImpl) startJanitor(ctx context.Context) {
	interval := max(w.sessionTTL/4, minJanitorInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanupExpired(ctx)
		}
	}
}

// cleanupExpired drops settings and results of sessions idle longer than the session TTL.
func (w *webImpl) cleanupExpired(ctx context.Context) {
	cutoff := clock.Cutoff(w.clock, w.sessionTTL)

	settings, err := w.settings.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("Error deleting expired session settings", zap.Error(err))
	}

	results, err := w.results.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("Error deleting expired session results", zap.Error(err))
	}

	if settings > 0 || results > 0 {
		w.logger.Info("Expired sessions cleaned up",
			zap.Int64("settings", settings),
			zap.Int64("results", results))
	}
}
