package session_results

import (
	"context"
	"time"

	"stable_diffusion_web/entities"
)

// Repository keeps the latest successful result per session.
type Repository interface {
	Upsert(ctx context.Context, result *entities.GenerationResult) (*entities.GenerationResult, error)
	GetBySessionID(ctx context.Context, sessionID string) (*entities.GenerationResult, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
