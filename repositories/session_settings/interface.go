package session_settings

import (
	"context"
	"time"

	"stable_diffusion_web/entities"
)

type Repository interface {
	Upsert(ctx context.Context, settings *entities.SessionSettings) (*entities.SessionSettings, error)
	GetBySessionID(ctx context.Context, sessionID string) (*entities.SessionSettings, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
