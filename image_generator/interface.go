package image_generator

import (
	"context"

	"stable_diffusion_web/entities"
)

type Generator interface {
	Generate(ctx context.Context, sessionID string, req entities.GenerationRequest) (*Outcome, error)
	LatestResult(ctx context.Context, sessionID string) (*entities.GenerationResult, error)
	Busy(sessionID string) bool
}
