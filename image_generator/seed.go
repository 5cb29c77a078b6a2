package image_generator

import (
	"math/rand/v2"
	"sync"

	"stable_diffusion_web/entities"
)

// SeedSource draws seeds for random seed mode.
type SeedSource interface {
	Seed() int64
}

type seedSourceImpl struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeedSource draws uniformly from [MinSeed, MaxSeed]. A nil rng uses the
// runtime's shared generator.
func NewSeedSource(rng *rand.Rand) SeedSource {
	return &seedSourceImpl{rng: rng}
}

func (s *seedSourceImpl) Seed() int64 {
	if s.rng == nil {
		return MinSeed + rand.Int64N(MaxSeed-MinSeed+1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return MinSeed + s.rng.Int64N(MaxSeed-MinSeed+1)
}

// ResolveSeed returns the manual seed or a fresh one from src.
func ResolveSeed(req entities.GenerationRequest, src SeedSource) int64 {
	if req.SeedMode == entities.SeedModeManual && req.Seed != nil {
		return *req.Seed
	}

	return src.Seed()
}
