package model_loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stable_diffusion_web/clock"
	"stable_diffusion_web/stable_diffusion_api"

	"go.uber.org/zap"
)

var ErrModelLoadFailed = errors.New("failed to load model")

// ModelHandle is the loaded pipeline shared read-only by every request.
type ModelHandle struct {
	Pipeline  stable_diffusion_api.StableDiffusionAPI
	ModelID   string
	Device    stable_diffusion_api.Device
	Precision stable_diffusion_api.Precision
	LoadedAt  time.Time
}

type loaderImpl struct {
	api     stable_diffusion_api.StableDiffusionAPI
	modelID string
	logger  *zap.Logger
	clock   clock.Clock

	mu     sync.Mutex
	handle *ModelHandle
}

type Config struct {
	API     stable_diffusion_api.StableDiffusionAPI
	ModelID string
	Logger  *zap.Logger
	Clock   clock.Clock
}

func New(cfg Config) (Loader, error) {
	if cfg.API == nil {
		return nil, errors.New("missing stable diffusion API")
	}

	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}

	return &loaderImpl{
		api:     cfg.API,
		modelID: cfg.ModelID,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}, nil
}

// Load returns the memoized handle, loading the model on first use.
// Half precision is tried on an accelerator with one retry at full precision.
func (l *loaderImpl) Load(ctx context.Context) (*ModelHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle != nil {
		return l.handle, nil
	}

	device := l.probeDevice(ctx)

	precision := stable_diffusion_api.PrecisionFull
	if device.Accelerator {
		precision = stable_diffusion_api.PrecisionHalf
	}

	err := l.api.LoadCheckpoint(ctx, stable_diffusion_api.LoadOptions{ModelID: l.modelID, Precision: precision})
	if err != nil && precision == stable_diffusion_api.PrecisionHalf {
		l.logger.Warn("Half precision load failed, retrying at full precision",
			zap.String("model", l.modelID), zap.Error(err))

		precision = stable_diffusion_api.PrecisionFull
		err = l.api.LoadCheckpoint(ctx, stable_diffusion_api.LoadOptions{ModelID: l.modelID, Precision: precision})
	}

	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrModelLoadFailed, l.modelID, err)
	}

	l.handle = &ModelHandle{
		Pipeline:  l.api,
		ModelID:   l.modelID,
		Device:    device,
		Precision: precision,
		LoadedAt:  l.clock.Now(),
	}

	l.logger.Info("Model loaded",
		zap.String("model", l.modelID),
		zap.String("device", device.Name),
		zap.String("precision", string(precision)))

	return l.handle, nil
}

func (l *loaderImpl) probeDevice(ctx context.Context) stable_diffusion_api.Device {
	mem, err := l.api.GetMemory(ctx)
	if err != nil {
		l.logger.Warn("Device probe failed, assuming no accelerator", zap.Error(err))

		return stable_diffusion_api.Device{Name: "cpu"}
	}

	device := mem.Device()

	if !device.Accelerator {
		l.logger.Warn("No GPU detected, generation will run on the CPU")
	}

	return device
}
