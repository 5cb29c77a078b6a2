package image_generator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/generation_queue"
	"stable_diffusion_web/image_renderer"
	"stable_diffusion_web/model_loader"
	"stable_diffusion_web/png_info"
	"stable_diffusion_web/repositories/session_results"
	"stable_diffusion_web/stable_diffusion_api"

	"go.uber.org/zap"
)

// Outcome is a stored result plus the notices to show alongside it.
type Outcome struct {
	Result  *entities.GenerationResult
	Notices []Notice
}

type generatorImpl struct {
	loader   model_loader.Loader
	queue    generation_queue.Queue
	renderer image_renderer.Renderer
	results  session_results.Repository
	seeds    SeedSource
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Config struct {
	Loader   model_loader.Loader
	Queue    generation_queue.Queue
	Renderer image_renderer.Renderer
	Results  session_results.Repository
	Seeds    SeedSource
	Logger   *zap.Logger
}

func New(cfg Config) (Generator, error) {
	if cfg.Loader == nil {
		return nil, errors.New("missing model loader")
	}

	if cfg.Queue == nil {
		return nil, errors.New("missing generation queue")
	}

	if cfg.Renderer == nil {
		return nil, errors.New("missing image renderer")
	}

	if cfg.Results == nil {
		return nil, errors.New("missing results repository")
	}

	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	seeds := cfg.Seeds
	if seeds == nil {
		seeds = NewSeedSource(nil)
	}

	return &generatorImpl{
		loader:   cfg.Loader,
		queue:    cfg.Queue,
		renderer: cfg.Renderer,
		results:  cfg.Results,
		seeds:    seeds,
		logger:   cfg.Logger,
		inFlight: make(map[string]struct{}),
	}, nil
}

func (g *generatorImpl) Busy(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.inFlight[sessionID]

	return ok
}

func (g *generatorImpl) LatestResult(ctx context.Context, sessionID string) (*entities.GenerationResult, error) {
	return g.results.GetBySessionID(ctx, sessionID)
}

// Generate runs one generation for the session. Every failure is a
// *GenerationError; on failure the session's stored result is left alone.
func (g *generatorImpl) Generate(ctx context.Context, sessionID string, req entities.GenerationRequest) (*Outcome, error) {
	if sessionID == "" {
		return nil, errors.New("missing session ID")
	}

	params, err := Prepare(req)
	if err != nil {
		return nil, err
	}

	if !g.acquire(sessionID) {
		return nil, &GenerationError{Kind: KindBusy, Message: busyMessage}
	}

	defer g.release(sessionID)

	seed := ResolveSeed(params.Request, g.seeds)
	logger := g.logger.With(zap.String("session_id", sessionID), zap.Int64("seed", seed))

	var result *entities.GenerationResult

	err = g.queue.Do(sessionID, func(jobCtx context.Context) error {
		handle, loadErr := g.loader.Load(jobCtx)
		if loadErr != nil {
			return loadErr
		}

		img, runErr := g.run(jobCtx, logger, handle, params.Request, seed)
		if runErr != nil {
			return runErr
		}

		result, runErr = g.store(jobCtx, sessionID, params.Request, seed, img)

		return runErr
	})
	if err != nil {
		genErr := classifyError(err)

		logger.Warn("Generation failed", zap.String("kind", string(genErr.Kind)), zap.Error(err))

		return nil, genErr
	}

	notices := make([]Notice, 0, len(params.Notices)+1)
	notices = append(notices, params.Notices...)
	notices = append(notices, Notice{Level: NoticeSuccess, Message: successMessage})

	return &Outcome{Result: result, Notices: notices}, nil
}

func (g *generatorImpl) acquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inFlight[sessionID]; ok {
		return false
	}

	g.inFlight[sessionID] = struct{}{}

	return true
}

func (g *generatorImpl) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inFlight, sessionID)
}

func (g *generatorImpl) run(ctx context.Context, logger *zap.Logger, handle *model_loader.ModelHandle,
	req entities.GenerationRequest, seed int64,
) (image.Image, error) {
	if !req.HiresFix {
		logger.Info("Generating image", zap.Int("resolution", req.Resolution), zap.Int("steps", req.Steps))

		return g.textToImage(ctx, handle, req, seed, req.Resolution)
	}

	logger.Info("Hires. fix step 1/2: generating base image", zap.Int("base_resolution", req.BaseResolution))

	base, err := g.textToImage(ctx, handle, req, seed, req.BaseResolution)
	if err != nil {
		return nil, err
	}

	resized, err := g.renderer.ResizeSquare(base, req.Resolution)
	if err != nil {
		return nil, err
	}

	if req.DenoisingStrength == 0 {
		logger.Info("Hires. fix step 2/2 skipped: denoising strength is zero")

		return resized, nil
	}

	logger.Info("Hires. fix step 2/2: upscaling and refining details",
		zap.Int("resolution", req.Resolution),
		zap.Float64("denoising_strength", req.DenoisingStrength))

	initImage, err := g.renderer.EncodePNG(resized)
	if err != nil {
		return nil, err
	}

	resp, err := handle.Pipeline.ImageToImage(ctx, &stable_diffusion_api.ImageToImageRequest{
		TextToImageRequest: engineRequest(handle, req, seed, req.Resolution),
		InitImages:         []string{stable_diffusion_api.EncodeImage(initImage)},
		DenoisingStrength:  req.DenoisingStrength,
	})
	if err != nil {
		return nil, err
	}

	return g.firstImage(resp, seed, req.Resolution)
}

func (g *generatorImpl) textToImage(ctx context.Context, handle *model_loader.ModelHandle,
	req entities.GenerationRequest, seed int64, size int,
) (image.Image, error) {
	engineReq := engineRequest(handle, req, seed, size)

	resp, err := handle.Pipeline.TextToImage(ctx, &engineReq)
	if err != nil {
		return nil, err
	}

	return g.firstImage(resp, seed, size)
}

func (g *generatorImpl) firstImage(resp *stable_diffusion_api.ImageResponse, seed int64, size int) (image.Image, error) {
	if resp == nil || len(resp.Images) == 0 {
		return nil, errors.New("engine returned no images")
	}

	// engines that omit the info payload report no seeds
	if len(resp.Seeds) > 0 && resp.Seeds[0] != seed {
		return nil, fmt.Errorf("engine used seed %d, expected %d", resp.Seeds[0], seed)
	}

	img, err := g.renderer.Decode(resp.Images[0])
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() != size || bounds.Dy() != size {
		return nil, fmt.Errorf("engine returned a %dx%d image, expected %dx%d", bounds.Dx(), bounds.Dy(), size, size)
	}

	return img, nil
}

func (g *generatorImpl) store(ctx context.Context, sessionID string, req entities.GenerationRequest,
	seed int64, img image.Image,
) (*entities.GenerationResult, error) {
	encoded, err := g.renderer.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	info := &png_info.PNGInfo{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		CfgScale:       req.GuidanceScale,
		Seed:           seed,
		Width:          req.Resolution,
		Height:         req.Resolution,
	}

	if req.HiresFix {
		info.HiresBase = req.BaseResolution
		info.DenoisingStrength = req.DenoisingStrength
	}

	withInfo, err := png_info.Embed(encoded, info)
	if err != nil {
		return nil, err
	}

	return g.results.Upsert(ctx, &entities.GenerationResult{
		SessionID:         sessionID,
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Seed:              seed,
		Width:             req.Resolution,
		Height:            req.Resolution,
		Steps:             req.Steps,
		GuidanceScale:     req.GuidanceScale,
		HiresFix:          req.HiresFix,
		BaseResolution:    req.BaseResolution,
		DenoisingStrength: req.DenoisingStrength,
		Image:             withInfo,
	})
}

// engineRequest binds the generator to the model's device so a seed reproduces on that device.
func engineRequest(handle *model_loader.ModelHandle, req entities.GenerationRequest, seed int64, size int) stable_diffusion_api.TextToImageRequest {
	return stable_diffusion_api.TextToImageRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          size,
		Height:         size,
		Seed:           seed,
		CfgScale:       req.GuidanceScale,
		Steps:          req.Steps,
		BatchSize:      1,
		NIter:          1,
		OverrideSettings: map[string]any{
			"randn_source": handle.Device.GeneratorSource(),
		},
		SendImages: true,
	}
}
