package image_generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"stable_diffusion_web/databases/sqlite"
	"stable_diffusion_web/entities"
	"stable_diffusion_web/generation_queue"
	"stable_diffusion_web/image_renderer"
	"stable_diffusion_web/model_loader"
	"stable_diffusion_web/png_info"
	"stable_diffusion_web/repositories"
	"stable_diffusion_web/repositories/session_results"
	"stable_diffusion_web/stable_diffusion_api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingAPI struct {
	stable_diffusion_api.StableDiffusionAPI

	mu           sync.Mutex
	textToImage  []stable_diffusion_api.TextToImageRequest
	imageToImage []stable_diffusion_api.ImageToImageRequest
	failWith     error
	failRefine   error
	halveOutput  bool
	seedDrift    int64
	block        chan struct{}
}

func (r *recordingAPI) TextToImage(ctx context.Context, req *stable_diffusion_api.TextToImageRequest) (*stable_diffusion_api.ImageResponse, error) {
	r.mu.Lock()
	r.textToImage = append(r.textToImage, *req)
	failWith, halve, block, drift := r.failWith, r.halveOutput, r.block, r.seedDrift
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	if failWith != nil {
		return nil, failWith
	}

	if halve {
		shrunk := *req
		shrunk.Width /= 2
		shrunk.Height /= 2
		req = &shrunk
	}

	resp, err := r.StableDiffusionAPI.TextToImage(ctx, req)
	if err != nil || drift == 0 {
		return resp, err
	}

	for i := range resp.Seeds {
		resp.Seeds[i] += drift
	}

	return resp, nil
}

func (r *recordingAPI) ImageToImage(ctx context.Context, req *stable_diffusion_api.ImageToImageRequest) (*stable_diffusion_api.ImageResponse, error) {
	r.mu.Lock()
	r.imageToImage = append(r.imageToImage, *req)
	failRefine := r.failRefine
	r.mu.Unlock()

	if failRefine != nil {
		return nil, failRefine
	}

	return r.StableDiffusionAPI.ImageToImage(ctx, req)
}

func (r *recordingAPI) calls() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.textToImage), len(r.imageToImage)
}

func (r *recordingAPI) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failWith = err
}

func (r *recordingAPI) failImageToImage(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failRefine = err
}

type fixedSeedSource int64

func (s fixedSeedSource) Seed() int64 {
	return int64(s)
}

type harness struct {
	api       *recordingAPI
	generator Generator
	renderer  image_renderer.Renderer
	results   session_results.Repository
}

func newHarness(t *testing.T, seeds SeedSource) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	api := &recordingAPI{StableDiffusionAPI: stable_diffusion_api.NewStub(stable_diffusion_api.StubConfig{Accelerator: true})}

	loader, err := model_loader.New(model_loader.Config{API: api, ModelID: "test-model", Logger: logger})
	require.NoError(t, err)

	queue, err := generation_queue.New(generation_queue.Config{Size: 10, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		queue.StartPolling(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	db, err := sqlite.New(context.Background(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	results, err := session_results.NewRepository(&session_results.Config{DB: db})
	require.NoError(t, err)

	renderer, err := image_renderer.New(image_renderer.Config{})
	require.NoError(t, err)

	generator, err := New(Config{
		Loader:   loader,
		Queue:    queue,
		Renderer: renderer,
		Results:  results,
		Seeds:    seeds,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &harness{api: api, generator: generator, renderer: renderer, results: results}
}

func requireGenerationError(t *testing.T, err error, kind ErrorKind) *GenerationError {
	t.Helper()

	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr), "expected *GenerationError, got %v", err)
	assert.Equal(t, kind, genErr.Kind)

	return genErr
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	return img
}

func TestGenerate_DirectScenario(t *testing.T) {
	h := newHarness(t, nil)

	outcome, err := h.generator.Generate(context.Background(), "s1", entities.GenerationRequest{
		Prompt:        "a red cube on a white background",
		Resolution:    512,
		Steps:         30,
		GuidanceScale: 7.5,
		SeedMode:      entities.SeedModeManual,
		Seed:          int64Ptr(42),
	})
	require.NoError(t, err)

	txt2img, img2img := h.api.calls()
	assert.Equal(t, 1, txt2img)
	assert.Zero(t, img2img)

	call := h.api.textToImage[0]
	assert.Equal(t, "a red cube on a white background", call.Prompt)
	assert.Empty(t, call.NegativePrompt)
	assert.Equal(t, 512, call.Width)
	assert.Equal(t, 512, call.Height)
	assert.Equal(t, 30, call.Steps)
	assert.Equal(t, 7.5, call.CfgScale)
	assert.Equal(t, int64(42), call.Seed)
	assert.Equal(t, map[string]any{"randn_source": "GPU"}, call.OverrideSettings)

	result := outcome.Result
	assert.Equal(t, int64(42), result.Seed)
	assert.Equal(t, "generated_image_42.png", result.Filename())
	assert.False(t, result.HiresFix)

	img := decodePNG(t, result.Image)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())

	require.NotEmpty(t, outcome.Notices)
	assert.Equal(t, Notice{Level: NoticeSuccess, Message: successMessage}, outcome.Notices[len(outcome.Notices)-1])

	extractor, err := png_info.New(png_info.Config{PngData: result.Image})
	require.NoError(t, err)

	info, err := extractor.ExtractDiffusionInfo()
	require.NoError(t, err)
	assert.Equal(t, "a red cube on a white background", info.Prompt)
	assert.Equal(t, int64(42), info.Seed)
	assert.Equal(t, 30, info.Steps)

	stored, err := h.generator.LatestResult(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, result.Image, stored.Image)
}

func TestGenerate_ManualSeedIsReproducible(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Resolution = 256
	req.Seed = int64Ptr(1234)

	first, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	second, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	assert.Equal(t, first.Result.Image, second.Result.Image)

	req.Seed = int64Ptr(1235)

	third, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Result.Image, third.Result.Image)
}

func TestGenerate_RandomSeedIsRecorded(t *testing.T) {
	h := newHarness(t, fixedSeedSource(777))
	req := validRequest()
	req.Resolution = 256
	req.SeedMode = entities.SeedModeRandom
	req.Seed = nil

	outcome, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	assert.Equal(t, int64(777), outcome.Result.Seed)
	assert.Equal(t, int64(777), h.api.textToImage[0].Seed)
	assert.Equal(t, "generated_image_777.png", outcome.Result.Filename())
}

func TestSeedSource_Range(t *testing.T) {
	sources := []SeedSource{
		NewSeedSource(nil),
		NewSeedSource(rand.New(rand.NewPCG(1, 2))),
	}

	for _, src := range sources {
		for i := 0; i < 1000; i++ {
			seed := src.Seed()
			assert.GreaterOrEqual(t, seed, MinSeed)
			assert.LessOrEqual(t, seed, MaxSeed)
		}
	}

	manual := entities.GenerationRequest{SeedMode: entities.SeedModeManual, Seed: int64Ptr(9)}
	assert.Equal(t, int64(9), ResolveSeed(manual, fixedSeedSource(1)))

	random := entities.GenerationRequest{SeedMode: entities.SeedModeRandom}
	assert.Equal(t, int64(1), ResolveSeed(random, fixedSeedSource(1)))
}

func TestGenerate_EmptyPromptMakesNoEngineCalls(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Prompt = "   "

	_, err := h.generator.Generate(context.Background(), "s1", req)
	genErr := requireGenerationError(t, err, KindValidation)
	assert.Equal(t, []Notice{{Level: NoticeWarning, Message: "Positive prompt must not be empty!"}}, genErr.Notices())

	txt2img, img2img := h.api.calls()
	assert.Zero(t, txt2img)
	assert.Zero(t, img2img)

	_, err = h.generator.LatestResult(context.Background(), "s1")
	assert.True(t, errors.Is(err, &repositories.NotFoundError{}))
}

func TestGenerate_BaseLargerThanTargetUsesDirectPath(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.HiresFix = true
	req.Resolution = 256
	req.BaseResolution = 512

	outcome, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	txt2img, img2img := h.api.calls()
	assert.Equal(t, 1, txt2img)
	assert.Zero(t, img2img)
	assert.Equal(t, 256, h.api.textToImage[0].Width)

	assert.False(t, outcome.Result.HiresFix)
	assert.Contains(t, outcome.Notices, Notice{Level: NoticeWarning, Message: baseTooLargeMessage})
}

func TestGenerate_HiresFixScenario(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.HiresFix = true
	req.Resolution = 512
	req.BaseResolution = 256
	req.DenoisingStrength = 0.3
	req.NegativePrompt = "blurry"

	outcome, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	txt2img, img2img := h.api.calls()
	require.Equal(t, 1, txt2img)
	require.Equal(t, 1, img2img)

	first := h.api.textToImage[0]
	assert.Equal(t, 256, first.Width)
	assert.Equal(t, 256, first.Height)

	second := h.api.imageToImage[0]
	assert.Equal(t, 512, second.Width)
	assert.Equal(t, 512, second.Height)
	assert.Equal(t, 0.3, second.DenoisingStrength)
	assert.Equal(t, first.Seed, second.Seed)
	assert.Equal(t, first.Steps, second.Steps)
	assert.Equal(t, first.CfgScale, second.CfgScale)
	assert.Equal(t, "blurry", second.NegativePrompt)
	assert.Equal(t, first.OverrideSettings, second.OverrideSettings)
	require.Len(t, second.InitImages, 1)

	assert.True(t, outcome.Result.HiresFix)
	assert.Equal(t, 512, decodePNG(t, outcome.Result.Image).Bounds().Dx())
}

func TestGenerate_ZeroStrengthReturnsResizedImage(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.HiresFix = true
	req.Resolution = 512
	req.BaseResolution = 256
	req.DenoisingStrength = 0

	outcome, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	txt2img, img2img := h.api.calls()
	assert.Equal(t, 1, txt2img)
	assert.Zero(t, img2img)

	base, err := h.api.StableDiffusionAPI.TextToImage(context.Background(), &h.api.textToImage[0])
	require.NoError(t, err)

	baseImage, err := h.renderer.Decode(base.Images[0])
	require.NoError(t, err)

	expected, err := h.renderer.ResizeSquare(baseImage, 512)
	require.NoError(t, err)

	got := decodePNG(t, outcome.Result.Image)
	require.Equal(t, expected.Bounds(), got.Bounds())

	for y := 0; y < 512; y += 7 {
		for x := 0; x < 512; x += 7 {
			assert.Equal(t, color.RGBAModel.Convert(expected.At(x, y)), color.RGBAModel.Convert(got.At(x, y)),
				fmt.Sprintf("pixel %d,%d", x, y))
		}
	}
}

func TestGenerate_OutOfMemoryKeepsPreviousResult(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Resolution = 256

	first, err := h.generator.Generate(context.Background(), "s1", req)
	require.NoError(t, err)

	h.api.fail(fmt.Errorf("txt2img: %w", stable_diffusion_api.ErrOutOfMemory))

	req.Seed = int64Ptr(99)

	_, err = h.generator.Generate(context.Background(), "s1", req)
	genErr := requireGenerationError(t, err, KindResourceExhausted)
	assert.Equal(t, "Generation failed: the GPU ran out of memory.", genErr.Message)
	assert.Equal(t, "Try reducing 'Image Resolution', 'Base Resolution', 'Inference Steps' or 'Guidance Scale'.", genErr.Suggestion)
	assert.True(t, errors.Is(err, stable_diffusion_api.ErrOutOfMemory))

	stored, err := h.generator.LatestResult(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, first.Result.Seed, stored.Seed)
	assert.Equal(t, first.Result.Image, stored.Image)
}

func TestGenerate_RefinePassFailureKeepsPreviousResult(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    ErrorKind
		message string
	}{
		{
			name:    "out of memory",
			err:     fmt.Errorf("img2img: %w", stable_diffusion_api.ErrOutOfMemory),
			kind:    KindResourceExhausted,
			message: "Generation failed: the GPU ran out of memory.",
		},
		{
			name:    "generic",
			err:     errors.New("vae decode failed"),
			kind:    KindGeneric,
			message: "An error occurred while generating the image: vae decode failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			req.Resolution = 256

			first, err := h.generator.Generate(context.Background(), "s1", req)
			require.NoError(t, err)

			h.api.failImageToImage(tt.err)

			req.Resolution = 512
			req.HiresFix = true
			req.BaseResolution = 256
			req.DenoisingStrength = 0.3
			req.Seed = int64Ptr(99)

			_, err = h.generator.Generate(context.Background(), "s1", req)
			genErr := requireGenerationError(t, err, tt.kind)
			assert.Equal(t, tt.message, genErr.Message)

			txt2img, img2img := h.api.calls()
			assert.Equal(t, 2, txt2img)
			assert.Equal(t, 1, img2img)

			stored, err := h.generator.LatestResult(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, first.Result.Seed, stored.Seed)
			assert.Equal(t, first.Result.Image, stored.Image)
		})
	}
}

func TestGenerate_OutOfMemoryFromStubEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	api := stable_diffusion_api.NewStub(stable_diffusion_api.StubConfig{MaxPixels: 300 * 300})

	loader, err := model_loader.New(model_loader.Config{API: api, Logger: logger})
	require.NoError(t, err)

	queue, err := generation_queue.New(generation_queue.Config{Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.StartPolling(ctx)

	db, err := sqlite.New(context.Background(), logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	results, err := session_results.NewRepository(&session_results.Config{DB: db})
	require.NoError(t, err)

	renderer, err := image_renderer.New(image_renderer.Config{})
	require.NoError(t, err)

	generator, err := New(Config{Loader: loader, Queue: queue, Renderer: renderer, Results: results, Logger: logger})
	require.NoError(t, err)

	req := validRequest()
	req.Resolution = 512
	req.HiresFix = true
	req.BaseResolution = 256
	req.DenoisingStrength = 0.3

	_, err = generator.Generate(context.Background(), "s1", req)
	requireGenerationError(t, err, KindResourceExhausted)

	_, err = generator.LatestResult(context.Background(), "s1")
	assert.True(t, errors.Is(err, &repositories.NotFoundError{}))
}

func TestGenerate_GenericFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.api.fail(errors.New("sampler exploded"))

	_, err := h.generator.Generate(context.Background(), "s1", validRequest())
	genErr := requireGenerationError(t, err, KindGeneric)
	assert.Equal(t, "An error occurred while generating the image: sampler exploded", genErr.Message)
	assert.Equal(t, genericSuggestion, genErr.Suggestion)
	assert.Len(t, genErr.Notices(), 2)
}

func TestGenerate_WrongOutputSizeFails(t *testing.T) {
	h := newHarness(t, nil)
	h.api.halveOutput = true

	req := validRequest()
	req.Resolution = 256

	_, err := h.generator.Generate(context.Background(), "s1", req)
	genErr := requireGenerationError(t, err, KindGeneric)
	assert.Contains(t, genErr.Message, "engine returned a 128x128 image, expected 256x256")
}

func TestGenerate_EngineSeedMismatchFails(t *testing.T) {
	h := newHarness(t, nil)
	h.api.seedDrift = 1

	req := validRequest()
	req.Resolution = 256

	_, err := h.generator.Generate(context.Background(), "s1", req)
	genErr := requireGenerationError(t, err, KindGeneric)
	assert.Contains(t, genErr.Message, "engine used seed 43, expected 42")

	_, err = h.generator.LatestResult(context.Background(), "s1")
	assert.True(t, errors.Is(err, &repositories.NotFoundError{}))
}

func TestGenerate_BusySession(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.api.block = release

	req := validRequest()
	req.Resolution = 256

	done := make(chan error, 1)

	go func() {
		_, err := h.generator.Generate(context.Background(), "s1", req)
		done <- err
	}()

	require.Eventually(t, func() bool {
		txt2img, _ := h.api.calls()
		return txt2img == 1
	}, time.Second, time.Millisecond)

	assert.True(t, h.generator.Busy("s1"))
	assert.False(t, h.generator.Busy("s2"))

	_, err := h.generator.Generate(context.Background(), "s1", req)
	requireGenerationError(t, err, KindBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.generator.Busy("s1"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.EqualError(t, err, "missing model loader")
}
