package stable_diffusion_api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand/v2"
)

// StubConfig configures the in-process engine used for development and tests.
type StubConfig struct {
	// Accelerator makes the memory probe report a CUDA device.
	Accelerator bool

	// FailHalfPrecision rejects fp16 checkpoint loads.
	FailHalfPrecision bool

	// MaxPixels simulates an out-of-memory failure above this many pixels per image. Zero disables it.
	MaxPixels int
}

type stubImpl struct {
	cfg StubConfig
}

// NewStub returns an engine that renders deterministic noise from the seed and prompt.
func NewStub(cfg StubConfig) StableDiffusionAPI {
	return &stubImpl{cfg: cfg}
}

func (s *stubImpl) TextToImage(_ context.Context, req *TextToImageRequest) (*ImageResponse, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}

	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	img := renderNoise(req)

	return encodeResponse(img, req.Seed)
}

func (s *stubImpl) ImageToImage(_ context.Context, req *ImageToImageRequest) (*ImageResponse, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}

	if len(req.InitImages) == 0 {
		return nil, errors.New("missing init image")
	}

	if err := s.checkRequest(&req.TextToImageRequest); err != nil {
		return nil, err
	}

	if req.DenoisingStrength < 0 || req.DenoisingStrength > 1 {
		return nil, fmt.Errorf("denoising strength %v out of range", req.DenoisingStrength)
	}

	data, err := base64.StdEncoding.DecodeString(req.InitImages[0])
	if err != nil {
		return nil, fmt.Errorf("decoding init image: %w", err)
	}

	initImage, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding init image: %w", err)
	}

	bounds := initImage.Bounds()
	if bounds.Dx() != req.Width || bounds.Dy() != req.Height {
		return nil, fmt.Errorf("init image is %dx%d, expected %dx%d", bounds.Dx(), bounds.Dy(), req.Width, req.Height)
	}

	fresh := renderNoise(&req.TextToImageRequest)
	strength := req.DenoisingStrength
	out := image.NewNRGBA(image.Rect(0, 0, req.Width, req.Height))

	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			a := color.NRGBAModel.Convert(initImage.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			b := fresh.NRGBAAt(x, y)

			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(a.R, b.R, strength),
				G: blend(a.G, b.G, strength),
				B: blend(a.B, b.B, strength),
				A: 0xff,
			})
		}
	}

	return encodeResponse(out, req.Seed)
}

func (s *stubImpl) GetCurrentProgress(context.Context) (*ProgressResponse, error) {
	return &ProgressResponse{}, nil
}

func (s *stubImpl) GetMemory(context.Context) (*MemoryResponse, error) {
	resp := &MemoryResponse{RAM: MemoryStats{Total: 16 << 30}}

	if s.cfg.Accelerator {
		resp.CUDA.System = MemoryStats{Total: 8 << 30}
	} else {
		resp.CUDA.Error = "CUDA is not available"
	}

	return resp, nil
}

func (s *stubImpl) LoadCheckpoint(_ context.Context, opts LoadOptions) error {
	if s.cfg.FailHalfPrecision && opts.Precision == PrecisionHalf {
		return &APIError{StatusCode: 500, Message: "half precision is not supported on this device"}
	}

	return nil
}

func (s *stubImpl) checkRequest(req *TextToImageRequest) error {
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", req.Width, req.Height)
	}

	if s.cfg.MaxPixels > 0 && req.Width*req.Height > s.cfg.MaxPixels {
		return fmt.Errorf("%w: cannot allocate a %dx%d latent", ErrOutOfMemory, req.Width, req.Height)
	}

	return nil
}

func blend(a, b uint8, strength float64) uint8 {
	return uint8(math.Round(float64(a)*(1-strength) + float64(b)*strength))
}

func renderNoise(req *TextToImageRequest) *image.NRGBA {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Prompt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(req.NegativePrompt))

	rng := rand.New(rand.NewPCG(uint64(req.Seed), h.Sum64()))

	base := [3]float64{rng.Float64() * 255, rng.Float64() * 255, rng.Float64() * 255}
	tint := [3]float64{rng.Float64() * 255, rng.Float64() * 255, rng.Float64() * 255}

	img := image.NewNRGBA(image.Rect(0, 0, req.Width, req.Height))

	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			t := float64(x+y) / float64(req.Width+req.Height)

			var c [3]uint8
			for i := range c {
				v := base[i]*(1-t) + tint[i]*t + (rng.Float64()-0.5)*32
				c[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
			}

			img.SetNRGBA(x, y, color.NRGBA{R: c[0], G: c[1], B: c[2], A: 0xff})
		}
	}

	return img
}

func encodeResponse(img image.Image, seed int64) (*ImageResponse, error) {
	buf := new(bytes.Buffer)

	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}

	return &ImageResponse{
		Images: [][]byte{buf.Bytes()},
		Seeds:  []int64{seed},
	}, nil
}
