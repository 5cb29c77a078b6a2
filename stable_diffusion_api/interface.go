package stable_diffusion_api

import "context"

type StableDiffusionAPI interface {
	TextToImage(ctx context.Context, req *TextToImageRequest) (*ImageResponse, error)
	ImageToImage(ctx context.Context, req *ImageToImageRequest) (*ImageResponse, error)
	GetCurrentProgress(ctx context.Context) (*ProgressResponse, error)
	GetMemory(ctx context.Context) (*MemoryResponse, error)
	LoadCheckpoint(ctx context.Context, opts LoadOptions) error
}
