package stable_diffusion_api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Minute

type apiImpl struct {
	host   string
	client *http.Client
	logger *zap.Logger
}

type Config struct {
	Host    string
	Timeout time.Duration
	Logger  *zap.Logger
}

func New(cfg Config) (StableDiffusionAPI, error) {
	if cfg.Host == "" {
		return nil, errors.New("missing host")
	}

	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &apiImpl{
		host:   strings.TrimSuffix(cfg.Host, "/"),
		client: &http.Client{Timeout: timeout},
		logger: cfg.Logger,
	}, nil
}

type Precision string

const (
	PrecisionHalf Precision = "fp16"
	PrecisionFull Precision = "fp32"
)

type LoadOptions struct {
	ModelID   string
	Precision Precision
}

type TextToImageRequest struct {
	Prompt           string         `json:"prompt"`
	NegativePrompt   string         `json:"negative_prompt,omitempty"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	Seed             int64          `json:"seed"`
	SamplerName      string         `json:"sampler_name,omitempty"`
	CfgScale         float64        `json:"cfg_scale"`
	Steps            int            `json:"steps"`
	BatchSize        int            `json:"batch_size"`
	NIter            int            `json:"n_iter"`
	OverrideSettings map[string]any `json:"override_settings,omitempty"`
	SendImages       bool           `json:"send_images"`
	SaveImages       bool           `json:"save_images"`
}

type ImageToImageRequest struct {
	TextToImageRequest
	InitImages        []string `json:"init_images"`
	DenoisingStrength float64  `json:"denoising_strength"`
	ResizeMode        int      `json:"resize_mode"`
}

// ImageResponse carries decoded image bytes, normally PNG.
type ImageResponse struct {
	Images [][]byte
	Seeds  []int64
}

type jsonImageResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type jsonInfoResponse struct {
	Seed     int64   `json:"seed"`
	AllSeeds []int64 `json:"all_seeds"`
}

type ProgressResponse struct {
	Progress    float64 `json:"progress"`
	EtaRelative float64 `json:"eta_relative"`
}

type MemoryStats struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

type CUDAMemory struct {
	System MemoryStats `json:"system"`
	Error  string      `json:"error"`
}

type MemoryResponse struct {
	RAM  MemoryStats `json:"ram"`
	CUDA CUDAMemory  `json:"cuda"`
}

type Device struct {
	Accelerator bool
	Name        string
	TotalMemory float64
}

// Device reports an accelerator only when CUDA memory is visible and no error was reported.
func (m *MemoryResponse) Device() Device {
	if m.CUDA.Error == "" && m.CUDA.System.Total > 0 {
		return Device{Accelerator: true, Name: "cuda", TotalMemory: m.CUDA.System.Total}
	}

	return Device{Name: "cpu", TotalMemory: m.RAM.Total}
}

// GeneratorSource is the A1111 randn_source value for a device.
func (d Device) GeneratorSource() string {
	if d.Accelerator {
		return "GPU"
	}

	return "CPU"
}

// EncodeImage base64-encodes image bytes for init_images.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func (api *apiImpl) TextToImage(ctx context.Context, req *TextToImageRequest) (*ImageResponse, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}

	return api.generate(ctx, "/sdapi/v1/txt2img", req)
}

func (api *apiImpl) ImageToImage(ctx context.Context, req *ImageToImageRequest) (*ImageResponse, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}

	if len(req.InitImages) == 0 {
		return nil, errors.New("missing init image")
	}

	return api.generate(ctx, "/sdapi/v1/img2img", req)
}

func (api *apiImpl) generate(ctx context.Context, path string, req any) (*ImageResponse, error) {
	respStruct := &jsonImageResponse{}

	err := api.doJSON(ctx, http.MethodPost, path, req, respStruct)
	if err != nil {
		return nil, err
	}

	if len(respStruct.Images) == 0 {
		return nil, errors.New("stable diffusion API returned no images")
	}

	images := make([][]byte, len(respStruct.Images))

	for idx, encoded := range respStruct.Images {
		decoded, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil {
			return nil, fmt.Errorf("decoding image %d: %w", idx, decodeErr)
		}

		images[idx] = decoded
	}

	resp := &ImageResponse{Images: images}

	if respStruct.Info != "" {
		infoStruct := &jsonInfoResponse{}

		err = json.Unmarshal([]byte(respStruct.Info), infoStruct)
		if err != nil {
			api.logger.Warn("Unexpected info payload", zap.String("path", path), zap.Error(err))
		} else {
			resp.Seeds = infoStruct.AllSeeds
		}
	}

	return resp, nil
}

func (api *apiImpl) GetCurrentProgress(ctx context.Context) (*ProgressResponse, error) {
	respStruct := &ProgressResponse{}

	err := api.doJSON(ctx, http.MethodGet, "/sdapi/v1/progress?skip_current_image=true", nil, respStruct)
	if err != nil {
		return nil, err
	}

	return respStruct, nil
}

func (api *apiImpl) GetMemory(ctx context.Context) (*MemoryResponse, error) {
	respStruct := &MemoryResponse{}

	err := api.doJSON(ctx, http.MethodGet, "/sdapi/v1/memory", nil, respStruct)
	if err != nil {
		return nil, err
	}

	return respStruct, nil
}

func (api *apiImpl) LoadCheckpoint(ctx context.Context, opts LoadOptions) error {
	options := map[string]any{
		"upcast_attn": opts.Precision == PrecisionFull,
	}

	if opts.ModelID != "" {
		options["sd_model_checkpoint"] = opts.ModelID
	}

	return api.doJSON(ctx, http.MethodPost, "/sdapi/v1/options", options, nil)
}

func (api *apiImpl) doJSON(ctx context.Context, method, path string, in, out any) error {
	url := api.host + path

	var body io.Reader

	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return err
		}

		body = bytes.NewReader(jsonData)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}

	if in != nil {
		request.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	response, err := api.client.Do(request)
	if err != nil {
		api.logger.Error("Error with API request", zap.String("url", url), zap.Error(err))

		return err
	}

	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		errStruct := &jsonErrorResponse{}

		message := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, errStruct) == nil && errStruct.message() != "" {
			message = errStruct.message()
		}

		api.logger.Warn("API request failed",
			zap.String("url", url),
			zap.Int("status", response.StatusCode),
			zap.String("message", message))

		return newResponseError(response.StatusCode, message)
	}

	if out == nil {
		return nil
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		api.logger.Error("Unexpected API response", zap.String("url", url), zap.ByteString("body", truncate(respBody, 512)))

		return err
	}

	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}

	return b[:n]
}
