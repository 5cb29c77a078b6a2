package web_ui

import (
	"fmt"
	"strconv"
	"strings"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/image_generator"
	"stable_diffusion_web/png_info"
	"stable_diffusion_web/stable_diffusion_api"
)

const footer = "Made with ❤️ by pianxd."

type sliderView struct {
	Name  string
	Label string
	Help  string
	Min   string
	Max   string
	Step  string
	Value string
}

type deviceView struct {
	Accelerator bool
	Name        string
	Memory      string
}

type resultView struct {
	Prompt            string
	Seed              int64
	Width             int
	Height            int
	Steps             int
	GuidanceScale     string
	HiresFix          bool
	BaseResolution    int
	DenoisingStrength string
	Filename          string
	Parameters        string
	ImageURL          string
	DownloadURL       string
}

type pageData struct {
	Settings          entities.SessionSettings
	Notices           []image_generator.Notice
	Device            *deviceView
	Result            *resultView
	Busy              bool
	Resolution        sliderView
	Steps             sliderView
	GuidanceScale     sliderView
	BaseResolution    sliderView
	DenoisingStrength sliderView
	MinSeed           int64
	MaxSeed           int64
	Footer            string
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func newPageData(settings entities.SessionSettings, notices []image_generator.Notice,
	device *stable_diffusion_api.Device, result *entities.GenerationResult, busy bool,
) pageData {
	data := pageData{
		Settings: settings,
		Notices:  notices,
		Busy:     busy,
		Resolution: sliderView{
			Name:  "resolution",
			Label: "Image resolution (pixels)",
			Help:  "Resolution of the square output image. 512 is optimal for Stable Diffusion v1.5.",
			Min:   strconv.Itoa(image_generator.MinResolution),
			Max:   strconv.Itoa(image_generator.MaxResolution),
			Step:  strconv.Itoa(image_generator.ResolutionStep),
			Value: strconv.Itoa(settings.Resolution),
		},
		Steps: sliderView{
			Name:  "steps",
			Label: "Inference steps",
			Help:  "Number of diffusion steps. Higher means more detail but slower.",
			Min:   strconv.Itoa(image_generator.MinSteps),
			Max:   strconv.Itoa(image_generator.MaxSteps),
			Step:  strconv.Itoa(image_generator.StepsStep),
			Value: strconv.Itoa(settings.Steps),
		},
		GuidanceScale: sliderView{
			Name:  "guidance_scale",
			Label: "Guidance scale (CFG scale)",
			Help:  "How strongly the model follows the prompt. Higher is more literal but can be less creative.",
			Min:   formatFloat(image_generator.MinGuidanceScale),
			Max:   formatFloat(image_generator.MaxGuidanceScale),
			Step:  formatFloat(image_generator.GuidanceScaleStep),
			Value: formatFloat(settings.GuidanceScale),
		},
		BaseResolution: sliderView{
			Name:  "base_resolution",
			Label: "Base resolution (step 1)",
			Help:  "Resolution of the first pass. Must not exceed the image resolution.",
			Min:   strconv.Itoa(image_generator.MinBaseResolution),
			Max:   strconv.Itoa(image_generator.MaxBaseResolution),
			Step:  strconv.Itoa(image_generator.BaseResolutionStep),
			Value: strconv.Itoa(settings.BaseResolution),
		},
		DenoisingStrength: sliderView{
			Name:  "denoising_strength",
			Label: "Denoising strength (step 2)",
			Help:  "How much new detail the second pass adds. Low stays close to the first pass, high changes more.",
			Min:   formatFloat(image_generator.MinDenoisingStrength),
			Max:   formatFloat(image_generator.MaxDenoisingStrength),
			Step:  formatFloat(image_generator.DenoisingStrengthStep),
			Value: formatFloat(settings.DenoisingStrength),
		},
		MinSeed: image_generator.MinSeed,
		MaxSeed: image_generator.MaxSeed,
		Footer:  footer,
	}

	if device != nil {
		data.Device = &deviceView{
			Accelerator: device.Accelerator,
			Name:        strings.ToUpper(device.Name),
			Memory:      fmt.Sprintf("%.1f GB", device.TotalMemory/(1<<30)),
		}
	}

	if result != nil {
		data.Result = &resultView{
			Prompt:            result.Prompt,
			Seed:              result.Seed,
			Width:             result.Width,
			Height:            result.Height,
			Steps:             result.Steps,
			GuidanceScale:     formatFloat(result.GuidanceScale),
			HiresFix:          result.HiresFix,
			BaseResolution:    result.BaseResolution,
			DenoisingStrength: formatFloat(result.DenoisingStrength),
			Filename:          result.Filename(),
			ImageURL:          fmt.Sprintf("/result/image.png?seed=%d&v=%d", result.Seed, result.CreatedAt.Unix()),
			DownloadURL:       "/result/download",
		}
	}

	return data
}

// embeddedParameters reads back the generation parameters stored in a result PNG.
func embeddedParameters(pngData []byte) (string, error) {
	extractor, err := png_info.New(png_info.Config{PngData: pngData})
	if err != nil {
		return "", err
	}

	info, err := extractor.ExtractDiffusionInfo()
	if err != nil {
		return "", err
	}

	if info.Prompt == "" && info.Steps == 0 {
		return "", nil
	}

	return info.String(), nil
}
