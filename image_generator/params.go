package image_generator

import (
	"fmt"
	"math"
	"strings"

	"stable_diffusion_web/entities"
)

const (
	MinResolution     = 256
	MaxResolution     = 1024
	ResolutionStep    = 64
	DefaultResolution = 512

	MinSteps     = 10
	MaxSteps     = 100
	StepsStep    = 5
	DefaultSteps = 30

	MinGuidanceScale     = 1.0
	MaxGuidanceScale     = 20.0
	GuidanceScaleStep    = 0.5
	DefaultGuidanceScale = 4.0

	MinBaseResolution  = 64
	MaxBaseResolution  = 1024
	BaseResolutionStep = 64

	MinDenoisingStrength     = 0.0
	MaxDenoisingStrength     = 1.0
	DenoisingStrengthStep    = 0.05
	DefaultDenoisingStrength = 0.3

	MinSeed           int64 = 0
	MaxSeed           int64 = 999999999
	DefaultManualSeed int64 = 42

	DefaultPrompt         = "Vast mountain range at sunrise, mist in the valleys, clear alpine lake, golden hour light, majestic, landscape photography, sharp focus"
	DefaultNegativePrompt = "low quality, blurry, ugly, distorted, bad anatomy, deformed, text, watermark, extra fingers, malformed hands"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

type Notice struct {
	Level   NoticeLevel
	Message string
}

const (
	emptyPromptMessage     = "Positive prompt must not be empty!"
	baseTooLargeMessage    = "Base resolution must not be larger than the final image resolution. Hires. fix has been disabled for this run."
	baseEqualsTargetNotice = "Base resolution equals the final resolution. Hires. fix may not have a noticeable effect."
	successMessage         = "Image generated successfully! See the result below."
)

// DefaultSettings are the form values shown to a session that has not submitted yet.
func DefaultSettings() entities.SessionSettings {
	return entities.SessionSettings{
		Prompt:            DefaultPrompt,
		NegativePrompt:    DefaultNegativePrompt,
		Resolution:        DefaultResolution,
		Steps:             DefaultSteps,
		GuidanceScale:     DefaultGuidanceScale,
		SeedMode:          entities.SeedModeRandom,
		ManualSeed:        DefaultManualSeed,
		BaseResolution:    DefaultResolution / 2,
		DenoisingStrength: DefaultDenoisingStrength,
	}
}

// Params is a normalized request. HiresFix is only true when the two-pass path will run.
type Params struct {
	Request entities.GenerationRequest
	Notices []Notice
}

// Prepare trims the prompts, snaps every numeric value onto its slider grid
// and decides whether hi-res fix can run. Base resolution is snapped and
// clamped to its own range but never to the target resolution.
func Prepare(req entities.GenerationRequest) (*Params, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.NegativePrompt = strings.TrimSpace(req.NegativePrompt)

	if req.Prompt == "" {
		return nil, &GenerationError{Kind: KindValidation, Message: emptyPromptMessage}
	}

	req.Resolution = snapInt(req.Resolution, MinResolution, MaxResolution, ResolutionStep)
	req.Steps = snapInt(req.Steps, MinSteps, MaxSteps, StepsStep)
	req.GuidanceScale = snapFloat(req.GuidanceScale, MinGuidanceScale, MaxGuidanceScale, GuidanceScaleStep)

	switch req.SeedMode {
	case entities.SeedModeManual:
		seed := DefaultManualSeed
		if req.Seed != nil {
			seed = min(max(*req.Seed, MinSeed), MaxSeed)
		}

		req.Seed = &seed
	case entities.SeedModeRandom, "":
		req.SeedMode = entities.SeedModeRandom
		req.Seed = nil
	default:
		return nil, &GenerationError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("Unknown seed mode %q.", req.SeedMode),
		}
	}

	if req.BaseResolution == 0 {
		req.BaseResolution = req.Resolution / 2
	}

	req.BaseResolution = snapInt(req.BaseResolution, MinBaseResolution, MaxBaseResolution, BaseResolutionStep)
	req.DenoisingStrength = snapFloat(req.DenoisingStrength, MinDenoisingStrength, MaxDenoisingStrength, DenoisingStrengthStep)

	params := &Params{Request: req}

	if req.HiresFix {
		switch {
		case req.BaseResolution > req.Resolution:
			params.Request.HiresFix = false
			params.Notices = append(params.Notices, Notice{Level: NoticeWarning, Message: baseTooLargeMessage})
		case req.BaseResolution == req.Resolution:
			params.Notices = append(params.Notices, Notice{Level: NoticeInfo, Message: baseEqualsTargetNotice})
		}
	}

	return params, nil
}

func snapInt(v, lo, hi, step int) int {
	v = min(max(v, lo), hi)
	snapped := lo + int(math.Round(float64(v-lo)/float64(step)))*step

	return min(max(snapped, lo), hi)
}

func snapFloat(v, lo, hi, step float64) float64 {
	if math.IsNaN(v) {
		v = lo
	}

	v = math.Min(math.Max(v, lo), hi)
	snapped := lo + math.Round((v-lo)/step)*step
	snapped = math.Min(math.Max(snapped, lo), hi)

	return math.Round(snapped*1e6) / 1e6
}
