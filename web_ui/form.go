package web_ui

import (
	"strings"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/image_generator"
)

type generateForm struct {
	Prompt            string  `form:"prompt"`
	NegativePrompt    string  `form:"negative_prompt"`
	Resolution        int     `form:"resolution"`
	Steps             int     `form:"steps"`
	GuidanceScale     float64 `form:"guidance_scale"`
	SeedMode          string  `form:"seed_mode"`
	Seed              *int64  `form:"seed"`
	HiresFix          string  `form:"hires_fix"`
	BaseResolution    int     `form:"base_resolution"`
	DenoisingStrength float64 `form:"denoising_strength"`
}

func (f *generateForm) hiresFix() bool {
	switch strings.ToLower(f.HiresFix) {
	case "on", "true", "1", "yes":
		return true
	default:
		return false
	}
}

// settings merges the submitted form over the previous settings, so the form
// re-renders with what the user chose, including a manual seed that is
// currently hidden behind random mode.
func (f *generateForm) settings(previous entities.SessionSettings) entities.SessionSettings {
	settings := previous
	settings.Prompt = f.Prompt
	settings.NegativePrompt = f.NegativePrompt
	settings.Resolution = f.Resolution
	settings.Steps = f.Steps
	settings.GuidanceScale = f.GuidanceScale
	settings.HiresFix = f.hiresFix()
	settings.BaseResolution = f.BaseResolution
	settings.DenoisingStrength = f.DenoisingStrength
	settings.SeedMode = entities.SeedMode(f.SeedMode)

	if settings.SeedMode != entities.SeedModeManual {
		settings.SeedMode = entities.SeedModeRandom
	}

	if f.Seed != nil {
		settings.ManualSeed = min(max(*f.Seed, image_generator.MinSeed), image_generator.MaxSeed)
	}

	return settings
}
