package entities

type SeedMode string

const (
	SeedModeRandom SeedMode = "random"
	SeedModeManual SeedMode = "manual"
)

// GenerationRequest is built from the submitted form. Seed is non-nil only
// when SeedMode is SeedModeManual.
type GenerationRequest struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt"`
	Resolution        int      `json:"resolution"`
	Steps             int      `json:"steps"`
	GuidanceScale     float64  `json:"guidance_scale"`
	SeedMode          SeedMode `json:"seed_mode"`
	Seed              *int64   `json:"seed,omitempty"`
	HiresFix          bool     `json:"hires_fix"`
	BaseResolution    int      `json:"base_resolution"`
	DenoisingStrength float64  `json:"denoising_strength"`
}
