package entities

import (
	"fmt"
	"time"
)

type GenerationResult struct {
	SessionID         string    `json:"session_id"`
	Prompt            string    `json:"prompt"`
	NegativePrompt    string    `json:"negative_prompt"`
	Seed              int64     `json:"seed"`
	Width             int       `json:"width"`
	Height            int       `json:"height"`
	Steps             int       `json:"steps"`
	GuidanceScale     float64   `json:"guidance_scale"`
	HiresFix          bool      `json:"hires_fix"`
	BaseResolution    int       `json:"base_resolution"`
	DenoisingStrength float64   `json:"denoising_strength"`
	Image             []byte    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// Filename is the download name of the result image.
func (r *GenerationResult) Filename() string {
	return fmt.Sprintf("generated_image_%d.png", r.Seed)
}
