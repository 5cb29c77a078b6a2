package entities

import "time"

// SessionSettings holds the last form values a session submitted.
type SessionSettings struct {
	SessionID         string    `json:"session_id"`
	Prompt            string    `json:"prompt"`
	NegativePrompt    string    `json:"negative_prompt"`
	Resolution        int       `json:"resolution"`
	Steps             int       `json:"steps"`
	GuidanceScale     float64   `json:"guidance_scale"`
	SeedMode          SeedMode  `json:"seed_mode"`
	ManualSeed        int64     `json:"manual_seed"`
	HiresFix          bool      `json:"hires_fix"`
	BaseResolution    int       `json:"base_resolution"`
	DenoisingStrength float64   `json:"denoising_strength"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Request converts the stored form values into a generation request.
func (s *SessionSettings) Request() GenerationRequest {
	req := GenerationRequest{
		Prompt:            s.Prompt,
		NegativePrompt:    s.NegativePrompt,
		Resolution:        s.Resolution,
		Steps:             s.Steps,
		GuidanceScale:     s.GuidanceScale,
		SeedMode:          s.SeedMode,
		HiresFix:          s.HiresFix,
		BaseResolution:    s.BaseResolution,
		DenoisingStrength: s.DenoisingStrength,
	}

	if s.SeedMode == SeedModeManual {
		seed := s.ManualSeed
		req.Seed = &seed
	}

	return req
}
