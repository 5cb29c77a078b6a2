package discord_bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/image_generator"

	"github.com/bwmarrin/discordgo"
)

func floatPtr(v float64) *float64 {
	return &v
}

func imagineCommandDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        imagineCommand,
		Description: "Ask the bot to imagine something",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "prompt",
				Description: "The text prompt to imagine",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "negative_prompt",
				Description: "What you don't want to see",
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "seed",
				Description: "Use a fixed seed to reproduce an image",
				MinValue:    floatPtr(float64(image_generator.MinSeed)),
				MaxValue:    float64(image_generator.MaxSeed),
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "resolution",
				Description: "Square image resolution in pixels",
				MinValue:    floatPtr(image_generator.MinResolution),
				MaxValue:    image_generator.MaxResolution,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "steps",
				Description: "Number of inference steps",
				MinValue:    floatPtr(image_generator.MinSteps),
				MaxValue:    image_generator.MaxSteps,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        "guidance",
				Description: "Guidance (CFG) scale",
				MinValue:    floatPtr(image_generator.MinGuidanceScale),
				MaxValue:    image_generator.MaxGuidanceScale,
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "hires_fix",
				Description: "Generate at a base resolution first, then upscale and refine",
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "base_resolution",
				Description: "Hires. fix base resolution",
				MinValue:    floatPtr(image_generator.MinBaseResolution),
				MaxValue:    image_generator.MaxBaseResolution,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        "denoising_strength",
				Description: "Hires. fix denoising strength",
				MinValue:    floatPtr(image_generator.MinDenoisingStrength),
				MaxValue:    image_generator.MaxDenoisingStrength,
			},
		},
	}
}

// imagineRequest builds a request from the command options on top of the web form defaults.
func imagineRequest(options []*discordgo.ApplicationCommandInteractionDataOption) entities.GenerationRequest {
	defaults := image_generator.DefaultSettings()
	defaults.NegativePrompt = ""
	defaults.BaseResolution = 0

	req := defaults.Request()

	for _, opt := range options {
		switch opt.Name {
		case "prompt":
			req.Prompt = opt.StringValue()
		case "negative_prompt":
			req.NegativePrompt = opt.StringValue()
		case "seed":
			seed := opt.IntValue()
			req.SeedMode = entities.SeedModeManual
			req.Seed = &seed
		case "resolution":
			req.Resolution = int(opt.IntValue())
		case "steps":
			req.Steps = int(opt.IntValue())
		case "guidance":
			req.GuidanceScale = opt.FloatValue()
		case "hires_fix":
			req.HiresFix = opt.BoolValue()
		case "base_resolution":
			req.BaseResolution = int(opt.IntValue())
		case "denoising_strength":
			req.DenoisingStrength = opt.FloatValue()
		}
	}

	return req
}

func resultContent(user *discordgo.User, outcome *image_generator.Outcome) string {
	result := outcome.Result

	var b strings.Builder

	fmt.Fprintf(&b, "<@%s> asked me to imagine \"%s\".\nSeed %d, %dx%d, %d steps, CFG %s",
		user.ID, result.Prompt, result.Seed, result.Width, result.Height, result.Steps,
		strconv.FormatFloat(result.GuidanceScale, 'f', -1, 64))

	if result.HiresFix {
		fmt.Fprintf(&b, ", hires. fix from %dpx", result.BaseResolution)
	}

	for _, notice := range outcome.Notices {
		if notice.Level == image_generator.NoticeSuccess {
			continue
		}

		fmt.Fprintf(&b, "\n> %s", notice.Message)
	}

	return b.String()
}

func failureContent(err error) string {
	var genErr *image_generator.GenerationError
	if !errors.As(err, &genErr) {
		return "I'm sorry, but I had a problem imagining your image."
	}

	lines := make([]string, 0, 2)
	for _, notice := range genErr.Notices() {
		lines = append(lines, notice.Message)
	}

	return strings.Join(lines, "\n")
}
