package discord_bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/image_generator"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const imagineCommand = "imagine"

type botImpl struct {
	botSession         *discordgo.Session
	guildID            string
	generator          image_generator.Generator
	logger             *zap.Logger
	registeredCommands []*discordgo.ApplicationCommand
}

type Config struct {
	BotToken string
	// GuildID limits the command to one server. Empty registers it globally.
	GuildID   string
	Generator image_generator.Generator
	Logger    *zap.Logger
}

func New(cfg Config) (Bot, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("missing bot token")
	}

	if cfg.Generator == nil {
		return nil, errors.New("missing generator")
	}

	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	botSession, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}

	bot := &botImpl{
		botSession:         botSession,
		guildID:            cfg.GuildID,
		generator:          cfg.Generator,
		logger:             cfg.Logger,
		registeredCommands: make([]*discordgo.ApplicationCommand, 0),
	}

	botSession.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		bot.logger.Info("Logged in to Discord", zap.String("user", s.State.User.Username))
	})

	botSession.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}

		switch i.ApplicationCommandData().Name {
		case imagineCommand:
			bot.processImagineCommand(s, i)
		default:
			bot.logger.Warn("Unknown command", zap.String("command", i.ApplicationCommandData().Name))
		}
	})

	err = botSession.Open()
	if err != nil {
		return nil, err
	}

	err = bot.addImagineCommand()
	if err != nil {
		_ = botSession.Close()

		return nil, err
	}

	return bot, nil
}

func (b *botImpl) Start(ctx context.Context) {
	<-ctx.Done()

	err := b.teardown()
	if err != nil {
		b.logger.Error("Error tearing down bot", zap.Error(err))
	}
}

func (b *botImpl) teardown() error {
	for _, cmd := range b.registeredCommands {
		err := b.botSession.ApplicationCommandDelete(b.botSession.State.User.ID, b.guildID, cmd.ID)
		if err != nil {
			b.logger.Warn("Error deleting command", zap.String("command", cmd.Name), zap.Error(err))
		}
	}

	return b.botSession.Close()
}

func (b *botImpl) addImagineCommand() error {
	b.logger.Info("Adding command", zap.String("command", imagineCommand))

	cmd, err := b.botSession.ApplicationCommandCreate(b.botSession.State.User.ID, b.guildID, imagineCommandDefinition())
	if err != nil {
		b.logger.Error("Error creating command", zap.String("command", imagineCommand), zap.Error(err))

		return err
	}

	b.registeredCommands = append(b.registeredCommands, cmd)

	return nil
}

func (b *botImpl) processImagineCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	req := imagineRequest(i.ApplicationCommandData().Options)
	user := interactionUser(i)

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: fmt.Sprintf("I'm dreaming something up for you.\n<@%s> asked me to imagine \"%s\".", user.ID, req.Prompt),
		},
	})
	if err != nil {
		b.logger.Error("Error responding to interaction", zap.Error(err))

		return
	}

	go b.imagine(s, i.Interaction, user, req)
}

func (b *botImpl) imagine(s *discordgo.Session, interaction *discordgo.Interaction, user *discordgo.User, req entities.GenerationRequest) {
	outcome, err := b.generator.Generate(context.Background(), "discord:"+user.ID, req)
	if err != nil {
		content := failureContent(err)

		_, editErr := s.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{Content: &content})
		if editErr != nil {
			b.logger.Error("Error editing interaction", zap.Error(editErr))
		}

		return
	}

	content := resultContent(user, outcome)

	_, err = s.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{
		Content: &content,
		Files: []*discordgo.File{
			{
				ContentType: "image/png",
				Name:        outcome.Result.Filename(),
				Reader:      bytes.NewReader(outcome.Result.Image),
			},
		},
	})
	if err != nil {
		b.logger.Error("Error editing interaction", zap.Error(err))
	}
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}

	return i.User
}
