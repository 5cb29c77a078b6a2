package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stable_diffusion_web/config"
	"stable_diffusion_web/databases/sqlite"
	"stable_diffusion_web/discord_bot"
	"stable_diffusion_web/generation_queue"
	"stable_diffusion_web/image_generator"
	"stable_diffusion_web/image_renderer"
	"stable_diffusion_web/logging"
	"stable_diffusion_web/model_loader"
	"stable_diffusion_web/repositories/session_results"
	"stable_diffusion_web/repositories/session_settings"
	"stable_diffusion_web/stable_diffusion_api"
	"stable_diffusion_web/web_ui"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const sentryFlushTimeout = 2 * time.Second

var (
	configPath = flag.String("config", "config.yaml", "Path to an optional YAML config file")
	apiHost    = flag.String("host", "", "Host for the Automatic1111 API, overrides the config")
	guildID    = flag.String("guild", "", "Discord guild ID. If not passed - bot registers commands globally")
	botToken   = flag.String("token", "", "Discord bot access token. The bot is disabled without one")
	devMode    = flag.Bool("dev", false, "Start in development mode with human readable debug logs")
	stubEngine = flag.Bool("stub", false, "Use the built-in stub engine instead of a Stable Diffusion server")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	applyFlags(cfg)

	logger := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		FilePath:    cfg.Logging.File,
	})

	defer func() { _ = logger.Sync() }()

	sentryEnabled := initSentry(cfg, logger)
	if sentryEnabled {
		defer sentry.Flush(sentryFlushTimeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := newEngine(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create Stable Diffusion API", zap.Error(err))
	}

	loader, err := model_loader.New(model_loader.Config{
		API:     engine,
		ModelID: cfg.Engine.ModelID,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Failed to create model loader", zap.Error(err))
	}

	model, err := loader.Load(ctx)
	if err != nil {
		sentry.CaptureException(err)
		logger.Fatal("Failed to load model", zap.Error(err))
	}

	sqliteDB, err := sqlite.New(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to create sqlite database", zap.Error(err))
	}

	defer func() { _ = sqliteDB.Close() }()

	settingsRepo, err := session_settings.NewRepository(&session_settings.Config{DB: sqliteDB})
	if err != nil {
		logger.Fatal("Failed to create session settings repository", zap.Error(err))
	}

	resultsRepo, err := session_results.NewRepository(&session_results.Config{DB: sqliteDB})
	if err != nil {
		logger.Fatal("Failed to create session results repository", zap.Error(err))
	}

	queue, err := generation_queue.New(generation_queue.Config{
		Size:   cfg.Engine.QueueSize,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Failed to create generation queue", zap.Error(err))
	}

	renderer, err := image_renderer.New(image_renderer.Config{})
	if err != nil {
		logger.Fatal("Failed to create image renderer", zap.Error(err))
	}

	generator, err := image_generator.New(image_generator.Config{
		Loader:   loader,
		Queue:    queue,
		Renderer: renderer,
		Results:  resultsRepo,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to create image generator", zap.Error(err))
	}

	web, err := web_ui.New(web_ui.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		Generator:     generator,
		Settings:      settingsRepo,
		Results:       resultsRepo,
		Queue:         queue,
		Model:         model,
		SessionSecret: []byte(cfg.Session.Secret),
		SessionTTL:    cfg.Session.TTL,
		Development:   cfg.Logging.Development,
		SentryEnabled: sentryEnabled,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Failed to create web UI", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		queue.StartPolling(ctx)
	}()

	if cfg.Discord.BotToken != "" {
		bot, botErr := discord_bot.New(discord_bot.Config{
			BotToken:  cfg.Discord.BotToken,
			GuildID:   cfg.Discord.GuildID,
			Generator: generator,
			Logger:    logger,
		})
		if botErr != nil {
			logger.Fatal("Failed to create Discord bot", zap.Error(botErr))
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			bot.Start(ctx)
		}()
	} else {
		logger.Info("Discord bot disabled, no bot token configured")
	}

	logger.Info("Press Ctrl+C to exit")

	err = web.Start(ctx)
	if err != nil {
		sentry.CaptureException(err)
		logger.Error("Web server failed", zap.Error(err))
		stop()
	}

	wg.Wait()

	logger.Info("Shut down cleanly")
}

func applyFlags(cfg *config.Config) {
	if *apiHost != "" {
		cfg.Engine.Host = *apiHost
	}

	if *botToken != "" {
		cfg.Discord.BotToken = *botToken
	}

	if *guildID != "" {
		cfg.Discord.GuildID = *guildID
	}

	if *devMode {
		cfg.Logging.Development = true
	}

	if *stubEngine {
		cfg.Engine.Kind = config.EngineStub
	}
}

func newEngine(cfg *config.Config, logger *zap.Logger) (stable_diffusion_api.StableDiffusionAPI, error) {
	if cfg.Engine.Kind == config.EngineStub {
		logger.Warn("Using the stub engine, images are synthetic noise")

		return stable_diffusion_api.NewStub(stable_diffusion_api.StubConfig{}), nil
	}

	return stable_diffusion_api.New(stable_diffusion_api.Config{
		Host:    cfg.Engine.Host,
		Timeout: cfg.Engine.Timeout,
		Logger:  logger,
	})
}

func initSentry(cfg *config.Config, logger *zap.Logger) bool {
	if cfg.Sentry.DSN == "" {
		logger.Info("Sentry not configured (SENTRY_DSN not set)")

		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		AttachStacktrace: true,
	})
	if err != nil {
		logger.Error("Failed to initialize Sentry", zap.Error(err))

		return false
	}

	logger.Info("Sentry initialized", zap.String("environment", cfg.Sentry.Environment))

	return true
}
