package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EngineA1111 = "a1111"
	EngineStub  = "stub"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
	Sentry  SentryConfig  `yaml:"sentry"`
	Discord DiscordConfig `yaml:"discord"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type EngineConfig struct {
	Kind      string        `yaml:"kind"`
	Host      string        `yaml:"host"`
	ModelID   string        `yaml:"model_id"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	GuildID  string `yaml:"guild_id"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Engine: EngineConfig{
			Kind:      EngineA1111,
			Host:      "http://127.0.0.1:7860",
			ModelID:   "runwayml/stable-diffusion-v1-5",
			Timeout:   10 * time.Minute,
			QueueSize: 100,
		},
		Session: SessionConfig{TTL: 24 * time.Hour},
		Sentry:  SentryConfig{Environment: "development"},
	}
}

// Load reads the optional YAML file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Engine.Kind = getEnv("SD_ENGINE", c.Engine.Kind)
	c.Engine.Host = getEnv("SD_API_HOST", c.Engine.Host)
	c.Engine.ModelID = getEnv("SD_MODEL_ID", c.Engine.ModelID)
	c.Session.Secret = getEnv("SESSION_SECRET", c.Session.Secret)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
	c.Sentry.DSN = getEnv("SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = getEnv("ENVIRONMENT", c.Sentry.Environment)
	c.Discord.BotToken = getEnv("DISCORD_BOT_TOKEN", c.Discord.BotToken)
	c.Discord.GuildID = getEnv("DISCORD_GUILD_ID", c.Discord.GuildID)

	var err error

	if c.Engine.Timeout, err = getDuration("SD_API_TIMEOUT", c.Engine.Timeout); err != nil {
		return err
	}

	if c.Session.TTL, err = getDuration("SESSION_TTL", c.Session.TTL); err != nil {
		return err
	}

	if c.Engine.QueueSize, err = getInt("QUEUE_SIZE", c.Engine.QueueSize); err != nil {
		return err
	}

	if v := os.Getenv("DEVELOPMENT"); v != "" {
		c.Logging.Development, err = strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEVELOPMENT: %w", err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Engine.Kind {
	case EngineA1111:
		if c.Engine.Host == "" {
			return errors.New("engine host is required for the a1111 engine")
		}
	case EngineStub:
	default:
		return fmt.Errorf("unknown engine kind %q", c.Engine.Kind)
	}

	if c.Engine.QueueSize < 1 {
		return errors.New("queue size must be at least 1")
	}

	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}

	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	return n, nil
}
