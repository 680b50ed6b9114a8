// /internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is threaded explicitly through the registry, sessions and adapters.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`

	CacheDir      string `env:"CACHE_DIR" envDefault:"cache"`
	DecoderPath   string `env:"DECODER_PATH" envDefault:"ffmpeg"`
	YtdlpPath     string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	YtdlpCache    bool   `env:"YTDLP_CACHE" envDefault:"false"`
	ProviderProxy string `env:"PROVIDER_PROXY"`

	FrameBytes      int           `env:"FRAME_BYTES" envDefault:"3840"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	MaxSinkFailures int           `env:"MAX_SINK_FAILURES" envDefault:"3"`

	EnrichEndpoint string        `env:"ENRICH_ENDPOINT" envDefault:"https://api.song.link/v1-alpha.1/links"`
	EnrichTimeout  time.Duration `env:"ENRICH_TIMEOUT" envDefault:"3s"`

	QueueListLimit   int           `env:"QUEUE_LIST_LIMIT" envDefault:"25"`
	NotifyBuffer     int           `env:"NOTIFY_BUFFER" envDefault:"32"`
	VoiceSendTimeout time.Duration `env:"VOICE_SEND_TIMEOUT" envDefault:"1s"`
	CommandCacheDir  string        `env:"COMMAND_CACHE_DIR" envDefault:"data/commands"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
}

// Load reads .env (if any) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Msg("no .env file found, falling back to system environment variables")
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no
// environment consulted.
func Default() *Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(err)
	}
	return &cfg
}

// Validate reports values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.FrameBytes <= 0 || c.FrameBytes%4 != 0 {
		errs = append(errs, fmt.Errorf("FRAME_BYTES must be a positive multiple of 4, got %d", c.FrameBytes))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.MaxSinkFailures < 1 {
		errs = append(errs, fmt.Errorf("MAX_SINK_FAILURES must be at least 1, got %d", c.MaxSinkFailures))
	}
	if c.DecoderPath == "" {
		errs = append(errs, errors.New("DECODER_PATH is empty"))
	}
	if c.QueueListLimit < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_LIST_LIMIT must be at least 1, got %d", c.QueueListLimit))
	}
	if c.VoiceSendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("VOICE_SEND_TIMEOUT must be positive, got %s", c.VoiceSendTimeout))
	}
	return errors.Join(errs...)
}

// RequireDiscord checks the settings only the Discord binary needs.
func (c *Config) RequireDiscord() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is not set")
	}
	return nil
}
