// Package app assembles the music engine from configuration. Both binaries
// build on it and only add their own sink and notifier.
package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/config"
	"github.com/keshon/cadence/internal/music/cache"
	"github.com/keshon/cadence/internal/music/controller"
	"github.com/keshon/cadence/internal/music/enrich"
	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/source_resolver"
	"github.com/keshon/cadence/internal/music/sources/radio"
	"github.com/keshon/cadence/internal/music/sources/youtube"
	"github.com/keshon/cadence/internal/music/sources/ytdlp"
)

type Engine struct {
	Provider   *source_resolver.SourceResolver
	Registry   *player.Registry
	Controller *controller.Controller
}

// NewProvider builds the source chain: YouTube through kkdai, radio streams
// over plain HTTP, and yt-dlp for search and everything else.
func NewProvider(cfg *config.Config, logger zerolog.Logger) *source_resolver.SourceResolver {
	yt := youtube.New(youtube.NewClient(cfg.ProviderProxy, logger), logger)
	dlp := ytdlp.New(ytdlp.Options{
		Executable: cfg.YtdlpPath,
		Proxy:      cfg.ProviderProxy,
		CacheDir:   cfg.CacheDir,
		Spool:      cfg.YtdlpCache,
	}, logger)
	return source_resolver.New(yt, radio.New(), dlp, logger)
}

// NewEngine wires provider, enrichment, registry and controller. Sessions
// are closed through the controller, not by cancelling ctx.
func NewEngine(ctx context.Context, cfg *config.Config, notifier player.Notifier, logger zerolog.Logger) (*Engine, error) {
	if err := cache.Ensure(cfg.CacheDir); err != nil {
		return nil, err
	}

	provider := NewProvider(cfg, logger)
	enricher := enrich.New(cfg.EnrichEndpoint, logger)
	reg := player.NewRegistry(ctx, provider, enricher, notifier, player.OptionsFromConfig(cfg, logger))

	return &Engine{
		Provider:   provider,
		Registry:   reg,
		Controller: controller.New(reg, provider, cfg.CacheDir, logger),
	}, nil
}
