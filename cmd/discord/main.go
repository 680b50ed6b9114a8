// cmd/discord/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/app"
	"github.com/keshon/cadence/internal/config"
	"github.com/keshon/cadence/internal/discord"
	"github.com/keshon/cadence/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err := cfg.RequireDiscord(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("discord bot error")
	}
	logger.Info().Msg("discord bot exited cleanly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("decoder", cfg.DecoderPath).Str("cache_dir", cfg.CacheDir).Msg("starting cadence bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dg, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	notifier := discord.NewNotifier(dg, cfg.NotifyBuffer, logger)

	engine, err := app.NewEngine(context.Background(), cfg, notifier, logger)
	if err != nil {
		return err
	}
	bot, err := discord.New(dg, engine.Controller, notifier, cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
