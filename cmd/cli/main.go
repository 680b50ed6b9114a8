// cmd/cli/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keshon/cadence/internal/app"
	"github.com/keshon/cadence/internal/config"
	"github.com/keshon/cadence/internal/logging"
	"github.com/keshon/cadence/internal/music/controller"
	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/stream"
	"github.com/keshon/cadence/internal/speaker"
	"github.com/keshon/cadence/pkg/util"
)

// the CLI drives a single session
const localGuild = snowflake.ID(1)

var (
	cfg    *config.Config
	logger zerolog.Logger

	bufferSize time.Duration
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:          "cadence",
	Short:        "Play music through the cadence engine without Discord",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger = logging.Setup(logging.Options{
			Level:      cfg.LogLevel,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play <uri>...",
	Short: "Queue one or more links or searches and play them on the speakers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlay,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <uri>",
	Short: "Print what a link or search resolves to",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	playCmd.Flags().DurationVar(&bufferSize, "buffer", 100*time.Millisecond, "speaker buffer size")
	resolveCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	rootCmd.AddCommand(playCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the queue running dry or the sink going away ends the program
	finished := make(chan struct{}, 1)
	notifier := player.NotifierFunc(func(e player.Event) {
		switch e.Kind {
		case player.EventNowPlaying:
			fmt.Fprintf(cmd.OutOrStdout(), "▶ %s [%s]\n", e.Entry.Track.Title, util.FormatClock(e.Entry.Track.Duration))
			if e.Link != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  listen on spotify: %s\n", e.Link)
			}
		case player.EventTrackFailed:
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", e.Entry.Track.Title, e.Err)
		case player.EventQueueEmpty, player.EventStopped:
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})

	engine, err := app.NewEngine(context.Background(), cfg, notifier, logger)
	if err != nil {
		return err
	}
	sink, err := speaker.New(bufferSize, logger)
	if err != nil {
		return err
	}
	engine.Controller.Join(ctx, localGuild, localGuild, sink)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Controller.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	queued := 0
	for _, uri := range args {
		entry, pos, err := engine.Controller.Play(ctx, localGuild, uri, controller.Requester{Name: "cli"})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %q: %v\n", uri, err)
			continue
		}
		queued++
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", pos, entry.Track.Title)
	}
	if queued == 0 {
		return errors.New("nothing could be queued")
	}

	select {
	case <-finished:
	case <-ctx.Done():
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	track, err := app.NewProvider(cfg, logger).Resolve(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(track)
	}
	fmt.Fprintf(out, "title:    %s\n", track.Title)
	fmt.Fprintf(out, "author:   %s\n", track.Author)
	fmt.Fprintf(out, "duration: %s\n", util.FormatClock(track.Duration))
	fmt.Fprintf(out, "url:      %s\n", track.URL)
	fmt.Fprintf(out, "source:   %s (%s)\n", track.SourceName, track.Stream.Source)
	if track.Duration > 0 {
		pcm := track.Duration.Seconds() * stream.SampleRate * stream.Channels * 2
		fmt.Fprintf(out, "pcm size: %s\n", humanize.Bytes(uint64(pcm)))
	}
	return nil
}
