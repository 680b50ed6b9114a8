// Package controller is the command surface of the music engine. Adapters
// (the Discord bot, the CLI) call it; it owns no goroutines of its own.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/cache"
	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/source_resolver"
	"github.com/keshon/cadence/internal/music/sources"
)

var (
	// ErrNotConnected means the guild has no session.
	ErrNotConnected = errors.New("not connected to a voice channel")
	ErrEmptyInput   = errors.New("nothing to play")
)

// Requester identifies who asked for a track and where replies should go.
type Requester struct {
	Name          string
	ID            snowflake.ID
	TextChannelID snowflake.ID
}

type Controller struct {
	registry *player.Registry
	provider player.MediaProvider
	cacheDir string
	log      zerolog.Logger
}

// New wires a controller over reg. provider must be the same one reg uses
// to open streams; cacheDir may be empty when nothing is spooled to disk.
func New(reg *player.Registry, provider player.MediaProvider, cacheDir string, logger zerolog.Logger) *Controller {
	return &Controller{
		registry: reg,
		provider: provider,
		cacheDir: cacheDir,
		log:      logger.With().Str("module", "music.controller").Logger(),
	}
}

// Join creates a session for guildID bound to sink. It reports false, and
// leaves the existing session untouched, when the guild already has one.
func (c *Controller) Join(ctx context.Context, guildID, channelID snowflake.ID, sink player.Sink) bool {
	_, created := c.registry.Register(guildID, sink, channelID)
	if !created {
		c.log.Debug().Str("guild_id", guildID.String()).Msg("join ignored, session exists")
	}
	return created
}

// Leave stops the guild's session and waits for it to release the decoder
// and the sink. The cache is purged once no session is left.
func (c *Controller) Leave(ctx context.Context, guildID snowflake.ID) error {
	sess, ok := c.registry.Unregister(guildID)
	if !ok {
		return ErrNotConnected
	}
	if err := sess.Close(ctx); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	c.log.Info().Str("guild_id", guildID.String()).Msg("left voice channel")

	if c.registry.Len() == 0 {
		if _, err := cache.Purge(c.cacheDir, c.log); err != nil {
			c.log.Warn().Err(err).Str("dir", c.cacheDir).Msg("cache purge incomplete")
		}
	}
	return nil
}

// Play resolves uri and appends it to the guild's queue. Resolution happens
// before any session state is touched, so a failed lookup changes nothing.
// The returned position is 1-based and counts the entry playing now.
func (c *Controller) Play(ctx context.Context, guildID snowflake.ID, uri string, req Requester) (queue.Entry, int, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return queue.Entry{}, 0, ErrEmptyInput
	}
	if !c.SessionExists(guildID) {
		return queue.Entry{}, 0, ErrNotConnected
	}
	if source_resolver.IsPlaylistLink(uri) {
		return queue.Entry{}, 0, &sources.ResolutionError{URI: uri, Err: sources.ErrUnsupportedSource}
	}

	track, err := c.provider.Resolve(ctx, uri)
	if err != nil {
		c.log.Info().Err(err).Str("guild_id", guildID.String()).Str("input", uri).Msg("resolve failed")
		return queue.Entry{}, 0, err
	}

	// the session may have gone while we were resolving
	sess, ok := c.registry.Lookup(guildID)
	if !ok {
		return queue.Entry{}, 0, ErrNotConnected
	}

	entry := queue.NewEntry(uri, track, req.Name)
	entry.RequesterID = req.ID
	entry.TextChannelID = req.TextChannelID

	pos, err := sess.Enqueue(entry)
	if err != nil {
		if errors.Is(err, player.ErrSessionStopped) {
			return queue.Entry{}, 0, ErrNotConnected
		}
		return queue.Entry{}, 0, err
	}
	return entry, pos, nil
}

// Pause on an already paused session is a silent no-op.
func (c *Controller) Pause(guildID snowflake.ID) error {
	sess, err := c.session(guildID)
	if err != nil {
		return err
	}
	if err := sess.Pause(); err != nil && !errors.Is(err, player.ErrAlreadyPaused) {
		return err
	}
	return nil
}

func (c *Controller) Resume(guildID snowflake.ID) error {
	sess, err := c.session(guildID)
	if err != nil {
		return err
	}
	return sess.Resume()
}

func (c *Controller) Skip(guildID snowflake.ID) error {
	sess, err := c.session(guildID)
	if err != nil {
		return err
	}
	return sess.Skip()
}

// ListQueue returns a snapshot of the guild's queue, head first.
func (c *Controller) ListQueue(guildID snowflake.ID) []queue.Entry {
	sess, ok := c.registry.Lookup(guildID)
	if !ok {
		return nil
	}
	return sess.Queue().Snapshot()
}

// IsChannelMember reports whether the guild's session plays into channelID.
func (c *Controller) IsChannelMember(guildID, channelID snowflake.ID) bool {
	sess, ok := c.registry.Lookup(guildID)
	return ok && sess.ChannelID() == channelID
}

func (c *Controller) SessionExists(guildID snowflake.ID) bool {
	_, ok := c.registry.Lookup(guildID)
	return ok
}

func (c *Controller) QueueSize(guildID snowflake.ID) int {
	sess, ok := c.registry.Lookup(guildID)
	if !ok {
		return 0
	}
	return sess.Queue().Size()
}

func (c *Controller) NowPlaying(guildID snowflake.ID) (queue.Entry, bool) {
	sess, ok := c.registry.Lookup(guildID)
	if !ok {
		return queue.Entry{}, false
	}
	return sess.NowPlaying()
}

// Shutdown closes every session and purges the cache.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.registry.CloseAll(ctx)
	if _, perr := cache.Purge(c.cacheDir, c.log); perr != nil {
		c.log.Warn().Err(perr).Str("dir", c.cacheDir).Msg("cache purge incomplete")
	}
	return err
}

func (c *Controller) session(guildID snowflake.ID) (*player.Session, error) {
	sess, ok := c.registry.Lookup(guildID)
	if !ok {
		return nil, ErrNotConnected
	}
	return sess, nil
}
