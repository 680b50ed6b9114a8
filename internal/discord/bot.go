// Package discord adapts the music engine to Discord: slash commands in,
// embeds and Opus voice out.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/keshon/cadence/internal/config"
	"github.com/keshon/cadence/internal/music/controller"
	"github.com/keshon/cadence/pkg/cmd"
)

const (
	commandTimeout  = 2 * time.Minute
	shutdownTimeout = 15 * time.Second
)

// Bot is a Discord bot
type Bot struct {
	ctx      context.Context
	dg       *discordgo.Session
	ctrl     *controller.Controller
	notifier *Notifier
	commands *cmd.Registry
	hashes   commandCache
	cfg      *config.Config
	log      zerolog.Logger
}

// NewSession creates the gateway session with the intents the bot needs.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	return dg, nil
}

func New(dg *discordgo.Session, ctrl *controller.Controller, notifier *Notifier, cfg *config.Config, logger zerolog.Logger) (*Bot, error) {
	b := &Bot{
		ctx:      context.Background(),
		dg:       dg,
		ctrl:     ctrl,
		notifier: notifier,
		hashes:   commandCache{dir: cfg.CommandCacheDir},
		cfg:      cfg,
		log:      logger.With().Str("module", "discord").Logger(),
	}
	commands, err := b.buildCommands()
	if err != nil {
		return nil, err
	}
	b.commands = commands
	return b, nil
}

// Run connects to the gateway and blocks until ctx is done, then closes every
// session before disconnecting.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx

	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onGuildCreate)
	b.dg.AddHandler(b.onInteractionCreate)
	b.dg.AddHandler(b.onVoiceStateUpdate)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	// notifications outlive ctx so shutdown messages still go out
	nctx, stopNotifier := context.WithCancel(context.Background())
	var wg conc.WaitGroup
	wg.Go(func() { b.notifier.Run(nctx) })

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, cleaning up")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := b.ctrl.Shutdown(sctx)

	stopNotifier()
	wg.Wait()
	return err
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	for _, g := range r.Guilds {
		if err := b.registerCommands(g.ID); err != nil {
			b.log.Error().Err(err).Str("guild_id", g.ID).Msg("failed to register slash commands")
		}
	}
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord bot is running")
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if err := b.registerCommands(g.Guild.ID); err != nil {
		b.log.Error().Err(err).Str("guild_id", g.Guild.ID).Msg("failed to register slash commands")
	}
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	c := b.commands.Get(data.Name)
	if c == nil {
		b.log.Warn().Str("command", data.Name).Msg("unknown command")
		return
	}

	inv := &cmd.Invocation{GuildID: i.GuildID, Data: &slashContext{s: s, i: i}}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID = i.Member.User.ID
	case i.User != nil:
		inv.UserID = i.User.ID
	}
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			inv.Args = append(inv.Args, opt.StringValue())
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := c.Run(ctx, inv); err != nil {
		if rerr := slash(inv).replyEphemeral(errorEmbed(err)); rerr != nil {
			b.log.Warn().Err(rerr).Str("command", data.Name).Msg("failed to send error reply")
		}
	}
}

// onVoiceStateUpdate tears the session down when the bot is disconnected
// from voice by someone else.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if s.State.User == nil || v.UserID != s.State.User.ID || v.ChannelID != "" {
		return
	}
	guildID := toID(v.GuildID)
	if !b.ctrl.SessionExists(guildID) {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, leaveTimeout)
	defer cancel()
	if err := b.ctrl.Leave(ctx, guildID); err != nil && !errors.Is(err, controller.ErrNotConnected) {
		b.log.Warn().Err(err).Str("guild_id", v.GuildID).Msg("cleanup after voice disconnect failed")
		return
	}
	b.log.Info().Str("guild_id", v.GuildID).Msg("disconnected from voice, session closed")
}

// connect joins channelID and binds a new session to the voice connection.
func (b *Bot) connect(ctx context.Context, guildID, channelID string) error {
	vc, err := b.dg.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	sink, err := NewVoiceSink(vc, b.cfg.VoiceSendTimeout)
	if err != nil {
		_ = vc.Disconnect()
		return err
	}
	if !b.ctrl.Join(ctx, toID(guildID), toID(channelID), sink) {
		// lost a race with another join; the voice connection is shared
		b.log.Debug().Str("guild_id", guildID).Msg("session created concurrently")
	}
	return nil
}

// registerCommands creates or updates the guild's slash commands, skipping
// the ones whose definition hash has not changed.
func (b *Bot) registerCommands(guildID string) error {
	appID := b.dg.State.User.ID
	if appID == "" {
		user, err := b.dg.User("@me")
		if err != nil {
			return err
		}
		appID = user.ID
	}

	existing, err := b.dg.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}
	hashes := b.hashes.load(guildID)

	wanted := make(map[string]*discordgo.ApplicationCommand)
	for _, c := range b.commands.GetAll() {
		if def := definitionOf(c); def != nil {
			wanted[def.Name] = def
		}
	}

	present := make(map[string]bool)
	for _, old := range existing {
		if _, ok := wanted[old.Name]; !ok {
			b.log.Info().Str("guild_id", guildID).Str("command", old.Name).Msg("deleting obsolete command")
			if err := b.dg.ApplicationCommandDelete(appID, guildID, old.ID); err != nil {
				b.log.Warn().Err(err).Str("guild_id", guildID).Str("command", old.Name).Msg("failed to delete command")
			}
			delete(hashes, old.Name)
			continue
		}
		present[old.Name] = true
	}

	names := make([]string, 0, len(wanted))
	for name := range wanted {
		names = append(names, name)
	}
	sort.Strings(names)

	lim := rate.NewLimiter(rate.Limit(5), 1)
	for _, name := range names {
		def := wanted[name]
		h := hashCommand(def)
		if present[name] && hashes[name] == h {
			continue
		}
		if err := lim.Wait(b.ctx); err != nil {
			return err
		}
		if _, err := b.dg.ApplicationCommandCreate(appID, guildID, def); err != nil {
			b.log.Error().Err(err).Str("guild_id", guildID).Str("command", name).Msg("can't create command")
			continue
		}
		hashes[name] = h
		b.log.Info().Str("guild_id", guildID).Str("command", name).Msg("command registered")
	}

	return b.hashes.save(guildID, hashes)
}
