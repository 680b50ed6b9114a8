package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/keshon/cadence/internal/music/controller"
	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/source_resolver"
	"github.com/keshon/cadence/pkg/cmd"
	"github.com/keshon/cadence/pkg/util"
)

const leaveTimeout = 10 * time.Second

// slashContext is the adapter payload carried in cmd.Invocation.Data.
type slashContext struct {
	s        *discordgo.Session
	i        *discordgo.InteractionCreate
	deferred bool
}

func (sc *slashContext) deferReply() error {
	if err := RespondDeferredEphemeral(sc.s, sc.i); err != nil {
		return fmt.Errorf("failed to send deferred response: %w", err)
	}
	sc.deferred = true
	return nil
}

func (sc *slashContext) reply(embed *discordgo.MessageEmbed) error {
	if sc.deferred {
		return FollowupEmbed(sc.s, sc.i, embed)
	}
	return RespondEmbed(sc.s, sc.i, embed)
}

func (sc *slashContext) replyEphemeral(embed *discordgo.MessageEmbed) error {
	if sc.deferred {
		return FollowupEmbedEphemeral(sc.s, sc.i, embed)
	}
	return RespondEmbedEphemeral(sc.s, sc.i, embed)
}

func slash(inv *cmd.Invocation) *slashContext {
	sc, _ := inv.Data.(*slashContext)
	return sc
}

// slashCommand is a cmd.Func plus the options Discord renders for it.
type slashCommand struct {
	cmd.Func
	options []*discordgo.ApplicationCommandOption
}

func (c *slashCommand) definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        c.Name(),
		Description: c.Description(),
		Type:        discordgo.ChatApplicationCommand,
		Options:     c.options,
	}
}

// definitionOf looks through middleware wrappers for a slash definition.
func definitionOf(c cmd.Command) *discordgo.ApplicationCommand {
	if sc, ok := cmd.Root(c).(*slashCommand); ok {
		return sc.definition()
	}
	return nil
}

// refusal is a precondition failure shown to the caller as-is.
type refusal struct {
	title  string
	detail string
}

func (r *refusal) Error() string { return r.title + " " + r.detail }
func (r *refusal) Unwrap() error { return cmd.ErrUsage }

func refuse(title, detail string) error {
	return &refusal{title: title, detail: detail}
}

func errorEmbed(err error) *discordgo.MessageEmbed {
	var r *refusal
	switch {
	case errors.As(err, &r):
		return fieldEmbed(r.title, r.detail)
	case errors.Is(err, controller.ErrNotConnected):
		return fieldEmbed("I'm not connected!", "Join a voice channel and re-run the command.")
	default:
		return fieldEmbed("Something went wrong!", err.Error())
	}
}

func toID(s string) snowflake.ID {
	id, _ := snowflake.Parse(s)
	return id
}

func displayName(m *discordgo.Member) string {
	switch {
	case m == nil || m.User == nil:
		return ""
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	}
	return m.User.Username
}

// buildCommands registers the commands behind their preconditions.
func (b *Bot) buildCommands() (*cmd.Registry, error) {
	reg := cmd.NewRegistry()
	base := []cmd.Middleware{cmd.WithLogging(b.log), withGuildOnly()}
	inChannel := withSameChannel(b)

	play := &slashCommand{Func: cmd.Func{CmdName: "play", Desc: "Queue a song by link or search", RunFunc: b.runPlay}}
	play.options = []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "input",
		Description: "Link or search query",
		Required:    true,
	}}

	all := []struct {
		c   cmd.Command
		mws []cmd.Middleware
	}{
		{&slashCommand{Func: cmd.Func{CmdName: "join", Desc: "Join your voice channel", RunFunc: b.runJoin}}, nil},
		{&slashCommand{Func: cmd.Func{CmdName: "leave", Desc: "Stop playback and leave the voice channel", RunFunc: b.runLeave}}, []cmd.Middleware{inChannel}},
		{play, nil},
		{&slashCommand{Func: cmd.Func{CmdName: "pause", Desc: "Pause playback", RunFunc: b.runPause}}, []cmd.Middleware{inChannel}},
		{&slashCommand{Func: cmd.Func{CmdName: "resume", Desc: "Resume playback", RunFunc: b.runResume}}, []cmd.Middleware{inChannel}},
		{&slashCommand{Func: cmd.Func{CmdName: "skip", Desc: "Skip the current song", RunFunc: b.runSkip}}, []cmd.Middleware{inChannel}},
		{&slashCommand{Func: cmd.Func{CmdName: "queue", Desc: "Show the queue", RunFunc: b.runQueue}}, []cmd.Middleware{inChannel}},
		{&slashCommand{Func: cmd.Func{CmdName: "help", Desc: "List my commands", RunFunc: b.runHelp}}, nil},
		{&slashCommand{Func: cmd.Func{CmdName: "ping", Desc: "Check that I'm alive and my gateway latency", RunFunc: b.runPing}}, nil},
	}
	for _, e := range all {
		mws := append(append([]cmd.Middleware{}, base...), e.mws...)
		if err := reg.Register(cmd.Apply(e.c, mws...)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (b *Bot) runJoin(ctx context.Context, inv *cmd.Invocation) error {
	sc := slash(inv)
	channelID, err := FindUserVoiceChannel(sc.s, inv.GuildID, inv.UserID)
	if err != nil {
		return refuse("Please first join a channel!", "I join the voice channel you are in.")
	}
	if b.ctrl.SessionExists(toID(inv.GuildID)) {
		return refuse("I'm already connected!", "Drag me to a different room if you want to switch.")
	}
	if err := b.connect(ctx, inv.GuildID, channelID); err != nil {
		return err
	}
	return sc.reply(fieldEmbed("I've Connected!", "Thanks for inviting me!"))
}

func (b *Bot) runLeave(ctx context.Context, inv *cmd.Invocation) error {
	sc := slash(inv)
	guildID := toID(inv.GuildID)
	if b.ctrl.QueueSize(guildID) > 0 && !canKick(sc.i.Member) {
		return refuse("Invalid permissions!", "You need the Kick Members permission to stop a playing queue.")
	}

	ctx, cancel := context.WithTimeout(ctx, leaveTimeout)
	defer cancel()
	if err := b.ctrl.Leave(ctx, guildID); err != nil {
		return err
	}
	return sc.reply(fieldEmbed("I'm off!", "See you next time!"))
}

func (b *Bot) runPlay(ctx context.Context, inv *cmd.Invocation) error {
	sc := slash(inv)
	input := strings.TrimSpace(inv.Arg(0))
	if input == "" {
		return refuse("Nothing to play!", "Give me a link or something to search for.")
	}

	// resolving can take longer than Discord waits for a first response
	if err := sc.deferReply(); err != nil {
		return err
	}

	guildID := toID(inv.GuildID)
	voiceChannel, verr := FindUserVoiceChannel(sc.s, inv.GuildID, inv.UserID)
	if !b.ctrl.SessionExists(guildID) {
		if verr != nil {
			return refuse("I'm not connected!", "Join a voice channel and re-run the command.")
		}
		if err := b.connect(ctx, inv.GuildID, voiceChannel); err != nil {
			return err
		}
	} else if verr != nil || !b.ctrl.IsChannelMember(guildID, toID(voiceChannel)) {
		return refuse("You're not in my channel!", "Join my voice channel to queue songs.")
	}

	entry, pos, err := b.ctrl.Play(ctx, guildID, input, controller.Requester{
		Name:          displayName(sc.i.Member),
		ID:            toID(inv.UserID),
		TextChannelID: toID(sc.i.ChannelID),
	})
	switch {
	case errors.Is(err, player.ErrUnsupportedSource):
		if source_resolver.IsPlaylistLink(input) {
			return refuse("Not yet supported! :-(", "I can't process playlist links yet.")
		}
		return refuse("Not yet supported! :-(", "I can't play from that source.")
	case errors.Is(err, player.ErrNotFound):
		return refuse("Nothing found!", fmt.Sprintf("I couldn't find anything for %q.", input))
	case err != nil:
		return err
	}
	return sc.replyEphemeral(fieldEmbed("Found it!", fmt.Sprintf("%s is number %d in the queue.", trackLink(entry.Track.Title, entry.Track.URL), pos)))
}

func (b *Bot) runPause(ctx context.Context, inv *cmd.Invocation) error {
	err := b.ctrl.Pause(toID(inv.GuildID))
	if errors.Is(err, player.ErrQueueEmpty) {
		return refuse("Nothing is playing!", "Add some songs with the play command!")
	}
	if err != nil {
		return err
	}
	return slash(inv).reply(fieldEmbed("Pausing playback!", "Take a break and recharge!"))
}

func (b *Bot) runResume(ctx context.Context, inv *cmd.Invocation) error {
	err := b.ctrl.Resume(toID(inv.GuildID))
	if errors.Is(err, player.ErrNotPaused) {
		return refuse("I'm not paused!", "Playback is already running.")
	}
	if err != nil {
		return err
	}
	return slash(inv).reply(fieldEmbed("Resuming playback!", "Here come the bangers!"))
}

func (b *Bot) runSkip(ctx context.Context, inv *cmd.Invocation) error {
	guildID := toID(inv.GuildID)
	remaining := b.ctrl.QueueSize(guildID)
	err := b.ctrl.Skip(guildID)
	if errors.Is(err, player.ErrQueueEmpty) {
		return refuse("Nothing to skip!", "The queue is empty.")
	}
	if err != nil {
		return err
	}
	detail := "Spin up some more songs with the play command!"
	if remaining > 1 {
		detail = "Onto the next one..."
	}
	return slash(inv).reply(fieldEmbed("Skipping Song!", detail))
}

func (b *Bot) runQueue(ctx context.Context, inv *cmd.Invocation) error {
	entries := b.ctrl.ListQueue(toID(inv.GuildID))
	return slash(inv).reply(queueEmbed(entries, b.cfg.QueueListLimit))
}

// queueEmbed lists at most limit entries, head first, with m:ss lengths.
func queueEmbed(entries []queue.Entry, limit int) *discordgo.MessageEmbed {
	if len(entries) == 0 {
		return fieldEmbed("The queue is empty!", "Add some songs with the play command!")
	}

	embed := newEmbed()
	embed.Title = fmt.Sprintf("Current Queue (Up to %d)", limit)
	var total time.Duration
	for i, e := range entries {
		total += e.Track.Duration
		if i >= limit {
			continue
		}
		value := "Length: " + util.FormatClock(e.Track.Duration)
		if e.Track.URL != "" {
			value += fmt.Sprintf(" [Open](%s)", e.Track.URL)
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%d: %s", i+1, orUnknown(e.Track.Title)),
			Value: value,
		})
	}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("%d song(s), %s in total", len(entries), util.FormatClock(total)),
	}
	return embed
}
