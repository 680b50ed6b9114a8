package discord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/pkg/util"
)

// messenger is the slice of *discordgo.Session the notifier posts through.
type messenger interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

type postedMessage struct {
	channelID string
	messageID string
}

// Notifier turns playback events into chat embeds. Notify only enqueues;
// Run does the posting, so a slow Discord API never stalls a playback loop.
// Events that do not fit in the buffer are dropped.
type Notifier struct {
	api    messenger
	events chan player.Event
	log    zerolog.Logger

	mu         sync.Mutex
	channels   map[snowflake.ID]snowflake.ID // last text channel per guild
	nowPlaying map[snowflake.ID]postedMessage

	dropped atomic.Int64
}

func NewNotifier(api messenger, buffer int, logger zerolog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 32
	}
	return &Notifier{
		api:        api,
		events:     make(chan player.Event, buffer),
		log:        logger.With().Str("module", "discord.notifier").Logger(),
		channels:   make(map[snowflake.ID]snowflake.ID),
		nowPlaying: make(map[snowflake.ID]postedMessage),
	}
}

func (n *Notifier) Notify(e player.Event) {
	select {
	case n.events <- e:
	default:
		n.dropped.Add(1)
		n.log.Warn().Str("guild_id", e.GuildID.String()).Str("event", e.Kind.String()).Msg("notification dropped, buffer full")
	}
}

// Dropped counts events lost to a full buffer.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Run posts events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.events:
			n.handle(e)
		}
	}
}

func (n *Notifier) handle(e player.Event) {
	channelID := n.channelFor(e)
	if channelID == 0 {
		n.log.Debug().Str("guild_id", e.GuildID.String()).Str("event", e.Kind.String()).Msg("no text channel for event")
		return
	}

	if e.Kind == player.EventNowPlayingEnded {
		n.deleteNowPlaying(e.GuildID)
		return
	}

	embed := renderEvent(e)
	if embed == nil {
		return
	}
	msg, err := n.api.ChannelMessageSendEmbed(channelID.String(), embed)
	if err != nil {
		n.log.Warn().Err(err).Str("guild_id", e.GuildID.String()).Str("event", e.Kind.String()).Msg("failed to post notification")
		return
	}
	if e.Kind == player.EventNowPlaying && msg != nil {
		n.mu.Lock()
		n.nowPlaying[e.GuildID] = postedMessage{channelID: msg.ChannelID, messageID: msg.ID}
		n.mu.Unlock()
	}
	if e.Kind == player.EventStopped {
		n.forget(e.GuildID)
	}
}

// channelFor remembers where the guild's last request came from so events
// without an entry (QueueEmpty, Stopped) land in the same place.
func (n *Notifier) channelFor(e player.Event) snowflake.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.Entry.TextChannelID != 0 {
		n.channels[e.GuildID] = e.Entry.TextChannelID
	}
	return n.channels[e.GuildID]
}

func (n *Notifier) deleteNowPlaying(guildID snowflake.ID) {
	n.mu.Lock()
	posted, ok := n.nowPlaying[guildID]
	delete(n.nowPlaying, guildID)
	n.mu.Unlock()
	if !ok {
		return
	}
	if err := n.api.ChannelMessageDelete(posted.channelID, posted.messageID); err != nil {
		n.log.Debug().Err(err).Str("guild_id", guildID.String()).Msg("failed to delete now playing message")
	}
}

func (n *Notifier) forget(guildID snowflake.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.channels, guildID)
	delete(n.nowPlaying, guildID)
}

// renderEvent builds the embed for e, or nil for events that are not shown.
func renderEvent(e player.Event) *discordgo.MessageEmbed {
	track := e.Entry.Track
	switch e.Kind {
	case player.EventAdded:
		embed := newEmbed()
		embed.Title = "Added song!"
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Title", Value: trackLink(track.Title, track.URL)},
			{Name: "Length", Value: util.FormatMinSec(track.Duration)},
			{Name: "Uploader", Value: orUnknown(track.Author)},
			{Name: "Queue Position", Value: fmt.Sprint(e.Position)},
		}
		setThumbnail(embed, track.ThumbnailURL)
		return embed

	case player.EventNowPlaying:
		embed := newEmbed()
		embed.Title = "Now Playing!"
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Title", Value: trackLink(track.Title, track.URL)},
			{Name: "Length", Value: util.FormatClock(track.Duration)},
		}
		if e.Entry.Requester != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Requested by", Value: e.Entry.Requester})
		}
		if e.Link != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Music Platforms",
				Value: fmt.Sprintf("[Listen on Spotify](%s)", e.Link),
			})
		}
		setThumbnail(embed, track.ThumbnailURL)
		return embed

	case player.EventTrackFailed:
		return fieldEmbed("Couldn't play that one!", fmt.Sprintf("Skipping %s.", trackLink(track.Title, track.URL)))

	case player.EventQueueEmpty:
		return fieldEmbed("That's all folks!", "Spin up some more songs with the play command!")

	case player.EventStopped:
		detail := "The voice connection was lost."
		if e.Discarded > 0 {
			detail = fmt.Sprintf("The voice connection was lost and %d queued song(s) were dropped.", e.Discarded)
		}
		return fieldEmbed("Playback stopped!", detail)
	}
	return nil
}

func trackLink(title, url string) string {
	switch {
	case title != "" && url != "":
		return fmt.Sprintf("[%s](%s)", title, url)
	case title != "":
		return title
	case url != "":
		return url
	}
	return "Unknown track"
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func setThumbnail(embed *discordgo.MessageEmbed, url string) {
	if url != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: url}
	}
}
