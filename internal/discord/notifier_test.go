package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/sources"
)

type sent struct {
	channelID string
	embed     *discordgo.MessageEmbed
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sent
	deleted []string
	nextID  int
}

func (f *fakeMessenger) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{channelID, embed})
	return &discordgo.Message{ID: "m" + string(rune('0'+f.nextID)), ChannelID: channelID}, nil
}

func (f *fakeMessenger) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeMessenger) snapshot() ([]sent, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...), append([]string(nil), f.deleted...)
}

const (
	testGuild   = snowflake.ID(10)
	textChannel = snowflake.ID(20)
)

func testEntry() queue.Entry {
	e := queue.NewEntry("song", sources.TrackInfo{
		URL:      "https://www.youtube.com/watch?v=abc",
		Title:    "Song",
		Author:   "Band",
		Duration: 187 * time.Second,
	}, "alice")
	e.TextChannelID = textChannel
	return e
}

func TestNotifierLifecycle(t *testing.T) {
	api := &fakeMessenger{}
	n := NewNotifier(api, 16, zerolog.Nop())
	entry := testEntry()

	n.Notify(player.Event{Kind: player.EventAdded, GuildID: testGuild, Entry: entry, Position: 1})
	n.Notify(player.Event{Kind: player.EventNowPlaying, GuildID: testGuild, Entry: entry, Link: "https://open.spotify.com/track/x"})
	n.Notify(player.Event{Kind: player.EventNowPlayingEnded, GuildID: testGuild, Entry: entry})
	n.Notify(player.Event{Kind: player.EventQueueEmpty, GuildID: testGuild})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, _ := api.snapshot()
		if len(msgs) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want 3", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs, deleted := api.snapshot()
	if msgs[0].embed.Title != "Added song!" || msgs[1].embed.Title != "Now Playing!" {
		t.Fatalf("titles = %q, %q", msgs[0].embed.Title, msgs[1].embed.Title)
	}
	if msgs[2].embed.Fields[0].Name != "That's all folks!" {
		t.Fatalf("queue empty embed = %+v", msgs[2].embed.Fields[0])
	}
	for _, m := range msgs {
		if m.channelID != textChannel.String() {
			t.Fatalf("posted to %s, want %s", m.channelID, textChannel)
		}
	}
	if len(deleted) != 1 || deleted[0] != textChannel.String()+"/m2" {
		t.Fatalf("deleted = %v, want the now playing message", deleted)
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	n := NewNotifier(&fakeMessenger{}, 1, zerolog.Nop())
	n.Notify(player.Event{Kind: player.EventQueueEmpty, GuildID: testGuild})
	n.Notify(player.Event{Kind: player.EventQueueEmpty, GuildID: testGuild})
	n.Notify(player.Event{Kind: player.EventQueueEmpty, GuildID: testGuild})
	if n.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", n.Dropped())
	}
}

func fieldValue(embed *discordgo.MessageEmbed, name string) (string, bool) {
	for _, f := range embed.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func TestRenderEvent(t *testing.T) {
	entry := testEntry()

	added := renderEvent(player.Event{Kind: player.EventAdded, Entry: entry, Position: 3})
	if v, _ := fieldValue(added, "Queue Position"); v != "3" {
		t.Fatalf("queue position = %q", v)
	}
	if v, _ := fieldValue(added, "Length"); v != "3 min 7 secs" {
		t.Fatalf("length = %q", v)
	}
	if v, _ := fieldValue(added, "Title"); v != "[Song](https://www.youtube.com/watch?v=abc)" {
		t.Fatalf("title = %q", v)
	}

	playing := renderEvent(player.Event{Kind: player.EventNowPlaying, Entry: entry, Link: "https://open.spotify.com/track/x"})
	if v, ok := fieldValue(playing, "Music Platforms"); !ok || !strings.Contains(v, "Listen on Spotify") {
		t.Fatalf("music platforms = %q, %v", v, ok)
	}
	plain := renderEvent(player.Event{Kind: player.EventNowPlaying, Entry: entry})
	if _, ok := fieldValue(plain, "Music Platforms"); ok {
		t.Fatal("no link should mean no platforms field")
	}

	stopped := renderEvent(player.Event{Kind: player.EventStopped, Discarded: 2})
	if !strings.Contains(stopped.Fields[0].Value, "2 queued") {
		t.Fatalf("stopped = %q", stopped.Fields[0].Value)
	}

	if renderEvent(player.Event{Kind: player.EventNowPlayingEnded}) != nil {
		t.Fatal("now playing ended is not rendered")
	}
}

func TestQueueEmbed(t *testing.T) {
	if e := queueEmbed(nil, 25); e.Fields[0].Name != "The queue is empty!" {
		t.Fatalf("empty queue embed = %+v", e.Fields[0])
	}

	var entries []queue.Entry
	for range 4 {
		entries = append(entries, testEntry())
	}
	e := queueEmbed(entries, 2)
	if len(e.Fields) != 2 {
		t.Fatalf("%d fields, want 2", len(e.Fields))
	}
	if e.Fields[0].Name != "1: Song" || !strings.HasPrefix(e.Fields[0].Value, "Length: 3:07") {
		t.Fatalf("field = %+v", e.Fields[0])
	}
	if !strings.Contains(e.Footer.Text, "4 song(s)") || !strings.Contains(e.Footer.Text, "12:28") {
		t.Fatalf("footer = %q", e.Footer.Text)
	}
}
