package player

import (
	"github.com/disgoorg/snowflake/v2"

	"github.com/keshon/cadence/internal/music/queue"
)

type EventKind int

const (
	EventAdded EventKind = iota
	EventNowPlaying
	EventNowPlayingEnded
	EventTrackFailed
	EventQueueEmpty
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventNowPlaying:
		return "now_playing"
	case EventNowPlayingEnded:
		return "now_playing_ended"
	case EventTrackFailed:
		return "track_failed"
	case EventQueueEmpty:
		return "queue_empty"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is handed to the Notifier. Which fields are set depends on Kind:
// Position for Added, Link for NowPlaying, Err for TrackFailed and Stopped,
// Discarded for Stopped.
type Event struct {
	Kind      EventKind
	GuildID   snowflake.ID
	Entry     queue.Entry
	Position  int
	Link      string
	Err       error
	Discarded int
}
