package player

import (
	"context"
	"errors"
	"io"

	"github.com/keshon/cadence/internal/music/sources"
)

// Re-exported so callers of the player only need one import for resolution errors.
type ResolutionError = sources.ResolutionError

var (
	ErrNotFound          = sources.ErrNotFound
	ErrUnsupportedSource = sources.ErrUnsupportedSource
)

var (
	// ErrSinkWrite is a failed frame write; the entry is abandoned.
	ErrSinkWrite = errors.New("sink write failed")
	// ErrSinkClosed means the sink is gone for good; the session stops.
	ErrSinkClosed = errors.New("sink closed")
)

// MediaProvider resolves user input and reopens audio for queued entries.
type MediaProvider interface {
	Resolve(ctx context.Context, uri string) (sources.TrackInfo, error)
	Open(ctx context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error)
}

// Enricher finds a cross-platform link for a track. Failures are reported
// as ok=false and never surface as errors.
type Enricher interface {
	FindLink(ctx context.Context, hint, title string) (string, bool)
}

// Notifier receives presentation events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Sink is where decoded PCM goes: a voice connection or local speakers.
type Sink interface {
	Write(pcm []byte) error
	SetSpeaking(speaking bool) error
	Disconnect() error
}

// Flusher is implemented by sinks that hold back a partial frame between
// writes. Flush(true) pads and sends it, Flush(false) drops it. The loop calls
// it when an entry that reached the sink ends.
type Flusher interface {
	Flush(send bool) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
