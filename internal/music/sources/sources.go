// Package sources turns user input into playable tracks and reopens their audio.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	SourceYouTube = "youtube"
	SourceYtdlp   = "ytdlp"
	SourceRadio   = "radio"
)

var (
	ErrNotFound          = errors.New("track not found")
	ErrUnsupportedSource = errors.New("unsupported source")
)

// ResolutionError reports why an input could not be turned into a track.
type ResolutionError struct {
	URI string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.URI, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StreamDescriptor is an opaque handle the owning source uses to re-fetch audio.
type StreamDescriptor struct {
	Source string
	Ref    string
	Format string
}

// TrackInfo is resolved track metadata.
type TrackInfo struct {
	URL          string
	Title        string
	Author       string
	ThumbnailURL string
	Duration     time.Duration
	SourceName   string
	Stream       StreamDescriptor
}

type Source interface {
	// Match checks if this source can handle the given input
	Match(input string) bool

	// Resolve turns an input into a playable track
	Resolve(ctx context.Context, input string) (TrackInfo, error)

	// Open returns the compressed audio for a descriptor this source produced
	Open(ctx context.Context, desc StreamDescriptor) (io.ReadCloser, error)

	// SourceName returns the string identifier ("youtube", "radio", etc.)
	SourceName() string
}
