// Package radio plays direct audio links: internet radio streams and plain
// audio files served over http.
package radio

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/keshon/cadence/internal/music/sources"
)

type RadioSource struct {
	resolver *RadioResolver
}

func New() *RadioSource {
	return &RadioSource{resolver: NewRadioResolver()}
}

// NewWithResolver is used by tests to point the source at a local server.
func NewWithResolver(r *RadioResolver) *RadioSource {
	return &RadioSource{resolver: r}
}

// Match only looks at the shape of the input; Resolve does the network check.
func (r *RadioSource) Match(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

func (r *RadioSource) SourceName() string {
	return sources.SourceRadio
}

func (r *RadioSource) Resolve(ctx context.Context, input string) (sources.TrackInfo, error) {
	input = strings.TrimSpace(input)
	if isPlaylistFile(input) {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: station playlist files", sources.ErrUnsupportedSource)}
	}

	p, err := r.resolver.Probe(ctx, input)
	if err != nil {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: %v", sources.ErrNotFound, err)}
	}
	if !isAllowedType(p.ContentType) {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: content-type %q", sources.ErrUnsupportedSource, p.ContentType)}
	}

	return sources.TrackInfo{
		URL:        p.FinalURL,
		Title:      displayName(p),
		SourceName: sources.SourceRadio,
		Stream: sources.StreamDescriptor{
			Source: sources.SourceRadio,
			Ref:    p.FinalURL,
			Format: p.ContentType,
		},
	}, nil
}

func (r *RadioSource) Open(ctx context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error) {
	return r.resolver.Stream(ctx, desc.Ref)
}
