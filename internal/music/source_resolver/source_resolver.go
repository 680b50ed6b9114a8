// Package source_resolver routes user input to the source that can play it.
package source_resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/sources"
)

// SourceResolver routes YouTube links to the youtube source, other links to
// the radio source when they are direct audio and to yt-dlp otherwise, and
// plain text to yt-dlp search. It implements the player's media provider.
type SourceResolver struct {
	Sources map[string]sources.Source
	log     zerolog.Logger
}

// New wires the given sources by name. Any of them may be nil.
func New(youtube, radio, ytdlp sources.Source, logger zerolog.Logger) *SourceResolver {
	r := &SourceResolver{
		Sources: make(map[string]sources.Source),
		log:     logger.With().Str("module", "music.resolver").Logger(),
	}
	for _, s := range []sources.Source{youtube, radio, ytdlp} {
		if s != nil {
			r.Sources[s.SourceName()] = s
		}
	}
	return r
}

// Resolve turns a link or search query into one track. Playlist links are
// rejected up front.
func (r *SourceResolver) Resolve(ctx context.Context, input string) (sources.TrackInfo, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: sources.ErrNotFound}
	}
	if IsPlaylistLink(input) {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: playlist links", sources.ErrUnsupportedSource)}
	}

	if !isURL(input) {
		return r.resolveWith(ctx, sources.SourceYtdlp, input)
	}

	if yt, ok := r.Sources[sources.SourceYouTube]; ok && yt.Match(input) {
		info, err := yt.Resolve(ctx, input)
		if err == nil || !r.canFallBack(err) {
			return info, err
		}
		r.log.Warn().Err(err).Str("input", input).Msg("youtube lookup failed, falling back to yt-dlp")
		return r.resolveWith(ctx, sources.SourceYtdlp, input)
	}

	if radio, ok := r.Sources[sources.SourceRadio]; ok && radio.Match(input) {
		info, err := radio.Resolve(ctx, input)
		if err == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			return sources.TrackInfo{}, ctx.Err()
		}
		r.log.Debug().Err(err).Str("input", input).Msg("not a direct audio link")
	}

	return r.resolveWith(ctx, sources.SourceYtdlp, input)
}

func (r *SourceResolver) canFallBack(err error) bool {
	if _, ok := r.Sources[sources.SourceYtdlp]; !ok {
		return false
	}
	return !errors.Is(err, sources.ErrUnsupportedSource) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (r *SourceResolver) resolveWith(ctx context.Context, name, input string) (sources.TrackInfo, error) {
	src, ok := r.Sources[name]
	if !ok || !src.Match(input) {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: no source for input", sources.ErrUnsupportedSource)}
	}
	return src.Resolve(ctx, input)
}

// Open hands the descriptor to the source that produced it. A failing
// YouTube stream is retried through yt-dlp.
func (r *SourceResolver) Open(ctx context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error) {
	src, ok := r.Sources[desc.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", sources.ErrUnsupportedSource, desc.Source)
	}

	rc, err := src.Open(ctx, desc)
	if err == nil || desc.Source != sources.SourceYouTube {
		return rc, err
	}

	fallback, ok := r.Sources[sources.SourceYtdlp]
	if !ok || ctx.Err() != nil {
		return nil, err
	}
	r.log.Warn().Err(err).Str("video_id", desc.Ref).Msg("youtube stream failed, falling back to yt-dlp")
	return fallback.Open(ctx, sources.StreamDescriptor{
		Source: sources.SourceYtdlp,
		Ref:    "https://www.youtube.com/watch?v=" + desc.Ref,
	})
}

// IsPlaylistLink reports links to a whole playlist, album or set.
func IsPlaylistLink(input string) bool {
	if !isURL(input) {
		return false
	}
	u, err := url.Parse(input)
	if err != nil {
		return false
	}
	q := u.Query()
	if q.Get("list") != "" && q.Get("v") == "" {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, marker := range []string{"/playlist", "/sets/", "/album/"} {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
