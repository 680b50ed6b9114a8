// Package youtube resolves and streams YouTube videos through kkdai/youtube.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keshon/cadence/internal/music/sources"
	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"
)

var (
	errUnsupportedScheme = errors.New("unsupported proxy scheme")
	errNoAudioFormat     = errors.New("no audio formats found for video")
)

type YouTubeSource struct {
	client *youtube.Client
	log    zerolog.Logger
}

func New(client *youtube.Client, logger zerolog.Logger) *YouTubeSource {
	if client == nil {
		client = &youtube.Client{}
	}
	return &YouTubeSource{
		client: client,
		log:    logger.With().Str("module", "sources.youtube").Logger(),
	}
}

func (y *YouTubeSource) Match(input string) bool {
	return isYouTubeURL(strings.TrimSpace(input))
}

func (y *YouTubeSource) SourceName() string {
	return sources.SourceYouTube
}

func (y *YouTubeSource) Resolve(ctx context.Context, input string) (sources.TrackInfo, error) {
	input = strings.TrimSpace(input)
	if IsPlaylistURL(input) {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: playlist links", sources.ErrUnsupportedSource)}
	}

	link := CleanVideoURL(input)
	video, err := y.client.GetVideoContext(ctx, link)
	if err != nil {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: %v", sources.ErrNotFound, err)}
	}

	if _, err := pickAudioFormat(video); err != nil {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: %v", sources.ErrNotFound, err)}
	}

	info := sources.TrackInfo{
		URL:        "https://www.youtube.com/watch?v=" + video.ID,
		Title:      video.Title,
		Author:     video.Author,
		Duration:   video.Duration,
		SourceName: sources.SourceYouTube,
		Stream: sources.StreamDescriptor{
			Source: sources.SourceYouTube,
			Ref:    video.ID,
		},
	}
	if n := len(video.Thumbnails); n > 0 {
		info.ThumbnailURL = video.Thumbnails[n-1].URL
	}

	y.log.Debug().Str("video_id", video.ID).Str("title", video.Title).Msg("resolved")
	return info, nil
}

// Open fetches the video again so the stream URL is fresh; signed stream
// links expire long before a queued entry reaches the head.
func (y *YouTubeSource) Open(ctx context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error) {
	video, err := y.client.GetVideoContext(ctx, desc.Ref)
	if err != nil {
		return nil, fmt.Errorf("youtube client error: %w", err)
	}

	format, err := pickAudioFormat(video)
	if err != nil {
		return nil, err
	}

	stream, size, err := y.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("get stream error: %w", err)
	}

	y.log.Debug().
		Str("video_id", video.ID).
		Int("itag", format.ItagNo).
		Str("mime", format.MimeType).
		Int64("size", size).
		Msg("stream opened")
	return stream, nil
}

// pickAudioFormat prefers audio-only formats and the highest bitrate among them.
func pickAudioFormat(video *youtube.Video) (*youtube.Format, error) {
	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return nil, errNoAudioFormat
	}

	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	if best == nil {
		best = &formats[0]
	}
	return best, nil
}
