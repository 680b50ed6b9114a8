// Package speaker is a playback sink for the local sound card, used by the
// CLI to run the engine without Discord.
package speaker

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/stream"
)

const readyTimeout = 5 * time.Second

// Sink feeds PCM to an oto player through a pipe. Write blocks until the
// device has room, which paces the playback loop to real time.
type Sink struct {
	out  io.WriteCloser
	stop func() error
	log  zerolog.Logger

	closed atomic.Bool
}

// New opens the default output device. oto allows one context per process,
// so call it once.
func New(bufferSize time.Duration, logger zerolog.Logger) (*Sink, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   stream.SampleRate,
		ChannelCount: stream.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(readyTimeout):
		return nil, errors.New("audio context not ready")
	}

	pr, pw := io.Pipe()
	p := otoCtx.NewPlayer(pr)
	p.Play()

	return newSink(pw, func() error {
		_ = pr.Close()
		return p.Close()
	}, logger), nil
}

func newSink(out io.WriteCloser, stop func() error, logger zerolog.Logger) *Sink {
	return &Sink{
		out:  out,
		stop: stop,
		log:  logger.With().Str("module", "speaker").Logger(),
	}
}

func (s *Sink) Write(pcm []byte) error {
	if s.closed.Load() {
		return player.ErrSinkClosed
	}
	if _, err := s.out.Write(pcm); err != nil {
		if s.closed.Load() || errors.Is(err, io.ErrClosedPipe) {
			return player.ErrSinkClosed
		}
		return fmt.Errorf("%w: %w", player.ErrSinkWrite, err)
	}
	return nil
}

// SetSpeaking has no device-side meaning; it is only logged.
func (s *Sink) SetSpeaking(speaking bool) error {
	if s.closed.Load() {
		return player.ErrSinkClosed
	}
	s.log.Debug().Bool("speaking", speaking).Msg("speaking state")
	return nil
}

func (s *Sink) Disconnect() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.out.Close()
	if s.stop != nil {
		err = errors.Join(err, s.stop())
	}
	return err
}
