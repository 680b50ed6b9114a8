package player

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/stream"
)

// run is the playback loop. It lives from registration until the session
// stops and is the only goroutine that touches the sink or a pipeline.
func (s *Session) run(ctx context.Context) error {
	defer s.teardown()

	var (
		played   bool // an entry ran since the last QueueEmpty
		failures int  // consecutive entries lost to sink write errors
	)

	for {
		entry, ok := s.queue.PeekFront()
		if !ok {
			if played {
				s.notify(Event{Kind: EventQueueEmpty})
				played = false
			}
			if !s.idle(ctx) {
				return nil
			}
			continue
		}

		err := s.playEntry(ctx, entry)
		played = true

		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrSinkClosed):
			s.halt(err)
			return err
		default:
			failures++
			if failures >= s.opts.MaxSinkFailures {
				err = fmt.Errorf("%d consecutive entries failed: %w", failures, err)
				s.halt(err)
				return err
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// idle parks the loop until the queue is non-empty. It returns false when
// the session is stopping.
func (s *Session) idle(ctx context.Context) bool {
	s.mu.Lock()
	s.playing = false
	s.paused = false
	s.skipFor = uuid.Nil
	if !s.stopped {
		s.state = StateIdle
	}
	s.mu.Unlock()

	for s.queue.Size() == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-s.wake:
		}
	}
	return ctx.Err() == nil
}

// playEntry runs Preparing, Streaming and Draining for the head entry. It
// only returns sink errors; everything else is logged and the entry dropped.
func (s *Session) playEntry(ctx context.Context, entry queue.Entry) error {
	log := s.log.With().Str("title", entry.Track.Title).Str("entry", entry.ID.String()[:8]).Logger()

	s.setState(StatePreparing)
	s.mu.Lock()
	s.current = &entry
	s.mu.Unlock()
	s.delivered.Store(0)

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := s.provider.Open(ectx, entry.Track.Stream)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("stage", "open").Msg("failed to open stream")
			s.notify(Event{Kind: EventTrackFailed, Entry: entry, Err: err})
		}
		s.drain(entry, nil, false, false)
		return nil
	}

	p, err := stream.Start(ectx, src, s.opts.Stream)
	if err != nil {
		log.Error().Err(err).Str("stage", "decoder").Msg("failed to start decoder")
		s.notify(Event{Kind: EventTrackFailed, Entry: entry, Err: err})
		s.drain(entry, nil, false, false)
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.drain(entry, p, false, false)
		return nil
	}
	s.pipeline = p
	s.mu.Unlock()

	frame, ok := s.firstFrame(ctx, entry, p)
	if !ok {
		if err := p.Err(); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("stage", "decode").Msg("decoder produced no audio")
			s.notify(Event{Kind: EventTrackFailed, Entry: entry, Err: err})
		}
		s.drain(entry, p, false, false)
		return nil
	}

	s.enterStreaming(ctx, entry)
	var finished bool // decoder reached the end of the entry
	defer func() { s.drain(entry, p, true, finished) }()

	for {
		if ctx.Err() != nil || s.skipPending(entry) {
			return nil
		}

		if s.IsPaused() {
			select {
			case <-ctx.Done():
			case <-s.wake:
			}
			continue
		}

		if frame != nil {
			if err := s.sink.Write(frame); err != nil {
				log.Error().Err(err).Str("stage", "sink").Msg("sink write failed")
				s.notify(Event{Kind: EventTrackFailed, Entry: entry, Err: err})
				if !errors.Is(err, ErrSinkClosed) && !errors.Is(err, ErrSinkWrite) {
					err = fmt.Errorf("%w: %w", ErrSinkWrite, err)
				}
				return err
			}
			s.delivered.Add(int64(len(frame)))
			frame = nil
		}

		next, err := p.ReadFrame(s.opts.PollInterval)
		switch {
		case err == nil:
			frame = next
		case errors.Is(err, stream.ErrFrameTimeout):
		case err == io.EOF:
			if perr := p.Err(); perr != nil {
				log.Warn().Err(perr).Str("stage", "decode").Msg("decoder ended abnormally")
			}
			finished = true
			return nil
		}
	}
}

// firstFrame waits for the decoder's first output while honoring skip and stop.
func (s *Session) firstFrame(ctx context.Context, entry queue.Entry, p *stream.Pipeline) ([]byte, bool) {
	for {
		if ctx.Err() != nil || s.skipPending(entry) {
			return nil, false
		}
		frame, err := p.ReadFrame(s.opts.PollInterval)
		switch {
		case err == nil:
			return frame, true
		case errors.Is(err, stream.ErrFrameTimeout):
		default:
			return nil, false
		}
	}
}

// enterStreaming flips to Streaming and announces the entry.
func (s *Session) enterStreaming(ctx context.Context, entry queue.Entry) {
	s.mu.Lock()
	s.playing = true
	s.state = StateStreaming
	s.mu.Unlock()

	if err := s.sink.SetSpeaking(true); err != nil {
		s.log.Warn().Err(err).Str("title", entry.Track.Title).Str("stage", "speaking").Msg("failed to set speaking")
	}

	var link string
	if s.enricher != nil {
		ectx, cancel := context.WithTimeout(ctx, s.opts.EnrichTimeout)
		if l, ok := s.enricher.FindLink(ectx, entry.Track.URL, entry.Track.Title); ok {
			link = l
		}
		cancel()
	}

	s.log.Info().Str("title", entry.Track.Title).Str("url", entry.Track.URL).Msg("now playing")
	s.notify(Event{Kind: EventNowPlaying, Entry: entry, Link: link})
}

// drain ends the entry: the decoder is dead and the entry popped before the
// loop moves on, however the iteration ended. The pop and the skip reset
// happen together so a Skip racing with the end of the entry cannot leak
// into the next one. finished reports a natural end of stream, whose
// partial frame is worth sending; any other end discards it.
func (s *Session) drain(entry queue.Entry, p *stream.Pipeline, streamed, finished bool) {
	s.setState(StateDraining)
	if p != nil {
		p.Kill()
		s.log.Debug().
			Str("title", entry.Track.Title).
			Int64("pcm_bytes", p.BytesRead()).
			Int64("delivered", s.delivered.Load()).
			Msg("entry drained")
	}

	s.mu.Lock()
	s.queue.PopFrontIf(entry.ID)
	if s.skipFor == entry.ID {
		s.paused = false
		s.skipFor = uuid.Nil
	}
	s.pipeline = nil
	s.mu.Unlock()

	if streamed {
		if f, ok := s.sink.(Flusher); ok {
			if err := f.Flush(finished); err != nil {
				s.log.Debug().Err(err).Str("title", entry.Track.Title).Str("stage", "flush").Msg("failed to flush sink")
			}
		}
		s.notify(Event{Kind: EventNowPlayingEnded, Entry: entry})
		if err := s.sink.SetSpeaking(false); err != nil {
			s.log.Debug().Err(err).Str("title", entry.Track.Title).Str("stage", "speaking").Msg("failed to clear speaking")
		}
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.delivered.Store(0)
}

func (s *Session) skipPending(entry queue.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipFor == entry.ID
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.state = st
	}
}

// halt stops a session whose sink is unusable and reports what was dropped.
func (s *Session) halt(err error) {
	s.mu.Lock()
	s.stopped = true
	s.state = StateStopped
	s.mu.Unlock()

	discarded := s.queue.Clear()
	s.log.Error().Err(err).Int("discarded", discarded).Str("stage", "sink").Msg("session stopped")
	s.notify(Event{Kind: EventStopped, Err: err, Discarded: discarded})
}

// teardown releases everything the session owns. It runs once, after the
// loop has exited (or instead of it, when the session never started).
func (s *Session) teardown() {
	s.mu.Lock()
	s.stopped = true
	s.state = StateStopped
	s.playing = false
	s.paused = false
	p := s.pipeline
	s.pipeline = nil
	s.current = nil
	s.mu.Unlock()

	if p != nil {
		p.Kill()
	}
	s.queue.Clear()

	if err := s.sink.Disconnect(); err != nil {
		s.log.Warn().Err(err).Str("stage", "disconnect").Msg("sink disconnect failed")
	}
	s.log.Info().Msg("session closed")

	close(s.done)
	if s.onClose != nil {
		s.onClose(s)
	}
}
