package player

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/config"
	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/stream"
	"github.com/keshon/cadence/pkg/jobmgr"
)

// Options tune every session a registry creates.
type Options struct {
	Stream          stream.Options
	PollInterval    time.Duration
	EnrichTimeout   time.Duration
	MaxSinkFailures int
	Logger          zerolog.Logger
}

// OptionsFromConfig maps the process configuration onto session options.
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	so := stream.DefaultOptions()
	so.Binary = cfg.DecoderPath
	so.FrameBytes = cfg.FrameBytes
	so.Logger = logger.With().Str("module", "music.stream").Logger()
	return Options{
		Stream:          so,
		PollInterval:    cfg.PollInterval,
		EnrichTimeout:   cfg.EnrichTimeout,
		MaxSinkFailures: cfg.MaxSinkFailures,
		Logger:          logger,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.EnrichTimeout <= 0 {
		o.EnrichTimeout = 3 * time.Second
	}
	if o.MaxSinkFailures <= 0 {
		o.MaxSinkFailures = 3
	}
	return o
}

// Session is the playback state of one guild: its queue, the sink it plays
// into and the flags the command layer flips. A single loop, started when the
// session is registered, does all the streaming.
type Session struct {
	id        uuid.UUID
	guildID   snowflake.ID
	channelID snowflake.ID

	queue    *queue.Queue
	sink     Sink
	provider MediaProvider
	enricher Enricher
	notifier Notifier
	jobs     *jobmgr.Manager
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	state    State
	playing  bool
	paused   bool
	skipFor  uuid.UUID // entry a pending Skip targets
	stopped  bool
	current  *queue.Entry
	pipeline *stream.Pipeline
	started  bool

	delivered atomic.Int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

type sessionDeps struct {
	provider MediaProvider
	enricher Enricher
	notifier Notifier
	jobs     *jobmgr.Manager
	opts     Options
}

func newSession(guildID, channelID snowflake.ID, sink Sink, deps sessionDeps) *Session {
	opts := deps.opts.withDefaults()
	if deps.notifier == nil {
		deps.notifier = nopNotifier{}
	}
	if deps.jobs == nil {
		deps.jobs = jobmgr.NewManager(nil)
	}
	id := uuid.New()
	return &Session{
		id:        id,
		guildID:   guildID,
		channelID: channelID,
		queue:     queue.New(),
		sink:      sink,
		provider:  deps.provider,
		enricher:  deps.enricher,
		notifier:  deps.notifier,
		jobs:      deps.jobs,
		opts:      opts,
		log: opts.Logger.With().
			Str("module", "music.player").
			Str("guild_id", guildID.String()).
			Str("session", id.String()[:8]).
			Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *Session) jobName() string {
	return "playback:" + s.guildID.String() + ":" + s.id.String()
}

// start launches the playback loop once. A session closed before it was
// started tears down without ever running the loop.
func (s *Session) start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		s.teardown()
		return
	}

	if _, err := s.jobs.StartAsync(ctx, s.jobName(), s.run); err != nil {
		s.stopped = true
		s.state = StateStopped
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("failed to start playback loop")
		s.teardown()
		return
	}
	s.mu.Unlock()
}

// poke wakes an idle or paused loop. It never blocks.
func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) notify(e Event) {
	e.GuildID = s.guildID
	s.notifier.Notify(e)
}

// Enqueue appends an entry and wakes the loop. The returned position is
// 1-based and counts the entry currently playing.
func (s *Session) Enqueue(e queue.Entry) (int, error) {
	// stopped and the append share mu: nothing lands after teardown's Clear
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrSessionStopped
	}
	pos := s.queue.Enqueue(e)
	s.mu.Unlock()

	s.log.Info().Str("title", e.Track.Title).Int("position", pos).Msg("track added")
	s.notify(Event{Kind: EventAdded, Entry: e, Position: pos})
	s.poke()
	return pos, nil
}

// Pause suspends streaming at the current frame.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrSessionStopped
	case s.paused:
		return ErrAlreadyPaused
	case s.queue.Size() == 0:
		return ErrQueueEmpty
	}
	s.paused = true
	s.poke()
	return nil
}

// Resume continues from the frame where Pause stopped.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrSessionStopped
	case !s.paused:
		return ErrNotPaused
	}
	s.paused = false
	s.poke()
	return nil
}

// Skip ends the entry being played, or the head entry when the loop is
// between entries. The loop notices within one poll interval. A skip aimed at
// an entry that has already ended does nothing.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	head, ok := s.queue.PeekFront()
	if !ok {
		return ErrQueueEmpty
	}
	if s.current != nil {
		s.skipFor = s.current.ID
	} else {
		s.skipFor = head.ID
	}
	s.poke()
	return nil
}

// Close stops the session and waits for its loop to exit, bounded by ctx.
// It kills any running decoder, clears the queue and disconnects the sink.
// Safe to call more than once and from any goroutine.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.state = StateStopped
		p := s.pipeline
		started := s.started
		s.mu.Unlock()

		if _, err := s.jobs.Stop(s.jobName()); err != nil {
			s.log.Debug().Err(err).Msg("playback loop already gone")
		}
		if p != nil {
			p.Kill()
		}
		s.poke()

		if !started {
			// Close beat start; the loop will never run.
			s.mu.Lock()
			s.started = true
			s.mu.Unlock()
			s.teardown()
		}
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ID() uuid.UUID           { return s.id }
func (s *Session) GuildID() snowflake.ID   { return s.guildID }
func (s *Session) ChannelID() snowflake.ID { return s.channelID }

// Queue is exposed for read-only views such as ListQueue.
func (s *Session) Queue() *queue.Queue { return s.queue }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Session) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// NowPlaying returns the entry being streamed, if any.
func (s *Session) NowPlaying() (queue.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return queue.Entry{}, false
	}
	return *s.current, true
}

// Elapsed is how much of the current entry has reached the sink.
func (s *Session) Elapsed() time.Duration {
	return stream.PCMDuration(s.delivered.Load())
}
