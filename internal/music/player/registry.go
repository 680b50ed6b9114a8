package player

import (
	"context"
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/pkg/jobmgr"
	"github.com/keshon/cadence/pkg/util"
)

// Registry maps guilds to their sessions, at most one each. Its lock only
// covers map access; sessions are started and closed outside it.
type Registry struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session

	ctx  context.Context
	deps sessionDeps
	log  zerolog.Logger
}

// NewRegistry creates a registry whose playback loops run under ctx.
// enricher and notifier may be nil.
func NewRegistry(ctx context.Context, provider MediaProvider, enricher Enricher, notifier Notifier, opts Options) *Registry {
	log := opts.Logger.With().Str("module", "music.registry").Logger()
	jobs := jobmgr.NewManager(func(msg string) {
		log.Debug().Str("job", msg).Msg("playback job")
	})
	return &Registry{
		sessions: make(map[snowflake.ID]*Session),
		ctx:      ctx,
		deps: sessionDeps{
			provider: provider,
			enricher: enricher,
			notifier: notifier,
			jobs:     jobs,
			opts:     opts,
		},
		log: log,
	}
}

// Register creates and starts a session for guildID unless one exists, in
// which case the existing session is returned untouched and created is false.
func (r *Registry) Register(guildID snowflake.ID, sink Sink, channelID snowflake.ID) (*Session, bool) {
	r.mu.Lock()
	if s, ok := r.sessions[guildID]; ok {
		r.mu.Unlock()
		return s, false
	}
	s := newSession(guildID, channelID, sink, r.deps)
	s.onClose = r.forget
	r.sessions[guildID] = s
	r.mu.Unlock()

	s.start(r.ctx)
	r.log.Info().Str("guild_id", guildID.String()).Str("channel_id", channelID.String()).Msg("session registered")
	return s, true
}

// Unregister removes the session for guildID and hands it to the caller for
// teardown.
func (r *Registry) Unregister(guildID snowflake.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if ok {
		delete(r.sessions, guildID)
	}
	return s, ok
}

func (r *Registry) Lookup(guildID snowflake.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions ordered by guild id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

// CloseAll unregisters every session and closes them concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.log.Info().Int("sessions", len(all)).Strs("loops", r.Loops()).Msg("closing all sessions")
	err := util.Parallel(ctx, all, 8, func(ctx context.Context, s *Session) error {
		return s.Close(ctx)
	})
	r.log.Debug().Msg(r.deps.jobs.Status())
	return err
}

// Loops lists the names of the playback loops still running.
func (r *Registry) Loops() []string {
	return r.deps.jobs.List()
}

// forget drops a session that stopped by itself, unless the guild has
// already moved on to a newer session.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.guildID]; ok && cur == s {
		delete(r.sessions, s.guildID)
		r.log.Info().Str("guild_id", s.guildID.String()).Msg("session removed after stopping")
	}
}
