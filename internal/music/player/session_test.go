package player

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

type staticEnricher string

func (e staticEnricher) FindLink(context.Context, string, string) (string, bool) {
	return string(e), e != ""
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, testOptions(), staticEnricher("https://open.spotify.com/track/x"))
	content := bytes.Repeat([]byte{1, 2, 3, 4}, 5000)
	f.provider.tracks["a"] = content

	sink := &fakeSink{keep: true}
	s, created := f.reg.Register(testGuild, sink, snowflake.ID(7))
	if !created {
		t.Fatal("first Register should create")
	}
	if s.State() != StateIdle && s.State() != StatePreparing {
		t.Fatalf("fresh session state = %s", s.State())
	}

	pos, err := s.Enqueue(entryFor("a"))
	if err != nil || pos != 1 {
		t.Fatalf("Enqueue = %d, %v; want 1, nil", pos, err)
	}

	added := f.rec.waitFor(t, EventAdded)
	if added.Position != 1 || added.GuildID != testGuild {
		t.Fatalf("Added event = %+v", added)
	}
	np := f.rec.waitFor(t, EventNowPlaying)
	if np.Link != "https://open.spotify.com/track/x" {
		t.Fatalf("NowPlaying link = %q", np.Link)
	}
	f.rec.waitFor(t, EventQueueEmpty)

	eventually(t, "idle state", func() bool { return s.State() == StateIdle })

	if got := sink.bytes(); !bytes.Equal(got, content) {
		t.Fatalf("sink got %d bytes, want %d identical", len(got), len(content))
	}
	want := []EventKind{EventAdded, EventNowPlaying, EventNowPlayingEnded, EventQueueEmpty}
	if got := f.rec.kinds(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if s.Queue().Size() != 0 || s.IsPlaying() {
		t.Fatal("queue should be empty and not playing")
	}
	if _, ok := s.NowPlaying(); ok {
		t.Fatal("NowPlaying should be empty once idle")
	}
	sink.mu.Lock()
	speaking := append([]bool(nil), sink.speaking...)
	sink.mu.Unlock()
	if !slices.Equal(speaking, []bool{true, false}) {
		t.Fatalf("speaking transitions = %v", speaking)
	}
}

func TestSkipToEmptyQueue(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["live"] = nil

	s, _ := f.reg.Register(testGuild, &fakeSink{}, 7)
	if err := s.Skip(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Skip on empty = %v, want ErrQueueEmpty", err)
	}

	if _, err := s.Enqueue(entryFor("live")); err != nil {
		t.Fatal(err)
	}
	f.rec.waitFor(t, EventNowPlaying)
	if cur, ok := s.NowPlaying(); !ok || cur.SearchTerm != "live" {
		t.Fatalf("NowPlaying = %+v, %v", cur, ok)
	}

	if err := s.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	f.rec.waitFor(t, EventNowPlayingEnded)
	f.rec.waitFor(t, EventQueueEmpty)
	eventually(t, "idle state", func() bool { return s.State() == StateIdle })

	time.Sleep(50 * time.Millisecond)
	if n := f.rec.count(EventQueueEmpty); n != 1 {
		t.Fatalf("QueueEmpty emitted %d times, want 1", n)
	}
	for _, src := range f.provider.sourcesFor("live") {
		if !src.closed.Load() {
			t.Fatal("skipped entry's source should be closed")
		}
	}
}

func TestSkipAdvancesToNext(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["live"] = nil
	f.provider.tracks["next"] = bytes.Repeat([]byte{9}, 4096)

	s, _ := f.reg.Register(testGuild, &fakeSink{}, 7)
	s.Enqueue(entryFor("live"))
	s.Enqueue(entryFor("next"))

	first := f.rec.waitFor(t, EventNowPlaying)
	if first.Entry.SearchTerm != "live" {
		t.Fatalf("first NowPlaying = %q", first.Entry.SearchTerm)
	}
	if err := s.Skip(); err != nil {
		t.Fatal(err)
	}
	second := f.rec.waitFor(t, EventNowPlaying)
	if second.Entry.SearchTerm != "next" {
		t.Fatalf("second NowPlaying = %q", second.Entry.SearchTerm)
	}
	f.rec.waitFor(t, EventQueueEmpty)
}

func TestPauseResumeDeliversEverything(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	content := make([]byte, 256*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	f.provider.tracks["long"] = content
	f.provider.delay = 2 * time.Millisecond

	sink := &fakeSink{keep: true}
	s, _ := f.reg.Register(testGuild, sink, 7)

	if err := s.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume before Pause = %v, want ErrNotPaused", err)
	}

	s.Enqueue(entryFor("long"))
	f.rec.waitFor(t, EventNowPlaying)

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("second Pause = %v, want ErrAlreadyPaused", err)
	}
	if !s.IsPaused() {
		t.Fatal("IsPaused should report true")
	}

	time.Sleep(50 * time.Millisecond)
	before := sink.written()
	time.Sleep(100 * time.Millisecond)
	if after := sink.written(); after != before {
		t.Fatalf("sink received %d bytes while paused", after-before)
	}
	if before >= int64(len(content)) {
		t.Fatal("track finished before pause took effect; slow the source down")
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.rec.waitFor(t, EventQueueEmpty)

	if got := sink.bytes(); !bytes.Equal(got, content) {
		t.Fatalf("sink got %d bytes, want %d identical", len(got), len(content))
	}
}

func TestCloseKillsDecoder(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["live"] = nil

	sink := &fakeSink{}
	s, _ := f.reg.Register(testGuild, sink, 7)
	s.Enqueue(entryFor("live"))
	s.Enqueue(entryFor("live"))
	f.rec.waitFor(t, EventNowPlaying)

	got, ok := f.reg.Unregister(testGuild)
	if !ok || got != s {
		t.Fatal("Unregister should hand back the session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	for _, src := range f.provider.sourcesFor("live") {
		if !src.closed.Load() {
			t.Fatal("decoder source still open after Close")
		}
	}
	if sink.disconnects() != 1 {
		t.Fatalf("sink disconnected %d times, want 1", sink.disconnects())
	}
	if s.State() != StateStopped || s.Queue().Size() != 0 {
		t.Fatalf("state = %s, queue = %d", s.State(), s.Queue().Size())
	}
	if _, err := s.Enqueue(entryFor("live")); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Enqueue after Close = %v", err)
	}
	for name, op := range map[string]func() error{"Pause": s.Pause, "Resume": s.Resume, "Skip": s.Skip} {
		if err := op(); !errors.Is(err, ErrSessionStopped) {
			t.Errorf("%s after Close = %v, want ErrSessionStopped", name, err)
		}
	}
}

func TestOpenFailureAdvances(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["bad"] = []byte{1}
	f.provider.openErr["bad"] = errBoom
	f.provider.tracks["good"] = bytes.Repeat([]byte{5}, 2048)

	s, _ := f.reg.Register(testGuild, &fakeSink{}, 7)
	s.Enqueue(entryFor("bad"))
	s.Enqueue(entryFor("good"))

	failed := f.rec.waitFor(t, EventTrackFailed)
	if failed.Entry.SearchTerm != "bad" || !errors.Is(failed.Err, errBoom) {
		t.Fatalf("TrackFailed = %+v", failed)
	}
	np := f.rec.waitFor(t, EventNowPlaying)
	if np.Entry.SearchTerm != "good" {
		t.Fatalf("NowPlaying = %q", np.Entry.SearchTerm)
	}
	f.rec.waitFor(t, EventQueueEmpty)
}

func TestDecoderStartFailure(t *testing.T) {
	opts := testOptions()
	opts.Stream.Binary = "cadence-no-such-decoder"
	f := newFixture(t, opts, nil)
	f.provider.tracks["a"] = []byte{1, 2, 3, 4}

	s, _ := f.reg.Register(testGuild, &fakeSink{}, 7)
	s.Enqueue(entryFor("a"))

	failed := f.rec.waitFor(t, EventTrackFailed)
	if failed.Err == nil {
		t.Fatal("TrackFailed should carry the start error")
	}
	f.rec.waitFor(t, EventQueueEmpty)
	for _, src := range f.provider.sourcesFor("a") {
		if !src.closed.Load() {
			t.Fatal("source must be closed when the decoder fails to start")
		}
	}
}

func TestSinkClosedStopsSession(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	for _, ref := range []string{"a", "b", "c"} {
		f.provider.tracks[ref] = bytes.Repeat([]byte{1}, 4096)
	}

	sink := &fakeSink{failWith: ErrSinkClosed}
	s, _ := f.reg.Register(testGuild, sink, 7)
	for _, ref := range []string{"a", "b", "c"} {
		s.Enqueue(entryFor(ref))
	}

	stopped := f.rec.waitFor(t, EventStopped)
	if !errors.Is(stopped.Err, ErrSinkClosed) {
		t.Fatalf("Stopped err = %v", stopped.Err)
	}
	if stopped.Discarded != 2 {
		t.Fatalf("Discarded = %d, want 2", stopped.Discarded)
	}

	<-s.Done()
	eventually(t, "registry removal", func() bool {
		_, ok := f.reg.Lookup(testGuild)
		return !ok
	})
	if sink.disconnects() != 1 {
		t.Fatalf("disconnects = %d", sink.disconnects())
	}
}

func TestRepeatedSinkFailuresStopSession(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	for _, ref := range []string{"a", "b", "c"} {
		f.provider.tracks[ref] = bytes.Repeat([]byte{1}, 4096)
	}

	s, _ := f.reg.Register(testGuild, &fakeSink{failWith: errBoom}, 7)
	for _, ref := range []string{"a", "b", "c"} {
		s.Enqueue(entryFor(ref))
	}

	stopped := f.rec.waitFor(t, EventStopped)
	if !errors.Is(stopped.Err, ErrSinkWrite) || !errors.Is(stopped.Err, errBoom) {
		t.Fatalf("Stopped err = %v", stopped.Err)
	}
	if stopped.Discarded != 1 {
		t.Fatalf("Discarded = %d, want 1", stopped.Discarded)
	}
	if n := f.rec.count(EventTrackFailed); n != 2 {
		t.Fatalf("TrackFailed count = %d, want 2", n)
	}
}

func TestElapsedTracksDelivery(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["live"] = nil

	s, _ := f.reg.Register(testGuild, &fakeSink{}, 7)
	s.Enqueue(entryFor("live"))
	f.rec.waitFor(t, EventNowPlaying)

	eventually(t, "elapsed time", func() bool { return s.Elapsed() > 0 })
	if err := s.Skip(); err != nil {
		t.Fatal(err)
	}
	f.rec.waitFor(t, EventQueueEmpty)
	if s.Elapsed() != 0 {
		t.Fatalf("Elapsed after drain = %v", s.Elapsed())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StatePreparing: "preparing",
		StateStreaming: "streaming",
		StateDraining:  "draining",
		StateStopped:   "stopped",
		State(42):      "unknown",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), st.String(), want)
		}
	}
}

func TestSkipWhileDrainingKeepsNextEntry(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["a"] = bytes.Repeat([]byte{1}, 4096)
	f.provider.tracks["b"] = bytes.Repeat([]byte{2}, 4096)

	sink := &fakeSink{atGate: make(chan struct{}, 1), gate: make(chan struct{})}
	s, _ := f.reg.Register(testGuild, sink, 7)
	s.Enqueue(entryFor("a"))
	f.rec.waitFor(t, EventNowPlaying)

	select {
	case <-sink.atGate:
	case <-time.After(waitTimeout):
		t.Fatal("entry a never reached the end of drain")
	}

	// a is already popped: nothing left to skip
	if err := s.Skip(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Skip while draining the last entry = %v, want ErrQueueEmpty", err)
	}
	if _, err := s.Enqueue(entryFor("b")); err != nil {
		t.Fatal(err)
	}
	// aimed at the ending entry, so b must not be touched
	if err := s.Skip(); err != nil {
		t.Fatalf("Skip = %v", err)
	}
	close(sink.gate)

	np := f.rec.waitFor(t, EventNowPlaying)
	if np.Entry.SearchTerm != "b" {
		t.Fatalf("NowPlaying = %q, want b", np.Entry.SearchTerm)
	}
	f.rec.waitFor(t, EventQueueEmpty)
	if got := sink.written(); got != 8192 {
		t.Fatalf("sink got %d bytes, want both entries", got)
	}
}

func TestSinkFlushedAtEntryEnd(t *testing.T) {
	f := newFixture(t, testOptions(), nil)
	f.provider.tracks["short"] = bytes.Repeat([]byte{3}, 4096)
	f.provider.tracks["live"] = nil

	sink := &fakeSink{}
	s, _ := f.reg.Register(testGuild, sink, 7)

	s.Enqueue(entryFor("short"))
	f.rec.waitFor(t, EventNowPlayingEnded)

	s.Enqueue(entryFor("live"))
	f.rec.waitFor(t, EventNowPlaying)
	if err := s.Skip(); err != nil {
		t.Fatal(err)
	}
	f.rec.waitFor(t, EventNowPlayingEnded)

	sink.mu.Lock()
	flushes := append([]bool(nil), sink.flushes...)
	sink.mu.Unlock()
	if !slices.Equal(flushes, []bool{true, false}) {
		t.Fatalf("flushes = %v, want tail sent on natural end and dropped on skip", flushes)
	}
}

func TestEnqueueRacingCloseLeavesNothingQueued(t *testing.T) {
	requireCat(t)
	for i := 0; i < 50; i++ {
		f := newFakeProvider()
		f.tracks["live"] = nil
		reg := NewRegistry(context.Background(), f, nil, nil, testOptions())
		s, _ := reg.Register(testGuild, &fakeSink{}, 7)

		ready := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-ready
			for j := 0; j < 20; j++ {
				if _, err := s.Enqueue(entryFor("live")); errors.Is(err, ErrSessionStopped) {
					return
				}
			}
		}()
		close(ready)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		if err := s.Close(ctx); err != nil {
			cancel()
			t.Fatal(err)
		}
		cancel()
		<-done

		if n := s.Queue().Size(); n != 0 {
			t.Fatalf("round %d: %d entries queued on a stopped session", i, n)
		}
	}
}
