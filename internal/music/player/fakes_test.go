package player

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/queue"
	"github.com/keshon/cadence/internal/music/sources"
	"github.com/keshon/cadence/internal/music/stream"
)

const waitTimeout = 10 * time.Second

// slowReader hands out data in small chunks with a pause between reads, like a
// network stream. A nil data slice means the stream never ends.
type slowReader struct {
	data   []byte
	chunk  int
	delay  time.Duration
	closed atomic.Bool
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	time.Sleep(r.delay)
	if r.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n := min(len(p), r.chunk)
	if r.data == nil {
		clear(p[:n])
		return n, nil
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n = copy(p[:n], r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *slowReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	tracks  map[string][]byte // nil value: endless stream
	delay   time.Duration
	openErr map[string]error
	opened  map[string][]*slowReader
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tracks:  make(map[string][]byte),
		openErr: make(map[string]error),
		opened:  make(map[string][]*slowReader),
		delay:   time.Millisecond,
	}
}

func (f *fakeProvider) Resolve(_ context.Context, uri string) (sources.TrackInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracks[uri]; !ok {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: uri, Err: sources.ErrNotFound}
	}
	return trackInfo(uri), nil
}

func (f *fakeProvider) Open(_ context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[desc.Ref]; err != nil {
		return nil, err
	}
	data := f.tracks[desc.Ref]
	r := &slowReader{chunk: 4096, delay: f.delay}
	if data != nil {
		r.data = append([]byte(nil), data...)
	}
	f.opened[desc.Ref] = append(f.opened[desc.Ref], r)
	return r, nil
}

func (f *fakeProvider) sourcesFor(ref string) []*slowReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*slowReader(nil), f.opened[ref]...)
}

type fakeSink struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	total        int64
	keep         bool
	failWith     error
	speaking     []bool
	flushes      []bool
	disconnected int

	// when set, the first SetSpeaking(false) signals atGate and blocks
	// until gate is closed
	atGate chan struct{}
	gate   chan struct{}
}

func (s *fakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.total += int64(len(pcm))
	if s.keep {
		s.buf.Write(pcm)
	}
	return nil
}

func (s *fakeSink) SetSpeaking(v bool) error {
	s.mu.Lock()
	s.speaking = append(s.speaking, v)
	gate := s.gate
	if !v {
		s.gate = nil
	} else {
		gate = nil
	}
	s.mu.Unlock()

	if gate != nil {
		s.atGate <- struct{}{}
		<-gate
	}
	return nil
}

func (s *fakeSink) Flush(send bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, send)
	return nil
}

func (s *fakeSink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected++
	return nil
}

func (s *fakeSink) written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *fakeSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *fakeSink) disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

// waitFor consumes events until one of kind arrives.
func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func trackInfo(ref string) sources.TrackInfo {
	return sources.TrackInfo{
		URL:        "https://example.test/" + ref,
		Title:      "track " + ref,
		SourceName: "fake",
		Stream:     sources.StreamDescriptor{Source: "fake", Ref: ref},
	}
}

func entryFor(ref string) queue.Entry {
	return queue.NewEntry(ref, trackInfo(ref), "tester")
}

func testOptions() Options {
	return Options{
		Stream: stream.Options{
			Binary:     "cat",
			FrameBytes: 1024,
			WaitDelay:  time.Second,
		},
		PollInterval:    10 * time.Millisecond,
		EnrichTimeout:   100 * time.Millisecond,
		MaxSinkFailures: 2,
		Logger:          zerolog.Nop(),
	}
}

func requireCat(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skipf("cat not available: %v", err)
	}
}

type fixture struct {
	reg      *Registry
	provider *fakeProvider
	rec      *recorder
}

func newFixture(t *testing.T, opts Options, enricher Enricher) *fixture {
	t.Helper()
	requireCat(t)
	f := &fixture{provider: newFakeProvider(), rec: newRecorder()}
	f.reg = NewRegistry(context.Background(), f.provider, enricher, f.rec, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = f.reg.CloseAll(ctx)
	})
	return f
}

const testGuild = snowflake.ID(1001)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
