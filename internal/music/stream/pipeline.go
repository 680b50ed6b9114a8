// Package stream runs the external decoder that turns compressed audio into
// raw PCM for the voice sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Output format: s16le, stereo, 48 kHz.
const (
	Channels   = 2
	SampleRate = 48000
	FrameSize  = 960 // samples per channel in 20ms at 48kHz
	FrameBytes = FrameSize * Channels * 2
)

var (
	ErrPipelineStart = errors.New("decoder failed to start")
	ErrDecodeFault   = errors.New("decoder exited abnormally")
	ErrFrameTimeout  = errors.New("no frame within timeout")
)

// DefaultArgs reads compressed audio on stdin and writes PCM on stdout.
func DefaultArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "panic",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", "2",
		"-ar", "48000",
		"pipe:1",
	}
}

type Options struct {
	Binary     string
	Args       []string
	FrameBytes int
	Buffer     int // frames queued between decoder and reader
	WaitDelay  time.Duration
	Logger     zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Binary:     "ffmpeg",
		Args:       DefaultArgs(),
		FrameBytes: FrameBytes,
		Buffer:     50,
		WaitDelay:  2 * time.Second,
		Logger:     zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Binary == "" {
		o.Binary = d.Binary
		if o.Args == nil {
			o.Args = d.Args
		}
	}
	if o.FrameBytes <= 0 {
		o.FrameBytes = d.FrameBytes
	}
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	if o.WaitDelay <= 0 {
		o.WaitDelay = d.WaitDelay
	}
	return o
}

// Pipeline is one decoder process. It is owned by a single playback
// iteration; only Kill may be called from other goroutines.
type Pipeline struct {
	opts   Options
	cmd    *exec.Cmd
	source io.ReadCloser
	stdout io.ReadCloser
	cancel context.CancelFunc
	log    zerolog.Logger

	frames  chan []byte
	stopped chan struct{}
	exited  chan struct{}
	wg      conc.WaitGroup

	killOnce  sync.Once
	killed    atomic.Bool
	bytesRead atomic.Int64

	mu        sync.Mutex
	waitErr   error
	sourceErr error
	stderr    tailBuffer
}

// Start spawns the decoder with source on stdin and returns once it is
// running. The pipeline owns source from here on and closes it.
func Start(ctx context.Context, source io.ReadCloser, opts Options) (*Pipeline, error) {
	opts = opts.withDefaults()
	pctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(pctx, opts.Binary, opts.Args...)
	cmd.WaitDelay = opts.WaitDelay

	p := &Pipeline{
		opts:    opts,
		cmd:     cmd,
		source:  source,
		cancel:  cancel,
		log:     opts.Logger,
		frames:  make(chan []byte, opts.Buffer),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	fail := func(err error) (*Pipeline, error) {
		cancel()
		source.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrPipelineStart, opts.Binary, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	p.stdout = stdout

	p.wg.Go(func() { p.feed(stdin) })
	p.wg.Go(p.pump)

	p.log.Debug().Int("pid", cmd.Process.Pid).Str("decoder", opts.Binary).Msg("decoder started")
	return p, nil
}

// feed copies the source into the decoder's stdin.
func (p *Pipeline) feed(stdin io.WriteCloser) {
	defer stdin.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := p.source.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				// decoder stopped reading
				return
			}
		}
		if err != nil {
			if err != io.EOF && !p.killed.Load() {
				p.mu.Lock()
				p.sourceErr = err
				p.mu.Unlock()
			}
			return
		}
	}
}

// pump chunks stdout into frames, then reaps the process.
func (p *Pipeline) pump() {
	defer close(p.frames)

	for {
		buf := make([]byte, p.opts.FrameBytes)
		n, err := io.ReadFull(p.stdout, buf)
		if n > 0 && !p.send(buf[:n]) {
			break
		}
		if err != nil {
			break
		}
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)

	p.log.Debug().
		Err(err).
		Bool("killed", p.killed.Load()).
		Str("decoded", humanize.IBytes(uint64(p.bytesRead.Load()))).
		Msg("decoder exited")
}

func (p *Pipeline) send(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	case <-p.stopped:
		return false
	}
}

// ReadFrame returns the next chunk of at most FrameBytes. It returns
// ErrFrameTimeout when nothing arrives in time and io.EOF once the decoder
// has exited and its output is drained.
func (p *Pipeline) ReadFrame(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil, io.EOF
		}
		p.bytesRead.Add(int64(len(f)))
		return f, nil
	case <-timer.C:
		return nil, ErrFrameTimeout
	}
}

// Kill stops the decoder, closes both ends and waits for the reaper. Safe to
// call repeatedly and concurrently.
func (p *Pipeline) Kill() {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		close(p.stopped)
		p.cancel()
		p.source.Close()
		p.stdout.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			if r := p.wg.WaitAndRecover(); r != nil {
				p.log.Error().Str("panic", r.String()).Msg("decoder goroutine panicked")
			}
		}()

		select {
		case <-done:
		case <-time.After(2 * p.opts.WaitDelay):
			p.log.Warn().Dur("wait_delay", p.opts.WaitDelay).Msg("decoder goroutines still running after kill")
		}
	})
}

// Err reports ErrDecodeFault once the decoder has exited abnormally without
// being killed, or when the source failed mid-stream. Nil otherwise.
func (p *Pipeline) Err() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	if p.killed.Load() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr != nil {
		if tail := p.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %w: %s", ErrDecodeFault, p.waitErr, tail)
		}
		return fmt.Errorf("%w: %w", ErrDecodeFault, p.waitErr)
	}
	if p.sourceErr != nil {
		return fmt.Errorf("%w: reading source: %w", ErrDecodeFault, p.sourceErr)
	}
	return nil
}

// BytesRead is the amount of PCM handed out by ReadFrame so far.
func (p *Pipeline) BytesRead() int64 {
	return p.bytesRead.Load()
}

// PCMDuration converts a PCM byte count into playback time.
func PCMDuration(n int64) time.Duration {
	const bytesPerSecond = SampleRate * Channels * 2
	return time.Duration(n) * time.Second / bytesPerSecond
}

// tailBuffer keeps the last few hundred bytes of decoder stderr.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 512

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
