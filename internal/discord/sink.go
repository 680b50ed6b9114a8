package discord

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/keshon/cadence/internal/music/player"
	"github.com/keshon/cadence/internal/music/stream"
)

// maxOpusPacket is the largest packet libopus recommends for one frame.
const maxOpusPacket = 4000

// VoiceSink encodes PCM to Opus and pushes it onto a voice connection.
// discordgo drains OpusSend every 20ms, which paces playback.
type VoiceSink struct {
	vc          *discordgo.VoiceConnection
	enc         *gopus.Encoder
	sendTimeout time.Duration

	mu     sync.Mutex
	frames framer
	pcm    []int16

	closed atomic.Bool
}

func NewVoiceSink(vc *discordgo.VoiceConnection, sendTimeout time.Duration) (*VoiceSink, error) {
	enc, err := gopus.NewEncoder(stream.SampleRate, stream.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("encoder error: %w", err)
	}
	return &VoiceSink{
		vc:          vc,
		enc:         enc,
		sendTimeout: sendTimeout,
		frames:      framer{size: stream.FrameBytes},
		pcm:         make([]int16, stream.FrameSize*stream.Channels),
	}, nil
}

// Write buffers pcm and sends every complete 20ms frame. A partial frame
// waits for the next call.
func (s *VoiceSink) Write(pcm []byte) error {
	if s.closed.Load() {
		return player.ErrSinkClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sendErr error
	s.frames.push(pcm, func(frame []byte) bool {
		sendErr = s.encodeAndSend(frame)
		return sendErr == nil
	})
	return sendErr
}

// Flush ends a track: with send set the partial frame left over is padded
// with silence and sent, otherwise it is dropped. Either way the next track
// starts on a frame boundary.
func (s *VoiceSink) Flush(send bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !send || s.closed.Load() {
		s.frames.reset()
		return nil
	}
	var sendErr error
	s.frames.flush(func(frame []byte) bool {
		sendErr = s.encodeAndSend(frame)
		return sendErr == nil
	})
	return sendErr
}

func (s *VoiceSink) encodeAndSend(frame []byte) error {
	toInt16(s.pcm, frame)
	opus, err := s.enc.Encode(s.pcm, stream.FrameSize, maxOpusPacket)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", player.ErrSinkWrite, err)
	}
	return s.send(opus)
}

func (s *VoiceSink) send(opus []byte) error {
	s.vc.RLock()
	ready := s.vc.Ready
	s.vc.RUnlock()
	if !ready {
		return fmt.Errorf("%w: voice connection not ready", player.ErrSinkWrite)
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.vc.OpusSend <- opus:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: opus send timed out after %s", player.ErrSinkWrite, s.sendTimeout)
	}
}

func (s *VoiceSink) SetSpeaking(speaking bool) error {
	if s.closed.Load() {
		return player.ErrSinkClosed
	}
	return s.vc.Speaking(speaking)
}

// Disconnect leaves the voice channel. Later writes report ErrSinkClosed.
func (s *VoiceSink) Disconnect() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.vc.Disconnect()
}

// framer cuts a byte stream into fixed-size frames.
type framer struct {
	size    int
	pending []byte
}

// push appends b and calls emit for each complete frame until emit returns
// false. Bytes of a frame emit rejected are dropped with it.
func (f *framer) push(b []byte, emit func([]byte) bool) {
	f.pending = append(f.pending, b...)
	off := 0
	for len(f.pending)-off >= f.size {
		frame := f.pending[off : off+f.size]
		off += f.size
		if !emit(frame) {
			break
		}
	}
	n := copy(f.pending, f.pending[off:])
	f.pending = f.pending[:n]
}

func (f *framer) buffered() int { return len(f.pending) }

// flush pads the pending bytes with silence to one frame, emits it and
// empties the buffer. Nothing is emitted when the buffer is empty.
func (f *framer) flush(emit func([]byte) bool) {
	if f.buffered() == 0 {
		return
	}
	frame := make([]byte, f.size)
	copy(frame, f.pending)
	f.reset()
	emit(frame)
}

func (f *framer) reset() { f.pending = f.pending[:0] }

// toInt16 converts little-endian signed 16-bit PCM.
func toInt16(dst []int16, src []byte) {
	for i := range dst {
		if i*2+1 >= len(src) {
			dst[i] = 0
			continue
		}
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
}
