// Package device implements [audio.CaptureDevice] and [audio.PlaybackDevice]
// on top of the local microphone and speaker, using malgo for capture and
// oto for playback. It is the transport used by the standalone console mode;
// remote callers go through the websocket transport instead.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/sibilla-voice/sibilla/pkg/audio"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

const (
	// DefaultSampleRate is the capture rate. 16 kHz mono is what the
	// transcription providers expect, so capturing at that rate avoids a
	// resample on every turn.
	DefaultSampleRate = 16000

	defaultFrameDuration = 20 * time.Millisecond

	// frameBuffer bounds the capture channel. At 20 ms per frame this is
	// a bit over one second of backlog before frames get dropped.
	frameBuffer = 64
)

var (
	_ audio.CaptureDevice  = (*Microphone)(nil)
	_ audio.PlaybackDevice = (*Speaker)(nil)
)

// ── Microphone ─────────────────────────────────────────────────────────────

// Microphone captures PCM from the default input device.
type Microphone struct {
	sampleRate    int
	frameDuration time.Duration

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan types.AudioFrame
	pending []byte
	elapsed time.Duration
	started bool
	stopped bool
}

// MicrophoneOption customizes a [Microphone].
type MicrophoneOption func(*Microphone)

// WithSampleRate overrides the capture sample rate.
func WithSampleRate(rate int) MicrophoneOption {
	return func(m *Microphone) {
		if rate > 0 {
			m.sampleRate = rate
		}
	}
}

// WithFrameDuration overrides how much audio each emitted frame carries.
func WithFrameDuration(d time.Duration) MicrophoneOption {
	return func(m *Microphone) {
		if d > 0 {
			m.frameDuration = d
		}
	}
}

// NewMicrophone returns a microphone capture device. The device is not
// opened until [Microphone.Start].
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{
		sampleRate:    DefaultSampleRate,
		frameDuration: defaultFrameDuration,
		frames:        make(chan types.AudioFrame, frameBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start implements [audio.CaptureDevice]. Opening or starting the input
// device can fail when the OS denies microphone access; those failures are
// reported as [audio.ErrPermissionDenied].
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return audio.ErrDeviceClosed
	}
	if m.started {
		return nil
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %v: %w", err, audio.ErrPermissionDenied)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.frameDuration / time.Millisecond)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onCapture(input)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return fmt.Errorf("open microphone: %v: %w", err, audio.ErrPermissionDenied)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return fmt.Errorf("start microphone: %v: %w", err, audio.ErrPermissionDenied)
	}

	m.mctx = mctx
	m.device = device
	m.started = true

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()

	return nil
}

// onCapture runs on the malgo device thread. It must never block, so a full
// frame channel drops the frame rather than stalling the device.
func (m *Microphone) onCapture(input []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.pending = append(m.pending, input...)
	frameBytes := int(m.frameDuration.Seconds() * float64(m.sampleRate) * 2)
	for len(m.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, m.pending[:frameBytes])
		m.pending = m.pending[frameBytes:]

		frame := types.AudioFrame{
			Data:       data,
			SampleRate: m.sampleRate,
			Channels:   1,
			Timestamp:  m.elapsed,
		}
		m.elapsed += m.frameDuration

		select {
		case m.frames <- frame:
		default:
		}
	}
}

// Frames implements [audio.CaptureDevice].
func (m *Microphone) Frames() <-chan types.AudioFrame {
	return m.frames
}

// Stop implements [audio.CaptureDevice].
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.mctx != nil {
		_ = m.mctx.Uninit()
		m.mctx = nil
	}
	close(m.frames)
	return nil
}

// ── Speaker ────────────────────────────────────────────────────────────────

// Speaker renders PCM through the default output device. The underlying oto
// context is created lazily on the first Play, at that segment's sample
// rate; later segments at a different rate are resampled to match, since an
// oto context cannot change rate once created.
//
// Playback is pull-based: Play appends the clip to an internal buffer and
// returns, while the oto player drains the buffer in the background.
type Speaker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	otoCtx  *oto.Context
	player  *oto.Player
	rate    int
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeaker returns a speaker playback device.
func NewSpeaker() *Speaker {
	s := &Speaker{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Play implements [audio.PlaybackDevice]. The segment must carry mono
// little-endian int16 PCM; it is duplicated to stereo for the output device.
func (s *Speaker) Play(ctx context.Context, segment types.AudioSegment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(segment.Data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrDeviceClosed
	}

	if s.otoCtx == nil {
		opts := &oto.NewContextOptions{
			SampleRate: segment.SampleRate,
			// Stereo: some output backends refuse mono sinks.
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
			// ~100 ms of buffer keeps latency low without glitching.
			BufferSize: 100 * time.Millisecond,
		}
		otoCtx, ready, err := oto.NewContext(opts)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		<-ready
		s.otoCtx = otoCtx
		s.rate = segment.SampleRate
	}

	pcm := segment.Data
	if segment.SampleRate != s.rate {
		pcm = audio.ResampleMono16(pcm, segment.SampleRate, s.rate)
	}
	s.buf = append(s.buf, audio.MonoToStereo(pcm)...)

	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(pullReader{s})
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// pullReader adapts the speaker buffer to the io.Reader the oto player
// pulls from.
type pullReader struct {
	s *Speaker
}

func (r pullReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush implements [audio.PlaybackDevice]. It discards buffered audio and
// resets the player so the next Play starts clean.
func (s *Speaker) Flush() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		player := s.player
		s.player = nil
		s.playing = false
		s.mu.Unlock()
		player.Pause()
		player.Reset()
		_ = player.Close()
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Close implements [audio.PlaybackDevice].
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
	return nil
}
