// Package capture implements the speech capture and turn detection stage.
// It consumes the raw frame stream of an [audio.CaptureDevice], measures
// energy in the human-voice band, and emits one finished spoken turn at a
// time: speech followed by a sustained window of silence.
//
// The detector never reacts to the system's own playback: while the
// assistant-speaking flag is set, incoming frames are monitored but neither
// recorded nor allowed to finish a turn, and frames that queued up while the
// flag was set are discarded when it clears, so residual echo cannot produce
// a phantom utterance.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sibilla-voice/sibilla/pkg/audio"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

var (
	// ErrNoAudioCaptured indicates a listening round ended without any
	// speech: the caller should silently re-arm listening rather than
	// proceed to transcription.
	ErrNoAudioCaptured = errors.New("no audio captured")

	// ErrPermissionDenied indicates the input device could not be opened.
	// Unlike the other capture errors it blocks the loop from starting at
	// all until access is granted.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrStreamClosed indicates the device's frame stream ended before any
	// speech was heard. Unlike [ErrNoAudioCaptured] there is nothing left
	// to listen to; the caller should stop the loop.
	ErrStreamClosed = audio.ErrDeviceClosed
)

const (
	// defaultSilenceWindow is how long the level must stay below the
	// silence threshold before a turn is considered finished.
	defaultSilenceWindow = 6 * time.Second

	// defaultEarlySilenceWindow is the shorter cutoff applied from the
	// second turn onward. The first turn of a session always waits for the
	// full window so a hesitant opening utterance is never truncated.
	defaultEarlySilenceWindow = 2 * time.Second

	defaultSpeechThreshold  = 0.025
	defaultSilenceThreshold = 0.012

	// Human-voice band edges in Hz.
	defaultBandLow  = 80.0
	defaultBandHigh = 8000.0

	// trailingPad is how much of the trailing silence is kept on the
	// emitted segment so the transcriber sees a natural utterance end.
	trailingPad = 300 * time.Millisecond
)

// TurnDetector turns a frame stream into finished spoken turns.
//
// All methods are safe for concurrent use, but NextTurn must not be called
// from more than one goroutine at a time.
type TurnDetector struct {
	device audio.CaptureDevice
	logger *slog.Logger

	speechThreshold    float64
	silenceThreshold   float64
	silenceWindow      time.Duration
	earlySilenceWindow time.Duration
	bandLow            float64
	bandHigh           float64

	assistantSpeaking atomic.Bool

	mu            sync.Mutex
	firstTurnDone bool
}

// Option customizes a [TurnDetector].
type Option func(*TurnDetector)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *TurnDetector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithThresholds overrides the speech and silence RMS thresholds
// (normalized to [0, 1]). speech must be ≥ silence; levels between the two
// neither extend speech nor count toward the silence window.
func WithThresholds(speech, silence float64) Option {
	return func(d *TurnDetector) {
		if speech > 0 {
			d.speechThreshold = speech
		}
		if silence > 0 {
			d.silenceThreshold = silence
		}
	}
}

// WithSilenceWindow overrides the full end-of-turn silence window.
func WithSilenceWindow(window time.Duration) Option {
	return func(d *TurnDetector) {
		if window > 0 {
			d.silenceWindow = window
		}
	}
}

// WithEarlySilenceWindow overrides the shortened window used after the
// first turn. Zero disables the early cutoff entirely.
func WithEarlySilenceWindow(window time.Duration) Option {
	return func(d *TurnDetector) {
		if window >= 0 {
			d.earlySilenceWindow = window
		}
	}
}

// WithVoiceBand overrides the band-pass edges in Hz.
func WithVoiceBand(low, high float64) Option {
	return func(d *TurnDetector) {
		if low > 0 && high > low {
			d.bandLow = low
			d.bandHigh = high
		}
	}
}

// NewTurnDetector creates a detector over the given capture device.
func NewTurnDetector(device audio.CaptureDevice, opts ...Option) *TurnDetector {
	d := &TurnDetector{
		device:             device,
		logger:             slog.Default(),
		speechThreshold:    defaultSpeechThreshold,
		silenceThreshold:   defaultSilenceThreshold,
		silenceWindow:      defaultSilenceWindow,
		earlySilenceWindow: defaultEarlySilenceWindow,
		bandLow:            defaultBandLow,
		bandHigh:           defaultBandHigh,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start opens the underlying device. A denied microphone surfaces as
// [ErrPermissionDenied]; the caller must re-request access and call Start
// again before any listening can happen.
func (d *TurnDetector) Start(ctx context.Context) error {
	if err := d.device.Start(ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

// Stop closes the underlying device. Any frames still buffered are drained
// so the producer is never left blocked.
func (d *TurnDetector) Stop() error {
	err := d.device.Stop()
	go audio.Drain(d.device.Frames())
	return err
}

// SetAssistantSpeaking gates end-of-turn detection. While set, frames are
// consumed but not recorded and the silence window never completes. Clearing
// the flag first discards every frame still queued on the device: those
// frames arrived during playback, so they carry the system's own voice, not
// the caller's.
func (d *TurnDetector) SetAssistantSpeaking(speaking bool) {
	if !speaking {
		d.discardQueued()
	}
	d.assistantSpeaking.Store(speaking)
}

// discardQueued empties the device's frame buffer without blocking.
func (d *TurnDetector) discardQueued() {
	for {
		select {
		case _, ok := <-d.device.Frames():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NextTurn blocks until one spoken turn completes and returns it as a
// single segment with the bulk of the trailing silence trimmed.
//
// Returns [ErrNoAudioCaptured] when a full silence window elapses without
// any speech, [ErrStreamClosed] when the device stream closes before
// speech was heard, and ctx.Err() on cancellation.
func (d *TurnDetector) NextTurn(ctx context.Context) (types.AudioSegment, error) {
	window := d.silenceWindow
	d.mu.Lock()
	if d.firstTurnDone && d.earlySilenceWindow > 0 {
		window = d.earlySilenceWindow
	}
	d.mu.Unlock()

	var (
		clip       []byte
		sampleRate int
		filter     *voiceBandFilter
		speechSeen bool
		silence    time.Duration
		idle       time.Duration
	)

	for {
		select {
		case <-ctx.Done():
			return types.AudioSegment{}, ctx.Err()

		case frame, ok := <-d.device.Frames():
			if !ok {
				if speechSeen && len(clip) > 0 {
					return d.finish(clip, sampleRate, 0), nil
				}
				return types.AudioSegment{}, ErrStreamClosed
			}
			if len(frame.Data) == 0 || frame.SampleRate <= 0 {
				continue
			}
			if filter == nil || frame.SampleRate != sampleRate {
				sampleRate = frame.SampleRate
				filter = newVoiceBandFilter(sampleRate, d.bandLow, d.bandHigh)
			}
			frameDur := pcmDuration(len(frame.Data), sampleRate)

			if d.assistantSpeaking.Load() {
				// Own playback or echo. Keep the filter warm but never
				// record the frame or let the window complete.
				filter.rms(frame.Data)
				silence = 0
				continue
			}

			level := filter.rms(frame.Data)
			switch {
			case level >= d.speechThreshold:
				speechSeen = true
				silence = 0
			case speechSeen && level < d.silenceThreshold:
				silence += frameDur
			case !speechSeen:
				idle += frameDur
			}

			if speechSeen {
				clip = append(clip, frame.Data...)
				if silence >= window {
					d.mu.Lock()
					d.firstTurnDone = true
					d.mu.Unlock()
					return d.finish(clip, sampleRate, silence), nil
				}
			} else if idle >= d.silenceWindow {
				return types.AudioSegment{}, ErrNoAudioCaptured
			}
		}
	}
}

// finish trims the trailing silence down to a short pad and wraps the clip
// in a segment.
func (d *TurnDetector) finish(clip []byte, sampleRate int, silence time.Duration) types.AudioSegment {
	if trim := silence - trailingPad; trim > 0 {
		trimBytes := int(trim.Seconds()*float64(sampleRate)) * 2
		if trimBytes > 0 && trimBytes < len(clip) {
			clip = clip[:len(clip)-trimBytes]
		}
	}
	seg := types.AudioSegment{
		Data:       clip,
		SampleRate: sampleRate,
		Duration:   pcmDuration(len(clip), sampleRate),
	}
	d.logger.Debug("turn captured",
		"duration", seg.Duration,
		"bytes", len(seg.Data),
	)
	return seg
}

// pcmDuration returns the play time of n bytes of 16-bit mono PCM.
func pcmDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
