// Package audio defines the device abstractions and PCM utilities for the
// voice pipeline.
//
// The two primary abstractions are:
//
//   - [CaptureDevice]: a source of caller speech as a stream of PCM frames.
//   - [PlaybackDevice]: a sink that renders synthesized speech to the caller.
//
// Implementations are provided by adapter packages (audio/device for the
// local microphone and speaker, internal/server for websocket peers). The
// interfaces are intentionally narrow to keep the orchestrator decoupled
// from transport details.
//
// This package lives under pkg/ because external code (alternative
// transports) is expected to implement [CaptureDevice] and [PlaybackDevice].
package audio

import (
	"context"
	"errors"

	"github.com/sibilla-voice/sibilla/pkg/types"
)

var (
	// ErrPermissionDenied indicates the host refused access to the audio
	// input device: a denied microphone permission, exclusive use by
	// another process, or a missing device.
	ErrPermissionDenied = errors.New("audio device access denied")

	// ErrDeviceClosed indicates an operation on a device that has already
	// been stopped or closed.
	ErrDeviceClosed = errors.New("audio device closed")
)

// CaptureDevice produces a continuous stream of PCM frames from an input
// source (a local microphone, a websocket peer, a test fixture). Frames
// carry little-endian int16 PCM; the device decides sample rate and channel
// count and stamps both on every frame.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Start begins capture. Frames become available on Frames() until Stop
	// is called or ctx is cancelled. Returns [ErrPermissionDenied] when the
	// input device cannot be opened.
	Start(ctx context.Context) error

	// Frames returns the stream of captured frames. The channel is closed
	// when capture stops. Callers must drain it to avoid blocking the
	// producer.
	Frames() <-chan types.AudioFrame

	// Stop ends capture and closes the frame channel. Safe to call more
	// than once; subsequent calls are no-ops and return nil.
	Stop() error
}

// PlaybackDevice consumes PCM audio and renders it to an output sink (a
// local speaker, a websocket peer).
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Play renders one clip of speech. It blocks until the clip has been
	// handed to the sink in full or ctx is cancelled; it does not wait for
	// the sink to finish rendering. Returns [ErrDeviceClosed] after Close.
	Play(ctx context.Context, segment types.AudioSegment) error

	// Flush discards any audio the sink has buffered but not yet rendered.
	Flush() error

	// Close releases the output device. Safe to call more than once.
	Close() error
}
