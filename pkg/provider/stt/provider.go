// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., OpenAI whisper-1 or a
// local whisper.cpp server) and exposes a uniform batch interface: the turn
// detector hands over one finished audio segment per spoken turn and the
// provider returns the transcribed text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/sibilla-voice/sibilla/pkg/types"
)

// ErrTranscription wraps any upstream transcription failure. Callers match it
// with errors.Is to distinguish a retryable service error from programming
// errors; the orchestrator backs off briefly and resumes listening.
var ErrTranscription = errors.New("transcription failed")

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple segments may be
// transcribed simultaneously (one per active session).
type Provider interface {
	// Transcribe converts a finished audio segment into text. languageHint is a
	// BCP-47 language code (e.g. "it"); providers that cannot honour it may
	// ignore it. An empty hint lets the provider auto-detect, if supported.
	//
	// Failures are wrapped with ErrTranscription. Returns an error if ctx is
	// cancelled before the service responds.
	Transcribe(ctx context.Context, segment types.AudioSegment, languageHint string) (string, error)
}
