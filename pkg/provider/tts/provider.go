// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., the OpenAI speech API
// or ElevenLabs) and presents a uniform batch interface: one reply text in,
// one encoded audio clip out. Replies in a consultation are short (a sentence
// or two), so batch synthesis keeps the pipeline simple without a noticeable
// latency cost.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/sibilla-voice/sibilla/pkg/types"
)

// ErrSynthesis wraps any upstream synthesis failure. The orchestrator treats
// it as recoverable and resumes listening rather than hanging in playback.
var ErrSynthesis = errors.New("speech synthesis failed")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per active session).
type Provider interface {
	// Synthesize converts text into encoded audio using the given voice profile.
	// The returned bytes are a complete audio clip in the provider's output
	// format (MP3 for OpenAI, PCM for ElevenLabs).
	//
	// Failures are wrapped with ErrSynthesis. Returns an error if ctx is
	// cancelled before synthesis completes.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)
}
