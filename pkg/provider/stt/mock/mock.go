// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcription results and inspect which
// segments were delivered.
//
// Example:
//
//	p := &mock.Provider{Text: "Mi chiamo Giulia."}
//	text, _ := p.Transcribe(ctx, segment, "it")
package mock

import (
	"context"
	"sync"

	"github.com/sibilla-voice/sibilla/pkg/provider/stt"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Segment is the audio segment passed to Transcribe.
	Segment types.AudioSegment
	// LanguageHint is the language hint passed to Transcribe.
	LanguageHint string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts is a queue of transcription results consumed one per Transcribe
	// call. When exhausted (or empty), Transcribe falls back to Text.
	Texts []string

	// Text is returned by Transcribe when the queue is empty.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next queued text, or Text when
// the queue is exhausted, along with Err.
func (p *Provider) Transcribe(ctx context.Context, segment types.AudioSegment, languageHint string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Segment: segment, LanguageHint: languageHint})
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Texts) > 0 {
		text := p.Texts[0]
		p.Texts = p.Texts[1:]
		return text, nil
	}
	return p.Text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
