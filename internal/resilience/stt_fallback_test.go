package resilience

import (
	"context"
	"errors"
	"testing"

	sttmock "github.com/sibilla-voice/sibilla/pkg/provider/stt/mock"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

func testSegment() types.AudioSegment {
	return types.AudioSegment{Data: []byte{0, 0, 1, 0}, SampleRate: 16000}
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Text: "mi chiamo Giulia"}
	secondary := &sttmock.Provider{Text: "wrong backend"}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), testSegment(), "it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "mi chiamo Giulia" {
		t.Fatalf("text = %q, want primary transcription", text)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Text: "sono nata a marzo"}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), testSegment(), "it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "sono nata a marzo" {
		t.Fatalf("text = %q, want secondary transcription", text)
	}
	if secondary.CallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCount())
	}
	// The failed primary must have seen the same segment first.
	if len(primary.TranscribeCalls) != 1 || primary.TranscribeCalls[0].LanguageHint != "it" {
		t.Fatalf("primary calls = %+v", primary.TranscribeCalls)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), testSegment(), "it")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
