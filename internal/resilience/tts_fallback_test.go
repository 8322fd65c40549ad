package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"

	ttsmock "github.com/sibilla-voice/sibilla/pkg/provider/tts/mock"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

var testVoice = types.VoiceProfile{ID: "nova", SpeedFactor: 0.85}

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("primary-audio")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "Benvenuta.", testVoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(audio, []byte("primary-audio")) {
		t.Fatalf("audio = %q, want primary clip", audio)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "Benvenuta.", testVoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(audio, []byte("secondary-audio")) {
		t.Fatalf("audio = %q, want secondary clip", audio)
	}
	// Both backends must have received the same text and voice.
	if primary.LastText() != "Benvenuta." || secondary.LastText() != "Benvenuta." {
		t.Fatalf("texts = %q / %q", primary.LastText(), secondary.LastText())
	}
	if secondary.SynthesizeCalls[0].Voice.ID != "nova" {
		t.Fatalf("voice = %+v", secondary.SynthesizeCalls[0].Voice)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "Benvenuta.", testVoice)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		if _, err := fb.Synthesize(context.Background(), "Benvenuta.", testVoice); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// One failure trips the breaker; later calls go straight to the fallback.
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 3 {
		t.Fatalf("secondary called %d times, want 3", secondary.CallCount())
	}
}
