package openai

import (
	"context"
	"errors"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/sibilla-voice/sibilla/pkg/provider/tts"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "gpt-4o-mini-tts" {
		t.Errorf("expected default model gpt-4o-mini-tts, got %q", p.model)
	}
	if p.speed != 0.85 {
		t.Errorf("expected default speed 0.85, got %v", p.speed)
	}
	if p.format != oai.AudioSpeechNewParamsResponseFormatMP3 {
		t.Errorf("expected default MP3 output, got %q", p.format)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("sk-test", WithModel("tts-1"), WithSpeed(1.0),
		WithResponseFormat(oai.AudioSpeechNewParamsResponseFormatPCM))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "tts-1" {
		t.Errorf("expected model tts-1, got %q", p.model)
	}
	if p.speed != 1.0 {
		t.Errorf("expected speed 1.0, got %v", p.speed)
	}
	if p.format != oai.AudioSpeechNewParamsResponseFormatPCM {
		t.Errorf("expected PCM output, got %q", p.format)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("sk-test")
	_, err := p.Synthesize(context.Background(), "", types.VoiceProfile{ID: "nova"})
	if !errors.Is(err, tts.ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestSynthesize_EmptyVoiceID(t *testing.T) {
	p, _ := New("sk-test")
	_, err := p.Synthesize(context.Background(), "Le carte sono pronte.", types.VoiceProfile{})
	if err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}
