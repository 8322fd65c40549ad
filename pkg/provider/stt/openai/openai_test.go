package openai

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sibilla-voice/sibilla/pkg/provider/stt"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_DefaultModel checks the whisper-1 default.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "whisper-1" {
		t.Errorf("expected default model whisper-1, got %q", p.model)
	}
}

// TestNew_WithModel checks the model override option.
func TestNew_WithModel(t *testing.T) {
	p, err := New("sk-test", WithModel("gpt-4o-transcribe"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o-transcribe" {
		t.Errorf("expected model override, got %q", p.model)
	}
}

// TestTranscribe_EmptySegment checks the empty-segment guard.
func TestTranscribe_EmptySegment(t *testing.T) {
	p, _ := New("sk-test")
	_, err := p.Transcribe(context.Background(), types.AudioSegment{SampleRate: 16000}, "it")
	if !errors.Is(err, stt.ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}

// TestEncodeWAV_Header sanity-checks the RIFF container.
func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 640)
	wav := encodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" {
		t.Error("missing RIFF marker")
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 16000 {
		t.Errorf("expected sample rate 16000, got %d", sr)
	}
}
