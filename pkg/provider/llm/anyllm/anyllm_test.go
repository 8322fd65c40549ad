package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sibilla-voice/sibilla/pkg/types"
)

func TestToMessage_Roles(t *testing.T) {
	tests := []struct {
		name string
		in   types.Message
	}{
		{"system", types.Message{Role: "system", Content: "Sei Sibilla, una cartomante."}},
		{"user", types.Message{Role: "user", Content: "Mi chiamo Giulia."}},
		{"tool", types.Message{Role: "tool", Content: "ok", ToolCallID: "call_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("role: got %q, want %q", got.Role, tt.in.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("content: got %q, want %q", got.ContentString(), tt.in.Content)
			}
			if got.ToolCallID != tt.in.ToolCallID {
				t.Errorf("tool call ID: got %q, want %q", got.ToolCallID, tt.in.ToolCallID)
			}
		})
	}
}

func TestToMessage_AssistantToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "end_consultation", Arguments: `{"reason":"interpretazione completata"}`},
		},
	}
	got := toMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "end_consultation" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if tc.Type != "function" {
		t.Errorf("expected type function, got %q", tc.Type)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model     string
		window    int
		maxOut    int
		toolCalls bool
	}{
		{"gpt-4o-mini", 128_000, 16_384, true},
		{"gpt-4o", 128_000, 16_384, true},
		{"o1-mini", 128_000, 65_536, false},
		{"claude-future-model", 200_000, 8_192, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true},
		{"llama3.1", 32_768, 4_096, false},
		{"mistral-small", 32_768, 4_096, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow: got %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.maxOut {
				t.Errorf("MaxOutputTokens: got %d, want %d", caps.MaxOutputTokens, tt.maxOut)
			}
			if caps.SupportsToolCalling != tt.toolCalls {
				t.Errorf("SupportsToolCalling: got %v, want %v", caps.SupportsToolCalling, tt.toolCalls)
			}
		})
	}
}

func TestModelCapabilities_UnknownModelDefaults(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("expected positive limits, got %+v", caps)
	}
	if !caps.SupportsStreaming {
		t.Error("expected SupportsStreaming=true for unknown models")
	}
}

func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	if modelCapabilities("gpt-4o").ContextWindow != modelCapabilities("GPT-4O").ContextWindow {
		t.Error("model name matching should ignore case")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "fakecloud") {
		t.Errorf("error should name the bad provider, got %v", err)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewMistral", func() (*Provider, error) { return NewMistral("mistral-small", anyllmlib.WithAPIKey("test")) }},
		{"NewGroq", func() (*Provider, error) { return NewGroq("llama3-8b", anyllmlib.WithAPIKey("test")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

func TestCapabilities_DelegatesToModel(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	if got, want := p.Capabilities().ContextWindow, modelCapabilities("gpt-4o-mini").ContextWindow; got != want {
		t.Errorf("ContextWindow: got %d, want %d", got, want)
	}
}
