package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sibilla-voice/sibilla/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/sibilla/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tls with only cert_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_FallbackWithoutPrimary(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm_fallback:
    name: ollama
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for llm_fallback without llm, got nil")
	}
	if !strings.Contains(err.Error(), "llm_fallback") {
		t.Errorf("error should mention llm_fallback, got: %v", err)
	}
}

func TestValidate_InvalidCategory(t *testing.T) {
	t.Parallel()
	yaml := `
consultation:
  category: DESTINO
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid category, got nil")
	}
	if !strings.Contains(err.Error(), "category") {
		t.Errorf("error should mention category, got: %v", err)
	}
}

func TestValidate_EmptyCategoryIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
consultation:
  operator: Luna
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error for omitted category: %v", err)
	}
}

func TestValidate_NegativeTurnCap(t *testing.T) {
	t.Parallel()
	yaml := `
consultation:
  max_reading_turns: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_reading_turns, got nil")
	}
	if !strings.Contains(err.Error(), "max_reading_turns") {
		t.Errorf("error should mention max_reading_turns, got: %v", err)
	}
}

func TestValidate_NegativeSessionDurations(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  ttl: -1m
  sweep_interval: -30s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative session durations, got nil")
	}
	if !strings.Contains(err.Error(), "ttl") {
		t.Errorf("error should mention ttl, got: %v", err)
	}
	if !strings.Contains(err.Error(), "sweep_interval") {
		t.Errorf("error should mention sweep_interval, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
consultation:
  category: FORTUNA
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "category") {
		t.Errorf("error should mention category, got: %v", err)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SIBILLA_TEST_OPENAI_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
providers:
  llm:
    name: openai
    api_key: ${SIBILLA_TEST_OPENAI_KEY}
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.LLM.APIKey, "sk-from-env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	for _, kind := range []string{"llm", "stt", "tts"} {
		names := config.ValidProviderNames[kind]
		if len(names) == 0 {
			t.Fatalf("ValidProviderNames[%q] should not be empty", kind)
		}
		found := false
		for _, n := range names {
			if n == "openai" {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ValidProviderNames[%q] should contain \"openai\"", kind)
		}
	}
}
