// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/sibilla-voice/sibilla/pkg/provider/tts"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultSpeed = 0.85
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
// Output is MP3 unless WithResponseFormat says otherwise.
type Provider struct {
	client oai.Client
	model  string
	speed  float64
	format oai.AudioSpeechNewParamsResponseFormat
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	speed   float64
	format  oai.AudioSpeechNewParamsResponseFormat
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides the speech model. Defaults to gpt-4o-mini-tts.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithSpeed overrides the default speaking rate. The 0.85 default gives the
// unhurried delivery expected of the consultation persona.
func WithSpeed(speed float64) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// WithResponseFormat overrides the output encoding. Defaults to MP3, which
// suits streaming to a phone bridge; local device playback wants
// [oai.AudioSpeechNewParamsResponseFormatPCM] (24 kHz mono s16le).
func WithResponseFormat(format oai.AudioSpeechNewParamsResponseFormat) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:  defaultModel,
		speed:  defaultSpeed,
		format: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: cfg.model, speed: cfg.speed, format: cfg.format}, nil
}

// Synthesize implements tts.Provider. voice.ID selects the OpenAI voice
// (nova, shimmer, fable, coral, alloy, ...); voice.SpeedFactor and
// voice.Instructions override the provider defaults when set.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("openai: empty text: %w", tts.ErrSynthesis)
	}
	if voice.ID == "" {
		return nil, fmt.Errorf("openai: voice.ID must not be empty")
	}

	speed := p.speed
	if voice.SpeedFactor > 0 {
		speed = voice.SpeedFactor
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: p.format,
		Speed:          param.NewOpt(speed),
	}
	if voice.Instructions != "" {
		params.Instructions = param.NewOpt(voice.Instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %v: %w", err, tts.ErrSynthesis)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %v: %w", err, tts.ErrSynthesis)
	}
	return audio, nil
}
