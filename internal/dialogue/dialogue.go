// Package dialogue implements conversation continuation on top of an
// [llm.Provider]. Callers hold an opaque handle instead of a transcript:
// each Exchange resends the stored history for that handle, appends the new
// turn, and returns a handle that continues the exact same conversation.
// The consultation machine never carries raw history across turns.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sibilla-voice/sibilla/pkg/provider/llm"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// defaultMaxHistory bounds the stored message count per conversation.
// Older turns fall off the front; the phase scripts carry everything the
// model must not forget (facts, cards, question).
const defaultMaxHistory = 40

// Request is one conversational exchange.
type Request struct {
	// Handle continues a prior conversation. Empty starts a new one. An
	// unknown (expired) handle silently starts fresh.
	Handle string

	// Script is the system instruction for this call. It is per-call:
	// the active phase script changes while the conversation continues.
	Script string

	// Prompt is the user utterance.
	Prompt string

	// Tools are the actions the model may invoke on this call.
	Tools []types.ToolDefinition

	// Temperature and MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of one exchange.
type Result struct {
	// Text is the assistant reply, possibly empty when the model only
	// invoked an action.
	Text string

	// ToolCalls are the actions the model invoked, uninterpreted.
	ToolCalls []types.ToolCall

	// Handle continues this conversation. Equal to the request handle
	// when one was given and known.
	Handle string
}

// Service manages conversation histories keyed by handle.
//
// All methods are safe for concurrent use.
type Service struct {
	provider llm.Provider
	logger   *slog.Logger
	maxHist  int

	mu        sync.Mutex
	histories map[string][]types.Message
}

// Option customizes a [Service].
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxHistory overrides the per-conversation message cap.
func WithMaxHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxHist = n
		}
	}
}

// NewService creates a dialogue service over provider.
func NewService(provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		logger:    slog.Default(),
		maxHist:   defaultMaxHistory,
		histories: make(map[string][]types.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capabilities reports the underlying provider's capabilities.
func (s *Service) Capabilities() types.ModelCapabilities {
	return s.provider.Capabilities()
}

// Exchange performs one conversational turn. On success the user prompt and
// assistant reply are committed to the conversation history and the
// returned handle resumes it; on error the history is left untouched.
func (s *Service) Exchange(ctx context.Context, req Request) (*Result, error) {
	history, handle := s.lookup(req.Handle)

	messages := make([]types.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, types.Message{Role: types.RoleUser, Content: req.Prompt})

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: req.Script,
		Messages:     messages,
		Tools:        req.Tools,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue exchange: %w", err)
	}

	s.commit(handle, req.Prompt, resp.Content)

	return &Result{
		Text:      resp.Content,
		ToolCalls: resp.ToolCalls,
		Handle:    handle,
	}, nil
}

// Forget discards the conversation behind handle. No-op for unknown handles.
func (s *Service) Forget(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, handle)
}

// lookup resolves a request handle to its history, minting a fresh handle
// for empty or unknown ones.
func (s *Service) lookup(handle string) ([]types.Message, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle != "" {
		if history, ok := s.histories[handle]; ok {
			out := make([]types.Message, len(history))
			copy(out, history)
			return out, handle
		}
		s.logger.Debug("unknown continuation handle, starting fresh", "handle", handle)
	}
	return nil, uuid.NewString()
}

func (s *Service) commit(handle, prompt, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.histories[handle],
		types.Message{Role: types.RoleUser, Content: prompt},
		types.Message{Role: types.RoleAssistant, Content: reply},
	)
	if len(history) > s.maxHist {
		history = history[len(history)-s.maxHist:]
	}
	s.histories[handle] = history
}
