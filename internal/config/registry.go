package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sibilla-voice/sibilla/pkg/provider/llm"
	"github.com/sibilla-voice/sibilla/pkg/provider/stt"
	"github.com/sibilla-voice/sibilla/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factorySet holds named constructors for one provider kind.
type factorySet[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

func newFactorySet[T any](kind string) *factorySet[T] {
	return &factorySet[T]{
		kind:      kind,
		factories: make(map[string]func(ProviderEntry) (T, error)),
	}
}

// register stores factory under name, replacing any earlier registration.
func (s *factorySet[T]) register(name string, factory func(ProviderEntry) (T, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
}

func (s *factorySet[T]) create(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	factory, ok := s.factories[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names from the config file to constructors, one
// namespace per provider kind. Safe for concurrent use.
type Registry struct {
	llm *factorySet[llm.Provider]
	stt *factorySet[stt.Provider]
	tts *factorySet[tts.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactorySet[llm.Provider]("llm"),
		stt: newFactorySet[stt.Provider]("stt"),
		tts: newFactorySet[tts.Provider]("tts"),
	}
}

// RegisterLLM registers a language-model provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterSTT registers a transcription provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, factory)
}

// RegisterTTS registers a synthesis provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, factory)
}

// CreateLLM builds the language-model provider named by entry.Name.
// Returns [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateSTT builds the transcription provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry)
}

// CreateTTS builds the synthesis provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}
