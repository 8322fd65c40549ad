package resilience

import (
	"context"

	"github.com/sibilla-voice/sibilla/pkg/provider/llm"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// LLMFallback is an [llm.Provider] that fails over across backends. Each
// backend sits behind its own circuit breaker; calls go to the first backend
// whose breaker admits them.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends another backend to the failover chain.
//
// Fallbacks should match the primary's tool-calling support: the consultation
// machine decides whether to offer actions from [LLMFallback.Capabilities],
// which reports the primary only.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete implements llm.Provider with failover.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities. Static metadata does not
// participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.chain) > 0 {
		return f.group.chain[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
