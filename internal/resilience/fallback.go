package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the dedicated circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainLink pairs one provider with its circuit breaker.
type chainLink[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same provider type. A call walks the chain in registration order, skipping
// providers whose breaker is open, until one succeeds.
//
// FallbackGroup is safe for concurrent use. Providers must be registered
// before the group is shared across goroutines.
type FallbackGroup[T any] struct {
	chain []chainLink[T]
	cfg   FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first link.
// Additional providers are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, provider T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.chain = append(fg.chain, chainLink[T]{
		name:    name,
		value:   provider,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each provider in order until one succeeds. Returns
// [ErrAllFailed] wrapped with the last error when the whole chain fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(p T) (struct{}, error) {
		return struct{}{}, fn(p)
	})
	return err
}

// ExecuteWithResult tries fn against each provider in the chain until one
// succeeds, returning the result of the first success. It is a package-level
// function because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.chain {
		link := &fg.chain[i]

		var result R
		err := link.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(link.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", link.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", link.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
