package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an idle session survives.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is the period between expiry sweeps.
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper periodically removes idle sessions from a [Store]. A session
// touched at minute 29 survives a sweep at minute 30; one untouched for
// longer than the TTL is gone after the next tick.
//
// All methods are safe for concurrent use.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	// Store is the session store to sweep.
	Store Store

	// TTL is the idle lifetime. Defaults to DefaultTTL if zero.
	TTL time.Duration

	// Interval is the sweep period. Defaults to DefaultSweepInterval if zero.
	Interval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewSweeper creates a new [Sweeper] with the given configuration.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine. It runs until
// Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.store.SweepExpired(ctx, s.ttl)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed, "ttl", s.ttl)
	}
}
