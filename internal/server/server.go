// Package server exposes the HTTP surface of the consultation service: the
// websocket voice endpoint, session reset, health probes, and Prometheus
// metrics.
//
// Each voice connection owns one orchestrator: the websocket is adapted
// into the audio device interfaces and the turn-taking loop runs for the
// lifetime of the connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sibilla-voice/sibilla/internal/capture"
	"github.com/sibilla-voice/sibilla/internal/health"
	"github.com/sibilla-voice/sibilla/internal/observe"
	"github.com/sibilla-voice/sibilla/internal/orchestrator"
	"github.com/sibilla-voice/sibilla/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the consultation service.
type Server struct {
	addr    string
	machine orchestrator.TurnHandler
	stt     orchestrator.Transcriber
	tts     orchestrator.Synthesizer

	params   func() session.Params
	language string
	logger   *slog.Logger
	metrics  *observe.Metrics
	health   *health.Handler

	certFile string
	keyFile  string

	router chi.Router
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLanguage sets the transcription language hint passed to each voice
// session. Defaults to "it".
func WithLanguage(lang string) Option {
	return func(s *Server) {
		if lang != "" {
			s.language = lang
		}
	}
}

// WithHealthCheckers registers readiness checkers for /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) {
		s.health = health.New(checkers...)
	}
}

// WithTLS serves HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// New creates a server listening on addr. params is called once per new
// voice connection so consultation settings reloaded at runtime apply to
// sessions created afterwards.
func New(addr string, machine orchestrator.TurnHandler, stt orchestrator.Transcriber, tts orchestrator.Synthesizer, params func() session.Params, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		machine:  machine,
		stt:      stt,
		tts:      tts,
		params:   params,
		language: "it",
		logger:   slog.Default(),
		health:   health.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.router = s.routes()
	return s
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Delete("/sessions/{key}", s.handleSessionDelete)
		api.Get("/voice", s.handleVoice)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.addr, "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleSessionDelete resets one consultation session.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	err := s.machine.Reset(r.Context(), key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.logger.Error("session reset failed", "session", key, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleVoice upgrades to a websocket and runs one consultation for the
// lifetime of the connection.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("voice upgrade failed", "error", err)
		return
	}

	key := r.URL.Query().Get("session")
	if key == "" {
		key = uuid.NewString()
	}
	logger := s.logger.With("session", key)

	device := newWSDevice(conn, logger)
	defer device.Close()

	detector := capture.NewTurnDetector(device, capture.WithLogger(logger))
	orch := orchestrator.New(key, s.params(), detector, device, s.stt, s.tts, s.machine,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithLanguage(s.language),
	)
	device.onEnd = orch.End

	if err := orch.Run(r.Context()); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, context.Canceled) {
			logger.Info("voice session ended", "reason", err)
		} else {
			logger.Error("voice session failed", "error", err)
			device.sendControl(context.WithoutCancel(r.Context()), controlMessage{
				Type:    "error",
				Message: "consultation failed",
			})
		}
		return
	}

	// Let the client know the consultation is over before the socket drops.
	device.sendControl(context.WithoutCancel(r.Context()), controlMessage{Type: "end"})
}

// writeError sends a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
