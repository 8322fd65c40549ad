// Command sibilla is the main entry point for the Sibilla voice consultation
// server. It wires the configured LLM, STT and TTS providers into the
// consultation state machine and serves websocket voice sessions, or runs a
// single consultation on the local microphone when started with -local.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	oai "github.com/openai/openai-go"
	"go.opentelemetry.io/otel"

	"github.com/sibilla-voice/sibilla/internal/capture"
	"github.com/sibilla-voice/sibilla/internal/config"
	"github.com/sibilla-voice/sibilla/internal/consult"
	"github.com/sibilla-voice/sibilla/internal/dialogue"
	"github.com/sibilla-voice/sibilla/internal/extract"
	"github.com/sibilla-voice/sibilla/internal/health"
	"github.com/sibilla-voice/sibilla/internal/observe"
	"github.com/sibilla-voice/sibilla/internal/orchestrator"
	"github.com/sibilla-voice/sibilla/internal/profile"
	"github.com/sibilla-voice/sibilla/internal/resilience"
	"github.com/sibilla-voice/sibilla/internal/server"
	"github.com/sibilla-voice/sibilla/internal/session"
	"github.com/sibilla-voice/sibilla/pkg/audio/device"
	"github.com/sibilla-voice/sibilla/pkg/provider/llm"
	"github.com/sibilla-voice/sibilla/pkg/provider/llm/anyllm"
	llmopenai "github.com/sibilla-voice/sibilla/pkg/provider/llm/openai"
	"github.com/sibilla-voice/sibilla/pkg/provider/stt"
	sttopenai "github.com/sibilla-voice/sibilla/pkg/provider/stt/openai"
	"github.com/sibilla-voice/sibilla/pkg/provider/stt/whispercpp"
	"github.com/sibilla-voice/sibilla/pkg/provider/tts"
	"github.com/sibilla-voice/sibilla/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/sibilla-voice/sibilla/pkg/provider/tts/openai"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	localMode := flag.Bool("local", false, "run one consultation on the local microphone and speaker instead of serving websocket sessions")
	flag.Parse()

	// A .env file is optional; deployments usually set env vars directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sibilla: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sibilla: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sibilla starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sibilla",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Resilience wrapping ───────────────────────────────────────────────────
	// STT and TTS always get a circuit breaker; the LLM additionally gets a
	// fallback chain when providers.llm_fallback is configured.
	sttProv := resilience.NewSTTFallback(providers.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
	ttsProv := resilience.NewTTSFallback(providers.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})

	var llmProv llm.Provider = providers.LLM
	if name := cfg.Providers.LLMFallback.Name; name != "" {
		fallbackLLM, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if err != nil {
			slog.Error("failed to create fallback llm provider", "name", name, "err", err)
			return 1
		}
		group := resilience.NewLLMFallback(providers.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		group.AddFallback(name, fallbackLLM)
		llmProv = group
		slog.Info("llm fallback configured", "primary", cfg.Providers.LLM.Name, "fallback", name)
	}

	// ── Profile store ─────────────────────────────────────────────────────────
	var profiles profile.Store = profile.Noop{}
	var pgStore *profile.PostgresStore
	if dsn := cfg.Profile.PostgresDSN; dsn != "" {
		pgStore, err = profile.NewPostgresStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect profile store", "err", err)
			return 1
		}
		profiles = pgStore
		slog.Info("caller profile store connected")
	}
	defer profiles.Close()

	// ── Session store and sweeper ─────────────────────────────────────────────
	store := session.NewMemStore()
	sweeper := session.NewSweeper(session.SweeperConfig{
		Store:    store,
		TTL:      cfg.Session.TTL.Std(),
		Interval: cfg.Session.SweepInterval.Std(),
		Logger:   logger,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// ── Consultation machine ──────────────────────────────────────────────────
	dlg := dialogue.NewService(llmProv, dialogue.WithLogger(logger))
	extractor := extract.New(llmProv, extract.WithLogger(logger))

	machineOpts := []consult.MachineOption{
		consult.WithLogger(logger),
		consult.WithProfileStore(profiles),
	}
	if cfg.Consultation.Persona != "" {
		machineOpts = append(machineOpts, consult.WithPersona(cfg.Consultation.Persona))
	}
	if cfg.Consultation.MaxReadingTurns != nil {
		machineOpts = append(machineOpts, consult.WithMaxReadingTurns(*cfg.Consultation.MaxReadingTurns))
	}
	machine := consult.NewMachine(dlg, extractor, store, machineOpts...)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	if *localMode {
		return runLocal(ctx, cfg, sttProv, ttsProv, machine, metrics, logger)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level changes apply immediately; consultation tunables apply to
	// sessions started after the reload.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		}
		if diff.ConsultationChanged {
			slog.Info("consultation settings updated, applies to new sessions",
				"operator", new.Consultation.Operator,
				"category", new.Consultation.Category,
			)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	paramsFn := func() session.Params {
		return consultationParams(watcher.Current())
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	}
	if lang := cfg.Consultation.Language; lang != "" {
		serverOpts = append(serverOpts, server.WithLanguage(lang))
	}
	if pgStore != nil {
		serverOpts = append(serverOpts, server.WithHealthCheckers(health.Checker{
			Name:  "profile-store",
			Check: pgStore.Ping,
		}))
	}
	if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
		serverOpts = append(serverOpts, server.WithTLS(tlsCfg.CertFile, tlsCfg.KeyFile))
	}

	srv := server.New(cfg.Server.ListenAddr, machine, sttProv, ttsProv, paramsFn, serverOpts...)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// runLocal runs a single consultation against the machine's default audio
// devices. Useful for trying out a configuration without a client.
func runLocal(ctx context.Context, cfg *config.Config, sttProv orchestrator.Transcriber, ttsProv orchestrator.Synthesizer, machine orchestrator.TurnHandler, metrics *observe.Metrics, logger *slog.Logger) int {
	mic := device.NewMicrophone()
	speaker := device.NewSpeaker()
	defer speaker.Close()

	detector := capture.NewTurnDetector(mic, capture.WithLogger(logger))

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}
	if lang := cfg.Consultation.Language; lang != "" {
		orchOpts = append(orchOpts, orchestrator.WithLanguage(lang))
	}

	orch := orchestrator.New(uuid.NewString(), consultationParams(cfg), detector, speaker, sttProv, ttsProv, machine, orchOpts...)

	slog.Info("local consultation started, press Ctrl+C to hang up")

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, capture.ErrPermissionDenied) {
			slog.Error("microphone access denied")
		} else {
			slog.Error("consultation error", "err", err)
		}
		return 1
	}
	return 0
}

func consultationParams(cfg *config.Config) session.Params {
	return session.Params{
		Operator: cfg.Consultation.Operator,
		Category: cfg.Consultation.Category,
		Deck:     cfg.Consultation.Deck,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Sibilla. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "mistral", "groq"},
	"stt": {"openai", "whispercpp"},
	"tts": {"openai", "elevenlabs"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native client so tool calling works end to end.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, mistral and groq share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{"anthropic", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whispercpp", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whispercpp.Option
		if entry.Model != "" {
			opts = append(opts, whispercpp.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispercpp.WithLanguage(lang))
		}
		return whispercpp.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if format := optString(entry.Options, "response_format"); format != "" {
			opts = append(opts, ttsopenai.WithResponseFormat(oai.AudioSpeechNewParamsResponseFormat(format)))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// providers holds the instantiated primary providers for one server run.
type providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// buildProviders instantiates the providers named in cfg using the registry.
// All three kinds are required: a consultation cannot run without a brain, an
// ear and a voice.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providers, error) {
	ps := &providers{}

	name := cfg.Providers.LLM.Name
	if name == "" {
		return nil, errors.New("providers.llm.name is required")
	}
	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", name)

	name = cfg.Providers.STT.Name
	if name == "" {
		return nil, errors.New("providers.stt.name is required")
	}
	s, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", name, err)
	}
	ps.STT = s
	slog.Info("provider created", "kind", "stt", "name", name)

	name = cfg.Providers.TTS.Name
	if name == "" {
		return nil, errors.New("providers.tts.name is required")
	}
	t, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", name, err)
	}
	ps.TTS = t
	slog.Info("provider created", "kind", "tts", "name", name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sibilla startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("LLM fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printField("Operator", cfg.Consultation.Operator)
	printField("Category", cfg.Consultation.Category)
	if cfg.Profile.PostgresDSN != "" {
		printField("Profile store", "postgres")
	} else {
		printField("Profile store", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if name == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printField(kind, value)
}

func printField(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust the level at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
