// Package orchestrator runs the turn-taking loop of one voice consultation.
//
// The loop cycles record → transcribe → consult → synthesize → play, with
// an overriding end path the instant the consultation machine reports
// completion. Exactly one turn is in flight at a time; capture is never
// re-armed while a reply is being produced or spoken, and the detector's
// assistant-speaking flag suppresses turn detection during playback so the
// system cannot hear itself.
//
// Every provider failure is recovered by resuming listening. The only two
// ways out of the loop are a completion signal (natural or forced), an
// explicit end from the caller, and context cancellation; a denied
// microphone refuses to start at all.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sibilla-voice/sibilla/internal/capture"
	"github.com/sibilla-voice/sibilla/internal/consult"
	"github.com/sibilla-voice/sibilla/internal/observe"
	"github.com/sibilla-voice/sibilla/internal/session"
	"github.com/sibilla-voice/sibilla/pkg/audio"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

const (
	// defaultRearmDelay is how long the loop waits after playback before
	// listening resumes, so the tail of the rendered clip cannot bleed
	// into the next capture round.
	defaultRearmDelay = 500 * time.Millisecond

	// defaultTranscribeBackoff is the pause after a failed transcription
	// before the loop re-arms listening.
	defaultTranscribeBackoff = 2 * time.Second

	// defaultPlaybackRate matches the PCM output rate of the synthesis
	// providers (24 kHz mono s16le).
	defaultPlaybackRate = 24000

	// maxRetainedUtterances bounds the per-call utterance history kept for
	// fact extraction.
	maxRetainedUtterances = 20

	// teardownTimeout bounds session cleanup once the loop's own context
	// is gone.
	teardownTimeout = 5 * time.Second
)

// State is the orchestrator's position in the turn-taking cycle.
type State int32

const (
	// StateIdle: not running, or torn down.
	StateIdle State = iota

	// StateSpeaking: a synthesized clip is being rendered to the caller.
	StateSpeaking

	// StateListening: capture is armed, waiting for a finished turn.
	StateListening

	// StateTranscribing: a captured segment is at the STT provider.
	StateTranscribing

	// StateReplying: the consultation machine is computing the reply.
	StateReplying

	// StateEnding: completion observed; the final reply plays, then the
	// session is torn down. Listening is never re-armed from here.
	StateEnding
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateReplying:
		return "replying"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Transcriber converts a finished spoken turn into text.
// [stt.Provider] and the resilience wrappers satisfy it.
type Transcriber interface {
	Transcribe(ctx context.Context, segment types.AudioSegment, languageHint string) (string, error)
}

// Synthesizer converts reply text into an audio clip.
// [tts.Provider] and the resilience wrappers satisfy it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)
}

// TurnHandler runs one consultation turn and owns session lifecycle.
// [consult.Machine] satisfies it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, key string, params session.Params, utterance string, priorUtterances []string) (*consult.Result, error)
	Reset(ctx context.Context, key string) error
}

// Orchestrator drives one consultation's turn-taking loop.
//
// Run is the loop; it must be called at most once per Orchestrator. End and
// State are safe to call concurrently with Run.
type Orchestrator struct {
	key      string
	params   session.Params
	detector *capture.TurnDetector
	playback audio.PlaybackDevice
	stt      Transcriber
	tts      Synthesizer
	machine  TurnHandler

	logger       *slog.Logger
	metrics      *observe.Metrics
	voice        types.VoiceProfile
	language     string
	rearmDelay   time.Duration
	backoff      time.Duration
	playbackRate int

	mu         sync.Mutex
	state      State
	utterances []string

	endOnce sync.Once
	endCh   chan struct{}
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLanguage sets the transcription language hint. Defaults to "it".
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) {
		if lang != "" {
			o.language = lang
		}
	}
}

// WithVoice overrides the synthesis voice. By default the voice is chosen
// from the consultation category.
func WithVoice(voice types.VoiceProfile) Option {
	return func(o *Orchestrator) { o.voice = voice }
}

// WithRearmDelay overrides the post-playback pause before listening
// resumes. Zero disables it.
func WithRearmDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.rearmDelay = d
		}
	}
}

// WithTranscribeBackoff overrides the pause after a failed transcription.
func WithTranscribeBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithPlaybackSampleRate sets the sample rate stamped on synthesized clips
// handed to the playback device. Must match the synthesis provider's PCM
// output rate. Defaults to 24000.
func WithPlaybackSampleRate(rate int) Option {
	return func(o *Orchestrator) {
		if rate > 0 {
			o.playbackRate = rate
		}
	}
}

// New creates an orchestrator for one consultation identified by key.
func New(key string, params session.Params, detector *capture.TurnDetector, playback audio.PlaybackDevice, stt Transcriber, tts Synthesizer, machine TurnHandler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		key:          key,
		params:       params,
		detector:     detector,
		playback:     playback,
		stt:          stt,
		tts:          tts,
		machine:      machine,
		logger:       slog.Default(),
		voice:        consult.VoiceForCategory(params.Category),
		language:     "it",
		rearmDelay:   defaultRearmDelay,
		backoff:      defaultTranscribeBackoff,
		playbackRate: defaultPlaybackRate,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.endCh = make(chan struct{})
	return o
}

// State returns the orchestrator's current loop state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// End requests an explicit user-initiated end. The in-flight turn is
// cancelled and its results discarded; Run returns after teardown. Safe to
// call multiple times and before Run.
func (o *Orchestrator) End() {
	o.endOnce.Do(func() { close(o.endCh) })
}

// Run executes the turn-taking loop until the consultation completes, End
// is called, the capture stream closes, or ctx is cancelled.
//
// Returns [capture.ErrPermissionDenied] when the input device cannot be
// opened, and ctx.Err() on cancellation. Completion, explicit end, and a
// closed capture stream return nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.endCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := o.detector.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("orchestrator: start capture: %w", err)
	}
	defer o.teardown()

	o.metrics.ActiveSessions.Add(ctx, 1)
	defer o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	o.logger.Info("consultation started",
		"session", o.key,
		"operator", o.params.Operator,
		"category", o.params.Category,
	)

	// Greet first so the caller knows who answered. A failed greeting is
	// recoverable; the loop proceeds straight to listening.
	o.speak(ctx, consult.Greeting(o.params), time.Time{})

	for {
		o.setState(StateListening)
		segment, err := o.detector.NextTurn(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return o.finish(ctx)
		case errors.Is(err, capture.ErrNoAudioCaptured):
			o.logger.Debug("no speech captured, listening again", "session", o.key)
			continue
		case errors.Is(err, capture.ErrStreamClosed):
			o.logger.Info("capture stream closed", "session", o.key)
			return o.finish(ctx)
		case err != nil:
			o.logger.Warn("capture failed, listening again", "session", o.key, "error", err)
			continue
		}
		turnStart := time.Now()

		o.setState(StateTranscribing)
		text, err := o.transcribe(ctx, segment)
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(ctx)
			}
			o.logger.Warn("transcription failed, backing off", "session", o.key, "error", err)
			if !o.sleep(ctx, o.backoff) {
				return o.finish(ctx)
			}
			continue
		}
		if text == "" {
			o.logger.Debug("empty transcript, listening again", "session", o.key)
			continue
		}

		o.setState(StateReplying)
		result, err := o.consultTurn(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(ctx)
			}
			o.logger.Warn("turn failed, listening again", "session", o.key, "error", err)
			continue
		}

		if result.ConsultationComplete {
			o.setState(StateEnding)
			o.metrics.RecordCompletion(ctx, result.Signal.String())
			o.logger.Info("consultation complete",
				"session", o.key,
				"signal", result.Signal,
				"phase", result.Phase,
			)
			o.speak(ctx, result.ReplyText, turnStart)
			return o.finish(ctx)
		}

		o.speak(ctx, result.ReplyText, turnStart)
		if ctx.Err() != nil {
			return o.finish(ctx)
		}
	}
}

// transcribe sends the segment to the STT provider and trims the result.
func (o *Orchestrator) transcribe(ctx context.Context, segment types.AudioSegment) (string, error) {
	ctx, span := observe.StartSpan(ctx, "stt.transcribe")
	defer span.End()

	start := time.Now()
	text, err := o.stt.Transcribe(ctx, segment, o.language)
	o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "stt", "transcribe")
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// consultTurn runs one consultation-machine turn and commits the utterance
// to the extraction history on success.
func (o *Orchestrator) consultTurn(ctx context.Context, utterance string) (*consult.Result, error) {
	ctx, span := observe.StartSpan(ctx, "consult.turn")
	defer span.End()

	o.mu.Lock()
	prior := append([]string(nil), o.utterances...)
	o.mu.Unlock()

	start := time.Now()
	result, err := o.machine.HandleTurn(ctx, o.key, o.params, utterance, prior)
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.utterances = append(o.utterances, utterance)
	if len(o.utterances) > maxRetainedUtterances {
		o.utterances = o.utterances[len(o.utterances)-maxRetainedUtterances:]
	}
	o.mu.Unlock()
	return result, nil
}

// speak synthesizes text and renders it, suppressing turn detection for
// the duration of playback. turnStart, when non-zero, is the end of the
// caller's speech and feeds the round-trip metric. Failures are logged and
// absorbed; the loop resumes listening either way.
func (o *Orchestrator) speak(ctx context.Context, text string, turnStart time.Time) {
	if text == "" || ctx.Err() != nil {
		return
	}
	o.setState(StateSpeaking)
	ctx, span := observe.StartSpan(ctx, "tts.speak")
	defer span.End()

	start := time.Now()
	clip, err := o.tts.Synthesize(ctx, text, o.voice)
	o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "tts", "synthesize")
		o.logger.Warn("synthesis failed, listening again", "session", o.key, "error", err)
		return
	}
	if !turnStart.IsZero() {
		o.metrics.RoundTripDuration.Record(ctx, time.Since(turnStart).Seconds())
	}

	o.detector.SetAssistantSpeaking(true)
	defer o.detector.SetAssistantSpeaking(false)

	segment := types.AudioSegment{
		Data:       clip,
		SampleRate: o.playbackRate,
		Duration:   pcmDuration(len(clip), o.playbackRate),
	}
	playStart := time.Now()
	if err := o.playback.Play(ctx, segment); err != nil {
		o.logger.Warn("playback failed, listening again", "session", o.key, "error", err)
		return
	}
	// Play returns once the clip is handed to the sink; rendering continues
	// in real time. Hold the speaking state until the clip has played out.
	if remaining := segment.Duration - time.Since(playStart); remaining > 0 {
		o.sleep(ctx, remaining)
	}
	o.sleep(ctx, o.rearmDelay)
}

// finish distinguishes an explicit end (or natural completion) from a
// parent-context cancellation so Run's error reflects the caller's intent.
func (o *Orchestrator) finish(ctx context.Context) error {
	select {
	case <-o.endCh:
		return nil
	default:
		return ctx.Err()
	}
}

// teardown stops capture, discards any queued playback, and deletes the
// session. Runs on every exit path of Run.
func (o *Orchestrator) teardown() {
	o.setState(StateEnding)

	if err := o.detector.Stop(); err != nil {
		o.logger.Warn("stop capture failed", "session", o.key, "error", err)
	}
	if err := o.playback.Flush(); err != nil {
		o.logger.Warn("flush playback failed", "session", o.key, "error", err)
	}

	// The loop's context is gone by now; cleanup gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := o.machine.Reset(ctx, o.key); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.logger.Warn("session teardown failed", "session", o.key, "error", err)
	}

	o.setState(StateIdle)
	o.logger.Info("consultation torn down", "session", o.key)
}

// sleep waits for d or until ctx is cancelled. Reports whether the full
// duration elapsed.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// pcmDuration returns the play time of n bytes of 16-bit mono PCM.
func pcmDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
