package orchestrator_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sibilla-voice/sibilla/internal/capture"
	"github.com/sibilla-voice/sibilla/internal/consult"
	"github.com/sibilla-voice/sibilla/internal/orchestrator"
	"github.com/sibilla-voice/sibilla/internal/session"
	"github.com/sibilla-voice/sibilla/pkg/audio"
	audiomock "github.com/sibilla-voice/sibilla/pkg/audio/mock"
	sttmock "github.com/sibilla-voice/sibilla/pkg/provider/stt/mock"
	ttsmock "github.com/sibilla-voice/sibilla/pkg/provider/tts/mock"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

const (
	testKey       = "call-7"
	testRate      = 16000
	testFrameSize = 640 // 20 ms at 16 kHz mono int16
)

var testParams = session.Params{
	Operator: "Luna Stellare",
	Category: "AMORE",
	Deck:     "Tarocchi di Marsiglia",
}

// ─── test doubles ─────────────────────────────────────────────────────────────

// handlerCall records one HandleTurn invocation.
type handlerCall struct {
	Utterance string
	Prior     []string
}

// scriptedHandler is a TurnHandler returning queued results.
type scriptedHandler struct {
	mu      sync.Mutex
	results []*consult.Result
	err     error
	calls   []handlerCall
	resets  int
}

func (h *scriptedHandler) HandleTurn(_ context.Context, _ string, _ session.Params, utterance string, prior []string) (*consult.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, handlerCall{Utterance: utterance, Prior: append([]string(nil), prior...)})
	if h.err != nil {
		return nil, h.err
	}
	if len(h.results) > 0 {
		r := h.results[0]
		h.results = h.results[1:]
		return r, nil
	}
	return &consult.Result{ReplyText: "Le carte parlano chiaro.", Phase: session.PhasePostShuffle}, nil
}

func (h *scriptedHandler) Reset(_ context.Context, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return nil
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *scriptedHandler) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// ─── fixtures ─────────────────────────────────────────────────────────────────

type fixture struct {
	orch     *orchestrator.Orchestrator
	device   *audiomock.CaptureDevice
	playback *audiomock.PlaybackDevice
	stt      *sttmock.Provider
	tts      *ttsmock.Provider
	handler  *scriptedHandler
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		device:   audiomock.NewCaptureDevice(256),
		playback: &audiomock.PlaybackDevice{},
		stt:      &sttmock.Provider{Text: "Tornerà da me?"},
		tts:      &ttsmock.Provider{Audio: []byte("pcm-clip")},
		handler:  &scriptedHandler{},
	}
	detector := capture.NewTurnDetector(f.device,
		capture.WithThresholds(0.05, 0.02),
		capture.WithSilenceWindow(100*time.Millisecond),
		capture.WithEarlySilenceWindow(40*time.Millisecond),
	)
	opts = append([]orchestrator.Option{
		orchestrator.WithRearmDelay(0),
		orchestrator.WithTranscribeBackoff(time.Millisecond),
	}, opts...)
	f.orch = orchestrator.New(testKey, testParams, detector, f.playback, f.stt, f.tts, f.handler, opts...)
	return f
}

// run executes Run in a goroutine and returns a channel with its result.
func (f *fixture) run(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

// sineFrame returns one 20 ms frame of a sine tone loud enough to register
// as speech.
func sineFrame() types.AudioFrame {
	data := make([]byte, testFrameSize)
	for i := 0; i < testFrameSize/2; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/testRate))
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return types.AudioFrame{Data: data, SampleRate: testRate, Channels: 1}
}

func silenceFrame() types.AudioFrame {
	return types.AudioFrame{Data: make([]byte, testFrameSize), SampleRate: testRate, Channels: 1}
}

// pushTurn feeds one spoken turn: speech frames followed by enough silence
// to close the full end-of-turn window.
func (f *fixture) pushTurn() {
	for range 3 {
		f.device.PushFrame(sineFrame())
	}
	for range 6 {
		f.device.PushFrame(silenceFrame())
	}
}

// awaitListening blocks until the loop is armed for capture. Frames pushed
// earlier would land while the detector is still gated for the greeting and
// be discarded as playback echo.
func (f *fixture) awaitListening(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.orch.State() == orchestrator.StateListening {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("orchestrator never reached the listening state")
}

// awaitReplied blocks until n clips have played and the loop is listening
// again, so the next pushed turn cannot collide with reply playback.
func (f *fixture) awaitReplied(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.playback.PlayCount() >= n && f.orch.State() == orchestrator.StateListening {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("loop did not return to listening after %d plays", n)
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestRun_GreetsThenHandlesTurn(t *testing.T) {
	f := newFixture(t)
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.tts.CallCount(); got != 2 {
		t.Fatalf("synthesize calls = %d, want 2 (greeting and reply)", got)
	}
	wantGreeting := consult.Greeting(testParams)
	if got := f.tts.SynthesizeCalls[0].Text; got != wantGreeting {
		t.Errorf("first synthesis = %q, want greeting %q", got, wantGreeting)
	}
	if got := f.tts.LastText(); got != "Le carte parlano chiaro." {
		t.Errorf("last synthesis = %q, want the reply", got)
	}
	if got := f.playback.PlayCount(); got != 2 {
		t.Errorf("playback calls = %d, want 2", got)
	}

	if got := f.stt.CallCount(); got != 1 {
		t.Fatalf("transcribe calls = %d, want 1", got)
	}
	if hint := f.stt.TranscribeCalls[0].LanguageHint; hint != "it" {
		t.Errorf("language hint = %q, want %q", hint, "it")
	}

	if got := f.handler.callCount(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if got := f.handler.calls[0].Utterance; got != "Tornerà da me?" {
		t.Errorf("utterance = %q", got)
	}
	if len(f.handler.calls[0].Prior) != 0 {
		t.Errorf("first turn should carry no prior utterances, got %v", f.handler.calls[0].Prior)
	}
}

func TestRun_VoiceFollowsCategory(t *testing.T) {
	f := newFixture(t)
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := consult.VoiceForCategory("AMORE")
	if got := f.tts.SynthesizeCalls[0].Voice; got.ID != want.ID {
		t.Errorf("voice = %q, want %q", got.ID, want.ID)
	}
}

func TestRun_PriorUtterancesAccumulate(t *testing.T) {
	f := newFixture(t)
	f.stt.Texts = []string{"Mi chiamo Giulia.", "Sono nata il 15 marzo 1990."}
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	// Wait out the first reply: a second turn pushed during playback would
	// be discarded as echo.
	f.awaitReplied(t, 2)
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.handler.callCount(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
	second := f.handler.calls[1]
	if len(second.Prior) != 1 || second.Prior[0] != "Mi chiamo Giulia." {
		t.Errorf("second turn prior = %v, want the first utterance", second.Prior)
	}
}

func TestRun_CompletionPlaysFinalReplyAndTearsDown(t *testing.T) {
	f := newFixture(t)
	f.handler.results = []*consult.Result{{
		ReplyText:            "Il consulto è concluso. Ti auguro una buona giornata.",
		Phase:                session.PhasePostShuffle,
		ConsultationComplete: true,
		Signal:               consult.SignalAction,
	}}
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	// Stream stays open: completion alone must end the loop.

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.playback.PlayCount(); got != 2 {
		t.Errorf("playback calls = %d, want 2 (greeting and final reply)", got)
	}
	if got := f.tts.LastText(); got != "Il consulto è concluso. Ti auguro una buona giornata." {
		t.Errorf("final synthesis = %q", got)
	}
	if got := f.handler.resetCount(); got != 1 {
		t.Errorf("session resets = %d, want 1", got)
	}
	if got := f.device.CallCountStop; got != 1 {
		t.Errorf("capture stops = %d, want 1", got)
	}
	if got := f.orch.State(); got != orchestrator.StateIdle {
		t.Errorf("state after Run = %v, want idle", got)
	}
}

func TestRun_EmptyAudioRetriesSilently(t *testing.T) {
	f := newFixture(t)
	done := f.run(context.Background())
	f.awaitListening(t)
	// A full idle window with no speech, then a real turn.
	for range 6 {
		f.device.PushFrame(silenceFrame())
	}
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.handler.callCount(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (empty round skipped)", got)
	}
	if got := f.stt.CallCount(); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
}

func TestRun_EmptyTranscriptSkipsTurn(t *testing.T) {
	f := newFixture(t)
	f.stt.Texts = []string{"   "}
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.handler.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0 for a blank transcript", got)
	}
}

func TestRun_TranscriptionFailureBacksOffAndResumes(t *testing.T) {
	f := newFixture(t)
	f.stt.Err = errors.New("whisper unavailable")
	done := f.run(context.Background())
	f.awaitListening(t)
	// Failed transcriptions play nothing, so both turns can queue at once.
	f.pushTurn()
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.stt.CallCount(); got != 2 {
		t.Errorf("transcribe calls = %d, want 2 (loop kept listening)", got)
	}
	if got := f.handler.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}
}

func TestRun_TurnFailureResumesListening(t *testing.T) {
	f := newFixture(t)
	f.handler.err = errors.New("model unavailable")
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.handler.callCount(); got != 2 {
		t.Errorf("handler calls = %d, want 2 (loop kept listening)", got)
	}
	// Greeting only: failed turns produce no reply audio.
	if got := f.playback.PlayCount(); got != 1 {
		t.Errorf("playback calls = %d, want 1", got)
	}
}

func TestRun_SynthesisFailureResumesListening(t *testing.T) {
	f := newFixture(t)
	f.tts.Err = errors.New("tts unavailable")
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.playback.PlayCount(); got != 0 {
		t.Errorf("playback calls = %d, want 0 when synthesis fails", got)
	}
	if got := f.handler.callCount(); got != 2 {
		t.Errorf("handler calls = %d, want 2 (loop kept listening)", got)
	}
}

func TestRun_PlaybackFailureResumesListening(t *testing.T) {
	f := newFixture(t)
	f.playback.PlayError = errors.New("sink gone")
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	f.device.EndStream()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.handler.callCount(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestRun_SpeakingHoldsForClipDuration(t *testing.T) {
	f := newFixture(t, orchestrator.WithPlaybackSampleRate(testRate))
	// 250 ms of 16-bit PCM per clip. Play hands the clip to the sink and
	// returns at once; the loop must still keep the speaking state up until
	// the clip has rendered.
	f.tts.Audio = make([]byte, testRate/2)
	f.handler.results = []*consult.Result{{
		ReplyText:            "Le carte hanno parlato.",
		Phase:                session.PhasePostShuffle,
		ConsultationComplete: true,
		Signal:               consult.SignalAction,
	}}

	start := time.Now()
	done := f.run(context.Background())
	f.awaitListening(t)
	f.pushTurn()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Greeting plus final reply: two 250 ms clips.
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Run returned after %v, playback gating released before the clips finished rendering", elapsed)
	}
}

func TestRun_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.device.StartError = audio.ErrPermissionDenied

	err := waitDone(t, f.run(context.Background()))
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Run() error = %v, want ErrPermissionDenied", err)
	}
	if got := f.handler.resetCount(); got != 0 {
		t.Errorf("session resets = %d, want 0 when the loop never started", got)
	}
}

func TestRun_ExplicitEndDiscardsInFlight(t *testing.T) {
	f := newFixture(t)
	// No frames: the loop blocks in Listening until End is called.
	done := f.run(context.Background())

	time.Sleep(50 * time.Millisecond)
	f.orch.End()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil on explicit end", err)
	}
	if got := f.handler.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}
	if got := f.handler.resetCount(); got != 1 {
		t.Errorf("session resets = %d, want 1", got)
	}
	if got := f.playback.CallCountFlush; got != 1 {
		t.Errorf("playback flushes = %d, want 1", got)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := waitDone(t, done)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := f.handler.resetCount(); got != 1 {
		t.Errorf("session resets = %d, want 1 (teardown still runs)", got)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state orchestrator.State
		want  string
	}{
		{orchestrator.StateIdle, "idle"},
		{orchestrator.StateSpeaking, "speaking"},
		{orchestrator.StateListening, "listening"},
		{orchestrator.StateTranscribing, "transcribing"},
		{orchestrator.StateReplying, "replying"},
		{orchestrator.StateEnding, "ending"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
