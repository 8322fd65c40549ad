// Package consult implements the consultation state machine: the phase
// progression from fact collection through the card draw to the reading,
// the model actions that drive it, and the completion signals that tell the
// caller when to wind the conversation down.
package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibilla-voice/sibilla/internal/dialogue"
	"github.com/sibilla-voice/sibilla/internal/extract"
	"github.com/sibilla-voice/sibilla/internal/profile"
	"github.com/sibilla-voice/sibilla/internal/session"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// ErrModelCall indicates the reply model call failed. The turn produced no
// reply and committed no state; the caller may retry the same utterance.
var ErrModelCall = errors.New("consultation model call failed")

// DefaultMaxReadingTurns is the hard cap on PostShuffle exchanges before
// the machine forces completion. Zero disables the cap.
const DefaultMaxReadingTurns = 8

// Reply sampling. Short, warm phone replies; the scripts carry the rest.
const (
	replyTemperature = 0.7
	replyMaxTokens   = 150
)

// followUpPrompt is the synthetic utterance for the immediate reading call
// after a card draw. The caller never spoke it; it exists so the first
// interpretation flows in the same exchange cadence as every other turn.
const followUpPrompt = "Le carte sono state estratte. Inizia ora la lettura per la cliente."

// Signal reports how a completed consultation was recognized.
type Signal int

const (
	// SignalNone: the consultation is still in progress.
	SignalNone Signal = iota

	// SignalAction: the model invoked end_consultation.
	SignalAction

	// SignalHeuristic: the closing-phrase heuristic matched. Only
	// produced for providers without tool calling.
	SignalHeuristic

	// SignalTurnLimit: the reading hit the configured turn cap.
	SignalTurnLimit
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalAction:
		return "action"
	case SignalHeuristic:
		return "heuristic"
	case SignalTurnLimit:
		return "turn_limit"
	default:
		return "unknown"
	}
}

// Result is the outcome of one consultation turn.
type Result struct {
	// ReplyText is the assistant reply to synthesize.
	ReplyText string

	// Phase is the phase after this turn's transitions.
	Phase session.Phase

	// ConsultationComplete tells the caller to speak the reply and then
	// end the conversation.
	ConsultationComplete bool

	// Signal reports how completion was recognized. SignalNone while the
	// consultation continues.
	Signal Signal
}

// Machine runs consultation turns. It owns phase transitions and session
// mutations; everything else (audio, transcription, synthesis) lives with
// the orchestrator.
//
// Safe for concurrent use: the session store's per-key lock serializes
// turns for the same session, and different sessions share no state.
type Machine struct {
	dialogue  *dialogue.Service
	extractor *extract.Extractor
	store     session.Store
	profiles  profile.Store
	logger    *slog.Logger

	persona         string
	maxReadingTurns int
}

// MachineOption customizes a [Machine].
type MachineOption func(*Machine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPersona overrides the persona script. The string may contain the
// {operator} placeholder.
func WithPersona(persona string) MachineOption {
	return func(m *Machine) {
		if persona != "" {
			m.persona = persona
		}
	}
}

// WithMaxReadingTurns overrides the PostShuffle turn cap. Zero disables it.
func WithMaxReadingTurns(n int) MachineOption {
	return func(m *Machine) {
		if n >= 0 {
			m.maxReadingTurns = n
		}
	}
}

// WithProfileStore sets the cross-consultation fact store. Defaults to
// [profile.Noop].
func WithProfileStore(store profile.Store) MachineOption {
	return func(m *Machine) {
		if store != nil {
			m.profiles = store
		}
	}
}

// NewMachine creates a consultation machine.
func NewMachine(dlg *dialogue.Service, extractor *extract.Extractor, store session.Store, opts ...MachineOption) *Machine {
	m := &Machine{
		dialogue:        dlg,
		extractor:       extractor,
		store:           store,
		profiles:        profile.Noop{},
		logger:          slog.Default(),
		persona:         DefaultPersona,
		maxReadingTurns: DefaultMaxReadingTurns,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleTurn runs one consultation turn for the session behind key.
//
// utterance is the caller's latest transcribed turn; priorUtterances are
// the caller's earlier turns this session, oldest first, used only for fact
// extraction. A missing session is created with params; an existing
// session's own params win.
//
// Returns [ErrModelCall] when the reply call fails; no session state is
// committed in that case.
func (m *Machine) HandleTurn(ctx context.Context, key string, params session.Params, utterance string, priorUtterances []string) (*Result, error) {
	release := m.store.Acquire(key)
	defer release()

	s, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s = session.New(key, params)
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}
	// The turn after the question prompt: the caller's utterance is the
	// question itself. Needed below for the degraded-mode draw.
	answeredQuestionPrompt := s.Phase == session.PhasePreShuffle

	if s.Phase == session.PhaseDataCollection {
		m.collectFacts(ctx, s, append(append([]string{}, priorUtterances...), utterance))
		if s.FactsComplete() {
			s.Phase = session.PhasePreShuffle
			m.logger.Info("facts complete, advancing phase",
				"session", key, "phase", s.Phase)
		}
	}
	enteredInPostShuffle := s.Phase == session.PhasePostShuffle

	res, err := m.exchange(ctx, s, utterance)
	if err != nil {
		return nil, err
	}
	s.DisclaimerShown = true

	reply := res.Text
	complete := false
	signal := SignalNone

	if action, ok := m.firstAction(key, res.ToolCalls); ok {
		switch a := action.(type) {
		case StartCardReading:
			if s.Phase != session.PhasePreShuffle || s.CurrentQuestion != "" {
				m.logger.Warn("card reading already started, ignoring repeat invocation",
					"session", key, "phase", s.Phase)
				break
			}
			s.CurrentQuestion = a.Question
			s.DrawnCards = a.Cards
			s.Phase = session.PhasePostShuffle
			s.PostShuffleTurns = 0
			m.logger.Info("cards drawn, advancing phase",
				"session", key, "cards", len(a.Cards))

			text, done := m.readingFollowUp(ctx, key, s)
			if text != "" {
				reply = text
			}
			if done {
				complete = true
				signal = SignalAction
			}

		case EndConsultation:
			if s.Phase != session.PhasePostShuffle {
				m.logger.Warn("end invoked outside reading, ignoring",
					"session", key, "phase", s.Phase)
				break
			}
			complete = true
			signal = SignalAction
			m.logger.Info("consultation ended by model action",
				"session", key, "reason", a.Reason)
		}
	}

	if !complete && answeredQuestionPrompt && s.Phase == session.PhasePreShuffle &&
		s.CurrentQuestion == "" && !m.dialogue.Capabilities().SupportsToolCalling {
		// A provider without tool calling can never invoke
		// start_card_reading, so the machine draws on the model's behalf
		// once the caller has stated the question.
		s.CurrentQuestion = utterance
		s.DrawnCards = drawCards(fallbackCardCount)
		s.Phase = session.PhasePostShuffle
		s.PostShuffleTurns = 0
		m.logger.Info("cards drawn without model action, advancing phase",
			"session", key, "cards", len(s.DrawnCards))

		text, done := m.readingFollowUp(ctx, key, s)
		if text != "" {
			reply = text
		}
		if done {
			complete = true
			signal = SignalAction
		}
	}

	if enteredInPostShuffle {
		s.PostShuffleTurns++
	}
	if !complete && s.Phase == session.PhasePostShuffle && !m.dialogue.Capabilities().SupportsToolCalling {
		if countClosingPhrases(reply) >= closingMatchThreshold {
			complete = true
			signal = SignalHeuristic
			m.logger.Info("consultation ended by closing heuristic", "session", key)
		}
	}
	if !complete && s.Phase == session.PhasePostShuffle &&
		m.maxReadingTurns > 0 && s.PostShuffleTurns >= m.maxReadingTurns {
		complete = true
		signal = SignalTurnLimit
		m.logger.Info("consultation ended by turn cap",
			"session", key, "turns", s.PostShuffleTurns)
	}

	s.Touch(time.Now())
	if err := m.store.Put(ctx, key, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return &Result{
		ReplyText:            reply,
		Phase:                s.Phase,
		ConsultationComplete: complete,
		Signal:               signal,
	}, nil
}

// Reset tears down the session behind key: the stored state and the model
// conversation it continues. Returns [session.ErrNotFound] for unknown keys.
func (m *Machine) Reset(ctx context.Context, key string) error {
	release := m.store.Acquire(key)
	defer release()

	s, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if s.ContinuationHandle != "" {
		m.dialogue.Forget(s.ContinuationHandle)
	}
	return m.store.Delete(ctx, key)
}

// Session returns a copy of the session behind key, for greeting
// personalization. Returns [session.ErrNotFound] for unknown keys.
func (m *Machine) Session(ctx context.Context, key string) (*session.Session, error) {
	return m.store.Get(ctx, key)
}

// collectFacts fills in missing caller facts: first from the profile store,
// then by extraction over the utterances. Every failure downgrades to "not
// found"; the script keeps asking on later turns.
func (m *Machine) collectFacts(ctx context.Context, s *session.Session, utterances []string) {
	if s.Name == "" {
		name, err := m.profiles.GetExtractedName(ctx, s.Key)
		if err != nil {
			m.logger.Warn("profile lookup failed", "session", s.Key, "error", err)
		} else if name != "" {
			s.Name = name
			m.logger.Debug("name recalled from profile", "session", s.Key)
		}
	}

	var newName, newBirthDate string
	if s.Name == "" {
		name, err := m.extractor.ExtractName(ctx, utterances)
		if err != nil {
			m.logger.Warn("name extraction failed", "session", s.Key, "error", err)
		} else if name != "" {
			s.Name, newName = name, name
		}
	}
	if s.BirthDate == "" {
		birthDate, err := m.extractor.ExtractBirthDate(ctx, utterances)
		if err != nil {
			m.logger.Warn("birth date extraction failed", "session", s.Key, "error", err)
		} else if birthDate != "" {
			s.BirthDate, newBirthDate = birthDate, birthDate
		}
	}

	if newName != "" || newBirthDate != "" {
		if err := m.profiles.UpsertExtractedFacts(ctx, s.Key, newName, newBirthDate); err != nil {
			m.logger.Warn("profile upsert failed", "session", s.Key, "error", err)
		}
	}
}

// exchange performs the reply model call for the current phase and commits
// the returned continuation handle.
func (m *Machine) exchange(ctx context.Context, s *session.Session, prompt string) (*dialogue.Result, error) {
	var tools = toolsForPhase(s.Phase)
	if !m.dialogue.Capabilities().SupportsToolCalling {
		tools = nil
	}

	res, err := m.dialogue.Exchange(ctx, dialogue.Request{
		Handle:      s.ContinuationHandle,
		Script:      buildScript(m.persona, s, m.maxReadingTurns),
		Prompt:      prompt,
		Tools:       tools,
		Temperature: replyTemperature,
		MaxTokens:   replyMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrModelCall)
	}
	s.ContinuationHandle = res.Handle
	return res, nil
}

// readingFollowUp makes the immediate interpretation call after a card
// draw, so the caller hears the reading begin instead of a bare
// acknowledgement. A failure here degrades to the acknowledgement text and
// is not fatal: the reading resumes on the caller's next turn.
//
// Returns the follow-up reply (empty on failure) and whether the model
// already ended the consultation within it.
func (m *Machine) readingFollowUp(ctx context.Context, key string, s *session.Session) (string, bool) {
	res, err := m.exchange(ctx, s, followUpPrompt)
	if err != nil {
		m.logger.Warn("reading follow-up failed, keeping acknowledgement reply",
			"session", key, "error", err)
		return "", false
	}
	s.PostShuffleTurns = 1

	if action, ok := m.firstAction(key, res.ToolCalls); ok {
		if _, isEnd := action.(EndConsultation); isEnd {
			return res.Text, true
		}
		m.logger.Warn("unexpected action in reading follow-up, ignoring", "session", key)
	}
	return res.Text, false
}

// firstAction parses tool calls in order and returns the first valid one.
// Malformed invocations are logged and skipped.
func (m *Machine) firstAction(key string, calls []types.ToolCall) (Action, bool) {
	for _, call := range calls {
		action, err := ParseAction(call)
		if err != nil {
			m.logger.Warn("invalid action invocation, skipping",
				"session", key, "action", call.Name, "error", err)
			continue
		}
		return action, true
	}
	return nil, false
}
