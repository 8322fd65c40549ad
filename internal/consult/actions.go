package consult

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sibilla-voice/sibilla/internal/session"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// Action names the model may invoke.
const (
	actionStartCardReading = "start_card_reading"
	actionEndConsultation  = "end_consultation"
)

// Action is the tagged union of machine-invocable model actions. Payloads
// are schema-validated by [ParseAction] before they are trusted: a phase
// transition never fires off a malformed invocation.
type Action interface {
	isAction()
}

// StartCardReading is invoked during PreShuffle once the caller's question
// is clear. It carries the question and the drawn card names and triggers
// the transition into PostShuffle.
type StartCardReading struct {
	Question string   `json:"question"`
	Cards    []string `json:"cards"`
}

func (StartCardReading) isAction() {}

// EndConsultation is invoked during PostShuffle once a full interpretation
// plus practical advice have been delivered. It signals completion.
type EndConsultation struct {
	Reason string `json:"reason"`
}

func (EndConsultation) isAction() {}

// ParseAction validates a raw tool call and returns the typed action.
func ParseAction(call types.ToolCall) (Action, error) {
	dec := json.NewDecoder(strings.NewReader(call.Arguments))
	dec.DisallowUnknownFields()

	switch call.Name {
	case actionStartCardReading:
		var a StartCardReading
		if err := dec.Decode(&a); err != nil {
			return nil, fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		if strings.TrimSpace(a.Question) == "" {
			return nil, fmt.Errorf("%s: empty question", call.Name)
		}
		cards := make([]string, 0, len(a.Cards))
		for _, c := range a.Cards {
			if c = strings.TrimSpace(c); c != "" {
				cards = append(cards, c)
			}
		}
		if len(cards) == 0 {
			return nil, fmt.Errorf("%s: no cards drawn", call.Name)
		}
		a.Cards = cards
		return a, nil

	case actionEndConsultation:
		var a EndConsultation
		if err := dec.Decode(&a); err != nil {
			return nil, fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown action %q", call.Name)
	}
}

// toolsForPhase returns the action definitions offered to the model in the
// given phase. DataCollection offers none: nothing is invocable before the
// caller's facts are complete.
func toolsForPhase(phase session.Phase) []types.ToolDefinition {
	switch phase {
	case session.PhasePreShuffle:
		return []types.ToolDefinition{startCardReadingTool}
	case session.PhasePostShuffle:
		return []types.ToolDefinition{endConsultationTool}
	default:
		return nil
	}
}

var startCardReadingTool = types.ToolDefinition{
	Name: actionStartCardReading,
	Description: "Avvia la lettura delle carte. Da invocare solo quando la domanda " +
		"della cliente è chiara, con la domanda e le 3-4 carte estratte.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "La domanda o preoccupazione espressa dalla cliente.",
			},
			"cards": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    3,
				"maxItems":    4,
				"description": "I nomi delle carte estratte per questa lettura.",
			},
		},
		"required": []string{"question", "cards"},
	},
}

var endConsultationTool = types.ToolDefinition{
	Name: actionEndConsultation,
	Description: "Chiude il consulto. Da invocare solo dopo aver consegnato " +
		"l'interpretazione completa delle carte e un consiglio pratico.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Breve motivo della chiusura.",
			},
		},
		"required": []string{"reason"},
	},
}
