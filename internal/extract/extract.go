// Package extract pulls structured caller facts (name, birth date) out of
// free-text utterances with deterministic temperature-0 model calls.
//
// Extraction is advisory: every failure mode, including provider errors,
// resolves to "not found" at the consultation level so the machine simply
// re-asks on the next turn.
package extract

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/sibilla-voice/sibilla/pkg/provider/llm"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// ErrExtraction indicates the extraction model call itself failed. Callers
// treat it as "fact not found" after logging; it is never fatal to a turn.
var ErrExtraction = errors.New("fact extraction failed")

// notFound is the literal sentinel the model is instructed to answer with
// when the requested fact is absent.
const notFound = "NONE"

// maxAnswerTokens bounds the extraction reply. A name or a date never needs
// more.
const maxAnswerTokens = 30

const namePrompt = `Dalle frasi dell'utente riportate qui sotto, estrai il nome proprio con cui la persona si presenta.
Rispondi esclusivamente con il nome, senza altre parole, senza punteggiatura.
Se nessun nome è presente, rispondi esattamente NONE.`

const birthDatePrompt = `Dalle frasi dell'utente riportate qui sotto, estrai la data di nascita della persona e riscrivila nel formato giorno/mese/anno, ad esempio 15/03/1990.
Rispondi esclusivamente con la data, senza altre parole.
Se nessuna data di nascita è presente, rispondi esattamente NONE.`

// Extractor performs fact extraction over an [llm.Provider].
//
// Identical in-flight requests are coalesced with singleflight, so
// overlapping turns never pay for duplicate extraction calls. All methods
// are safe for concurrent use.
type Extractor struct {
	provider llm.Provider
	logger   *slog.Logger
	group    singleflight.Group
}

// Option customizes an [Extractor].
type Option func(*Extractor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an extractor over provider.
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractName returns the caller's name from the accumulated utterances, or
// "" when none was found. The full utterance set is sent every time so the
// call is idempotent for a given set.
func (e *Extractor) ExtractName(ctx context.Context, utterances []string) (string, error) {
	return e.extract(ctx, "name", namePrompt, utterances)
}

// ExtractBirthDate returns the caller's birth date in dd/mm/yyyy text, or
// "" when none was found. The date is passed through as textual form; no
// calendar validation is applied.
func (e *Extractor) ExtractBirthDate(ctx context.Context, utterances []string) (string, error) {
	value, err := e.extract(ctx, "birthdate", birthDatePrompt, utterances)
	if err != nil || value == "" {
		return "", err
	}
	return normalizeDate(value), nil
}

func (e *Extractor) extract(ctx context.Context, kind, prompt string, utterances []string) (string, error) {
	text := strings.TrimSpace(strings.Join(utterances, "\n"))
	if text == "" {
		return "", nil
	}

	key := flightKey(kind, text)
	result, err, _ := e.group.Do(key, func() (any, error) {
		resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: prompt,
			Messages: []types.Message{
				{Role: types.RoleUser, Content: text},
			},
			Temperature: 0,
			MaxTokens:   maxAnswerTokens,
		})
		if err != nil {
			return "", fmt.Errorf("%v: %w", err, ErrExtraction)
		}
		return cleanAnswer(resp.Content), nil
	})
	if err != nil {
		return "", err
	}

	value := result.(string)
	e.logger.Debug("fact extraction", "kind", kind, "found", value != "")
	return value, nil
}

// cleanAnswer strips wrapping noise and applies the not-found rules: the
// sentinel, the empty answer, and answers of one character or less all mean
// "not found".
func cleanAnswer(answer string) string {
	value := strings.TrimSpace(answer)
	value = strings.Trim(value, `"'.`)
	value = strings.TrimSpace(value)

	if strings.EqualFold(value, notFound) || len([]rune(value)) <= 1 {
		return ""
	}
	return value
}

// normalizeDate rewrites common separator variants into slash form. The
// textual content is otherwise passed through unvalidated.
func normalizeDate(date string) string {
	date = strings.ReplaceAll(date, "-", "/")
	date = strings.ReplaceAll(date, ".", "/")
	return date
}

func flightKey(kind, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%s:%x", kind, h.Sum64())
}
