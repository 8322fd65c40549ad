package consult

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// closingPhrases are drawn from the persona's scripted sign-offs. The
// heuristic fires only when at least two distinct phrases appear in a
// reply: ordinary mystical phrasing trips single matches far too easily
// for one to mean anything.
var closingPhrases = []string{
	"ci fermiamo qui",
	"queste erano le energie",
	"puoi chiamarmi quando vuoi",
	"ci risentiamo presto",
	"un'ultima domanda",
	"il consulto è concluso",
	"ti auguro una buona giornata",
}

// closingMatchThreshold is how many distinct closing phrases a reply must
// carry for the heuristic to signal completion.
const closingMatchThreshold = 2

// maxPhraseDistance is the edit distance allowed for a fuzzy phrase match,
// absorbing small model rewordings ("ci fermiamo qua").
const maxPhraseDistance = 2

// countClosingPhrases returns how many distinct closing phrases occur in
// reply, matched case-insensitively and with a small edit-distance
// tolerance over word windows.
func countClosingPhrases(reply string) int {
	norm := normalizeForMatch(reply)
	words := strings.Fields(norm)

	count := 0
	for _, phrase := range closingPhrases {
		if strings.Contains(norm, phrase) || fuzzyContains(words, phrase) {
			count++
		}
	}
	return count
}

// fuzzyContains slides a window of the phrase's word length over the reply
// and accepts any window within maxPhraseDistance edits.
func fuzzyContains(words []string, phrase string) bool {
	n := len(strings.Fields(phrase))
	if n == 0 || len(words) < n {
		return false
	}
	for i := 0; i+n <= len(words); i++ {
		window := strings.Join(words[i:i+n], " ")
		if matchr.DamerauLevenshtein(window, phrase) <= maxPhraseDistance {
			return true
		}
	}
	return false
}

func normalizeForMatch(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'', r == ' ':
			b.WriteRune(r)
		case r == 'à', r == 'è', r == 'é', r == 'ì', r == 'ò', r == 'ù':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
