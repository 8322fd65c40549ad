package consult

import "math/rand/v2"

// fallbackCardCount matches the low end of the 3-4 cards the question
// directive asks the model to draw.
const fallbackCardCount = 3

// majorArcana is the deck drawn from when the model cannot invoke
// start_card_reading itself.
var majorArcana = []string{
	"Il Matto",
	"Il Bagatto",
	"La Papessa",
	"L'Imperatrice",
	"L'Imperatore",
	"Il Papa",
	"Gli Amanti",
	"Il Carro",
	"La Giustizia",
	"L'Eremita",
	"La Ruota della Fortuna",
	"La Forza",
	"L'Appeso",
	"La Morte",
	"La Temperanza",
	"Il Diavolo",
	"La Torre",
	"Le Stelle",
	"La Luna",
	"Il Sole",
	"Il Giudizio",
	"Il Mondo",
}

// drawCards picks n distinct cards from the major arcana.
func drawCards(n int) []string {
	if n > len(majorArcana) {
		n = len(majorArcana)
	}
	idx := rand.Perm(len(majorArcana))[:n]
	cards := make([]string, n)
	for i, j := range idx {
		cards[i] = majorArcana[j]
	}
	return cards
}
