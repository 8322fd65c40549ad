package consult

import (
	"fmt"
	"strings"

	"github.com/sibilla-voice/sibilla/internal/session"
)

// Greeting returns the opening line spoken before the caller says anything.
// The variant depends on which consultation parameters were provided; the
// category is spoken in lowercase.
func Greeting(params session.Params) string {
	operator := params.Operator
	category := strings.ToLower(params.Category)

	switch {
	case operator != "" && category != "":
		return fmt.Sprintf("Ciao, sono %s. Vedo che hai scelto una consulenza su %s. Dimmi, cosa ti porta da me oggi?", operator, category)
	case operator != "":
		return fmt.Sprintf("Salve, sono %s. Sono qui per guidarti. Parlami di ciò che ti sta a cuore.", operator)
	case category != "":
		return fmt.Sprintf("Benvenuto. Vedo che cerchi una consulenza su %s. Raccontami la tua situazione.", category)
	default:
		return "Benvenuto, sono qui per aiutarti. Cosa ti preoccupa oggi?"
	}
}
