package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the consultation
// tunables apply to sessions created after the reload, and the log level
// applies immediately. Provider and server changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConsultationChanged is true when any consultation tunable changed.
	ConsultationChanged bool
	Consultation        ConsultationDiff
}

// ConsultationDiff describes which consultation tunables changed.
type ConsultationDiff struct {
	OperatorChanged        bool
	CategoryChanged        bool
	DeckChanged            bool
	PersonaChanged         bool
	MaxReadingTurnsChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Consultation, new.Consultation
	d.Consultation = ConsultationDiff{
		OperatorChanged:        oc.Operator != nc.Operator,
		CategoryChanged:        oc.Category != nc.Category,
		DeckChanged:            oc.Deck != nc.Deck,
		PersonaChanged:         oc.Persona != nc.Persona,
		MaxReadingTurnsChanged: !equalTurnCap(oc.MaxReadingTurns, nc.MaxReadingTurns),
	}
	cd := d.Consultation
	d.ConsultationChanged = cd.OperatorChanged || cd.CategoryChanged ||
		cd.DeckChanged || cd.PersonaChanged || cd.MaxReadingTurnsChanged

	return d
}

func equalTurnCap(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
