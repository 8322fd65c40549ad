package consult

import "github.com/sibilla-voice/sibilla/pkg/types"

// voiceInstructions steers delivery for providers that accept a style prompt.
const voiceInstructions = "Parla con un tono mistico, caldo e professionale come una cartomante italiana."

// voiceSpeed slows delivery to the production cadence.
const voiceSpeed = 0.85

// categoryVoices maps consultation category to the synthesis voice.
var categoryVoices = map[string]string{
	CategoryAmore:    "nova",    // warm, caring
	CategoryLavoro:   "shimmer", // clear, confident
	CategorySoldi:    "fable",   // expressive
	CategoryLotto:    "coral",   // bright
	CategoryGenerico: "alloy",   // balanced
}

// VoiceForCategory returns the voice profile for a consultation category.
// Unknown categories fall back to the default voice.
func VoiceForCategory(category string) types.VoiceProfile {
	id, ok := categoryVoices[category]
	if !ok {
		id = "nova"
	}
	return types.VoiceProfile{
		ID:           id,
		SpeedFactor:  voiceSpeed,
		Instructions: voiceInstructions,
	}
}
