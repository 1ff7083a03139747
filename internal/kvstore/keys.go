package kvstore

import "time"

// Key lifetimes. The script TTL and the key formats are shared with the
// script editor, so changing them changes the editor contract.
const (
	ScriptTTL = 7 * 24 * time.Hour
	AudioTTL  = 24 * time.Hour
	StatsTTL  = ScriptTTL
)

// InProgress is the placeholder stored under a script key while the script
// stage holds its idempotency lock. Real scripts are prose and never equal it.
const InProgress = "1"

const keyPrefix = "snap:"

// StageKey returns the key for stage-scoped data of a card.
func StageKey(stage, cardID string) string {
	return keyPrefix + stage + ":" + cardID
}

// ScriptKey holds the script text (or InProgress) for a card.
func ScriptKey(cardID string) string { return StageKey("script", cardID) }

// VoiceKey is the voice-stage idempotency lock for a card.
func VoiceKey(cardID string) string { return StageKey("voice", cardID) }

// AudioKey holds generated audio until delivery.
func AudioKey(cardID string) string { return StageKey("audio", cardID) }

// StatsKey holds the JSON stats accumulator for a card.
func StatsKey(cardID string) string { return StageKey("stats", cardID) }

// IsScript reports whether a stored script value is real script text rather
// than the in-progress placeholder.
func IsScript(v string) bool {
	return v != "" && v != InProgress
}
