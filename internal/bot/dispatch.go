package bot

import (
	"strings"

	"github.com/havenbridge/wellnest/internal/bus"
)

const commandMarker = "/"

// handlerFunc is the common calling contract for every command handler:
// free-form args plus the inbound message in, reply text out.
type handlerFunc func(b *Bot, args string, msg bus.InboundMessage) string

// handlerRegistry is the closed set of handler names the command map may
// reference. The JSON command map picks tokens; it cannot conjure handlers
// that do not exist here.
var handlerRegistry = map[string]handlerFunc{
	"start":              (*Bot).handleStart,
	"help":               (*Bot).handleHelp,
	"log_mood":           (*Bot).handleLogMood,
	"mood_analysis":      (*Bot).handleMoodAnalysis,
	"breathing_exercise": (*Bot).handleBreathingExercise,
	"daily_affirmation":  (*Bot).handleDailyAffirmation,
	"meditation_guide":   (*Bot).handleMeditationGuide,
	"vent_session":       (*Bot).handleVentSession,
	"check_usage":        (*Bot).handleCheckUsage,
	"check_limit":        (*Bot).handleCheckLimit,
}

// splitCommand extracts the case-folded command token (first whitespace-
// delimited word) and the free-form remainder.
func splitCommand(text string) (token, args string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	token = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return token, args
}
