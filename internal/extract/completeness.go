package extract

import (
	"regexp"

	"github.com/eventpulse/harvester/internal/pipeline"
)

var (
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// ValidDate reports whether s is a YYYY-MM-DD date string.
func ValidDate(s string) bool { return datePattern.MatchString(s) }

// ValidTime reports whether s is a 24h HH:MM time string.
func ValidTime(s string) bool { return timePattern.MatchString(s) }

func validLanguageProfile(p pipeline.LanguageProfile) bool {
	switch p {
	case pipeline.LanguageNative, pipeline.LanguageForeign, pipeline.LanguageMixed, pipeline.LanguageOther:
		return true
	}
	return false
}

func validInteractionMode(m pipeline.InteractionMode) bool {
	switch m {
	case pipeline.InteractionHigh, pipeline.InteractionMedium, pipeline.InteractionLow, pipeline.InteractionPassive:
		return true
	}
	return false
}

// Completeness counts how many of the five distinguished fields are
// populated and well-formed: timing (start or doors time), a map-ready
// address, an end time or duration, a language profile and an
// interaction mode. Range 0 to 5.
func Completeness(e pipeline.EventRecord) int {
	score := 0
	if ValidTime(e.StartTime) || ValidTime(e.DoorsOpenTime) {
		score++
	}
	if e.VenueName != "" && (e.StreetAddress != "" || e.City != "") {
		score++
	}
	if ValidTime(e.EndTime) || e.DurationMinutes > 0 {
		score++
	}
	if validLanguageProfile(e.LanguageProfile) {
		score++
	}
	if validInteractionMode(e.InteractionMode) {
		score++
	}
	return score
}
