package extract

import (
	"strings"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// categoryInteraction maps normalized event categories to how actively
// attendees participate. Unlisted categories fall back to description
// keywords, then to low.
var categoryInteraction = map[string]pipeline.InteractionMode{
	"workshop":   pipeline.InteractionHigh,
	"class":      pipeline.InteractionHigh,
	"course":     pipeline.InteractionHigh,
	"sports":     pipeline.InteractionHigh,
	"dance":      pipeline.InteractionHigh,
	"game_night": pipeline.InteractionHigh,
	"quiz":       pipeline.InteractionHigh,
	"meetup":     pipeline.InteractionMedium,
	"networking": pipeline.InteractionMedium,
	"market":     pipeline.InteractionMedium,
	"festival":   pipeline.InteractionMedium,
	"food":       pipeline.InteractionMedium,
	"party":      pipeline.InteractionMedium,
	"concert":    pipeline.InteractionLow,
	"comedy":     pipeline.InteractionLow,
	"theater":    pipeline.InteractionLow,
	"reading":    pipeline.InteractionLow,
	"exhibition": pipeline.InteractionPassive,
	"cinema":     pipeline.InteractionPassive,
	"film":       pipeline.InteractionPassive,
	"lecture":    pipeline.InteractionPassive,
	"museum":     pipeline.InteractionPassive,
}

var highInteractionKeywords = []string{
	"mitmachen", "teilnehmen", "participate", "hands-on", "join in",
	"workshop", "anmeldung erforderlich", "bring your",
}

// InferInteractionMode resolves the interaction mode from the event
// category, falling back to description keywords.
func InferInteractionMode(category, description string) pipeline.InteractionMode {
	if mode, ok := categoryInteraction[normalizeCategory(category)]; ok {
		return mode
	}
	lower := strings.ToLower(description)
	for _, kw := range highInteractionKeywords {
		if strings.Contains(lower, kw) {
			return pipeline.InteractionHigh
		}
	}
	return pipeline.InteractionLow
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	category = strings.ReplaceAll(category, " ", "_")
	category = strings.ReplaceAll(category, "-", "_")
	return category
}
