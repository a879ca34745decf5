// Package extract turns fetched markup into structured event records.
// The primary path asks a text-generation service for a
// schema-constrained extraction; a deterministic rules extractor
// covers outages.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/llm"
	"github.com/eventpulse/harvester/internal/pipeline"
)

const (
	extractMaxTokens = 2048

	// maxPromptChars bounds the textified markup sent to the model.
	maxPromptChars = 12000
)

const extractSystemPrompt = `You extract a single event from event-page text.
Respond with JSON only, matching this schema exactly:
{
  "title": "string, required",
  "event_date": "YYYY-MM-DD, required",
  "start_time": "HH:MM 24h, required",
  "doors_open_time": "HH:MM or empty; only when doors open before the start",
  "end_time": "HH:MM or empty",
  "estimated_duration_minutes": 0,
  "venue_name": "string, required",
  "street_address": "string or empty",
  "city": "string or empty",
  "postal_code": "string or empty",
  "language_profile": "one of: native, foreign, mixed, other",
  "interaction_mode": "one of: high, medium, low, passive",
  "category": "string, required",
  "persona_tags": [],
  "image_url": "string or empty",
  "ticket_url": "string or empty",
  "price_info": "string or empty"
}
Use empty strings for unknown optional fields. Never invent dates or times.`

// AIExtractor implements pipeline.Extractor against a text-generation
// service.
type AIExtractor struct {
	gen    pipeline.TextGenerator
	logger *zap.Logger
}

// NewAI constructs an AIExtractor.
func NewAI(gen pipeline.TextGenerator, logger *zap.Logger) *AIExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AIExtractor{gen: gen, logger: logger}
}

// Extract converts markup to compact text and requests a
// schema-constrained extraction.
func (e *AIExtractor) Extract(ctx context.Context, markup []byte, baseURL string, hints pipeline.ExtractionHints) (pipeline.Extraction, error) {
	text, err := Textify(markup)
	if err != nil {
		return pipeline.Extraction{}, fmt.Errorf("textifying markup: %w", err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Page URL: %s\n", baseURL)
	if hints.SourceCategory != "" {
		fmt.Fprintf(&prompt, "Source category hint: %s\n", hints.SourceCategory)
	}
	fmt.Fprintf(&prompt, "Page text:\n%s\n", text)

	raw, err := e.gen.Complete(ctx, extractSystemPrompt, prompt.String(), extractMaxTokens)
	if err != nil {
		return pipeline.Extraction{}, err
	}

	var event pipeline.EventRecord
	if err := json.Unmarshal([]byte(llm.CleanJSON(raw)), &event); err != nil {
		return pipeline.Extraction{}, fmt.Errorf("parsing extraction: %w", err)
	}
	if err := checkRequired(event); err != nil {
		return pipeline.Extraction{}, err
	}

	// Model classifications outside the closed sets are replaced by the
	// local classifiers instead of failing the extraction.
	if !validLanguageProfile(event.LanguageProfile) {
		event.LanguageProfile = DetectLanguageProfile(text)
	}
	if !validInteractionMode(event.InteractionMode) {
		event.InteractionMode = InferInteractionMode(event.Category, text)
	}

	completeness := Completeness(event)
	return pipeline.Extraction{
		Event:        event,
		Completeness: completeness,
		Confidence:   aiConfidence(completeness),
	}, nil
}

func checkRequired(e pipeline.EventRecord) error {
	switch {
	case e.Title == "":
		return fmt.Errorf("extraction missing title")
	case !ValidDate(e.EventDate):
		return fmt.Errorf("extraction has malformed event_date %q", e.EventDate)
	case !ValidTime(e.StartTime):
		return fmt.Errorf("extraction has malformed start_time %q", e.StartTime)
	case e.VenueName == "":
		return fmt.Errorf("extraction missing venue_name")
	case e.Category == "":
		return fmt.Errorf("extraction missing category")
	}
	return nil
}

func aiConfidence(completeness int) float64 {
	return 0.5 + 0.08*float64(completeness)
}

// Textify strips script, style and navigation noise from markup and
// returns whitespace-collapsed visible text, bounded in size.
func Textify(markup []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, svg, nav, footer").Remove()

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxPromptChars {
		cut := maxPromptChars
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text, nil
}
