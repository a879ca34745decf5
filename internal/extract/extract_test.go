package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

type scriptedGenerator struct {
	response string
	err      error
	calls    int
}

func (g *scriptedGenerator) Complete(_ context.Context, _, _ string, _ int) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

const concertPage = `<html><head>
<title>Jazz Abend | Kulturhaus</title>
<meta property="og:title" content="Jazz Abend im Kulturhaus">
<meta property="og:image" content="/img/jazz.jpg">
</head><body>
<h1>Jazz Abend</h1>
<p>Konzert mit dem Stadtorchester. Einlass 19:00, Beginn 20:00 Uhr.</p>
<p>Am 12.09.2026 im Kulturhaus, Hauptstraße 5, 04109 Leipzig.</p>
<p>Der Eintritt ist frei und die Karten sind an der Abendkasse zu haben.</p>
<a class="tickets" href="/tickets/jazz-abend">Karten</a>
</body></html>`

func TestAIExtractorParsesSchemaResponse(t *testing.T) {
	metrics.Init()
	gen := &scriptedGenerator{response: "```json\n" + `{
		"title": "Jazz Abend",
		"event_date": "2026-09-12",
		"start_time": "20:00",
		"doors_open_time": "19:00",
		"venue_name": "Kulturhaus",
		"street_address": "Hauptstraße 5",
		"city": "Leipzig",
		"postal_code": "04109",
		"end_time": "22:30",
		"language_profile": "native",
		"interaction_mode": "low",
		"category": "concert"
	}` + "\n```"}
	extractor := NewAI(gen, zap.NewNop())

	extraction, err := extractor.Extract(context.Background(), []byte(concertPage), "https://example.org/events/jazz", pipeline.ExtractionHints{})
	require.NoError(t, err)
	require.Equal(t, "Jazz Abend", extraction.Event.Title)
	require.Equal(t, "2026-09-12", extraction.Event.EventDate)
	require.Equal(t, "20:00", extraction.Event.StartTime)
	require.Equal(t, "19:00", extraction.Event.DoorsOpenTime)
	require.Equal(t, pipeline.LanguageNative, extraction.Event.LanguageProfile)
	require.Equal(t, 5, extraction.Completeness)
	require.InDelta(t, 0.9, extraction.Confidence, 0.001)
}

func TestAIExtractorRejectsMalformedRequiredFields(t *testing.T) {
	metrics.Init()
	gen := &scriptedGenerator{response: `{
		"title": "Jazz Abend",
		"event_date": "next friday",
		"start_time": "20:00",
		"venue_name": "Kulturhaus",
		"category": "concert"
	}`}
	extractor := NewAI(gen, zap.NewNop())

	_, err := extractor.Extract(context.Background(), []byte(concertPage), "https://example.org", pipeline.ExtractionHints{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "event_date")
}

func TestAIExtractorReplacesInvalidClassifications(t *testing.T) {
	metrics.Init()
	gen := &scriptedGenerator{response: `{
		"title": "Jazz Abend",
		"event_date": "2026-09-12",
		"start_time": "20:00",
		"venue_name": "Kulturhaus",
		"language_profile": "german",
		"interaction_mode": "sitting",
		"category": "concert"
	}`}
	extractor := NewAI(gen, zap.NewNop())

	extraction, err := extractor.Extract(context.Background(), []byte(concertPage), "https://example.org", pipeline.ExtractionHints{})
	require.NoError(t, err)
	require.Equal(t, pipeline.LanguageNative, extraction.Event.LanguageProfile)
	require.Equal(t, pipeline.InteractionLow, extraction.Event.InteractionMode)
}

func TestTextifyTruncatesAtRuneBoundary(t *testing.T) {
	metrics.Init()
	// One ASCII byte shifts every following two-byte rune onto an odd
	// offset, so a byte-indexed cut would split one.
	body := "x" + strings.Repeat("ü", 8000)
	text, err := Textify([]byte("<html><body><p>" + body + "</p></body></html>"))
	require.NoError(t, err)
	require.LessOrEqual(t, len(text), maxPromptChars)
	require.True(t, utf8.ValidString(text))
}

func TestRulesExtractorHeuristics(t *testing.T) {
	metrics.Init()
	extractor := NewRules(zap.NewNop())

	extraction, err := extractor.Extract(context.Background(), []byte(concertPage), "https://example.org/events/jazz", pipeline.ExtractionHints{
		Selectors: pipeline.SelectorConfig{Link: "a.tickets"},
	})
	require.NoError(t, err)

	event := extraction.Event
	require.Equal(t, "Jazz Abend im Kulturhaus", event.Title)
	require.Equal(t, "2026-09-12", event.EventDate)
	require.Equal(t, "20:00", event.StartTime, "labeled start beats doors time")
	require.Equal(t, "19:00", event.DoorsOpenTime)
	require.Equal(t, "04109", event.PostalCode)
	require.Equal(t, "concert", event.Category)
	require.Equal(t, pipeline.LanguageNative, event.LanguageProfile)
	require.Equal(t, pipeline.InteractionLow, event.InteractionMode)
	require.Equal(t, "https://example.org/tickets/jazz-abend", event.TicketURL)
	require.Equal(t, "https://example.org/img/jazz.jpg", event.ImageURL)
	require.Less(t, extraction.Confidence, 0.6)
}

func TestRulesExtractorErrorsWithoutTitle(t *testing.T) {
	metrics.Init()
	extractor := NewRules(zap.NewNop())

	_, err := extractor.Extract(context.Background(), []byte("<html><body><p>nothing here</p></body></html>"), "https://example.org", pipeline.ExtractionHints{})
	require.Error(t, err)
}

func TestServiceFallsBackToRules(t *testing.T) {
	metrics.Init()
	gen := &scriptedGenerator{err: fmt.Errorf("model overloaded")}
	svc := NewService(NewAI(gen, zap.NewNop()), NewRules(zap.NewNop()), zap.NewNop())

	extraction, err := svc.Extract(context.Background(), []byte(concertPage), "https://example.org/events/jazz", pipeline.ExtractionHints{})
	require.NoError(t, err)
	require.Equal(t, 1, gen.calls)
	require.Equal(t, "Jazz Abend im Kulturhaus", extraction.Event.Title)
	require.Less(t, extraction.Confidence, 0.6)
}

func TestCompletenessCountsSocialFive(t *testing.T) {
	metrics.Init()
	full := pipeline.EventRecord{
		StartTime:       "20:00",
		VenueName:       "Kulturhaus",
		City:            "Leipzig",
		EndTime:         "22:30",
		LanguageProfile: pipeline.LanguageNative,
		InteractionMode: pipeline.InteractionLow,
	}
	require.Equal(t, 5, Completeness(full))

	partial := full
	partial.EndTime = ""
	partial.City = ""
	partial.VenueName = ""
	require.Equal(t, 3, Completeness(partial))

	require.Equal(t, 0, Completeness(pipeline.EventRecord{}))
}

func TestDetectLanguageProfile(t *testing.T) {
	metrics.Init()
	tests := []struct {
		name string
		text string
		want pipeline.LanguageProfile
	}{
		{
			name: "native text",
			text: "Das Konzert beginnt am Abend und der Eintritt ist frei für alle Besucher der Stadt",
			want: pipeline.LanguageNative,
		},
		{
			name: "foreign text",
			text: "Join us for the open stage night, doors are at seven and entry is free for everyone",
			want: pipeline.LanguageForeign,
		},
		{
			name: "mixed text",
			text: "Das Konzert ist open for everyone und der Eintritt is free with your ticket für alle",
			want: pipeline.LanguageMixed,
		},
		{
			name: "too short",
			text: "Jazz Abend",
			want: pipeline.LanguageOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DetectLanguageProfile(tt.text))
		})
	}
}

func TestInferInteractionMode(t *testing.T) {
	metrics.Init()
	require.Equal(t, pipeline.InteractionHigh, InferInteractionMode("Workshop", ""))
	require.Equal(t, pipeline.InteractionPassive, InferInteractionMode("cinema", ""))
	require.Equal(t, pipeline.InteractionHigh, InferInteractionMode("unknown", "Alle können mitmachen!"))
	require.Equal(t, pipeline.InteractionLow, InferInteractionMode("unknown", "Ein ruhiger Abend."))
}
