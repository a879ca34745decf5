package healer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
	"github.com/eventpulse/harvester/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type scriptedGenerator struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (g *scriptedGenerator) Complete(_ context.Context, _, prompt string, _ int) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func listingMarkup(cards int) []byte {
	var b strings.Builder
	b.WriteString(`<html><body><main class="Veranstaltungen-liste">`)
	for i := 0; i < cards; i++ {
		fmt.Fprintf(&b, `<article class="event-card css-1x9k2f">
			<h3 class="event-title">Show %d</h3>
			<span class="event-date">2026-09-%02d</span>
			<a href="/veranstaltungen/show-%d">Details</a>
		</article>`, i, i+1, i)
	}
	b.WriteString(`</main></body></html>`)
	return []byte(b.String())
}

func newTestHealer(t *testing.T, gen pipeline.TextGenerator) (*Healer, *memory.SourceStore, *memory.AuditLog) {
	t.Helper()
	metrics.Init()
	sources := memory.NewSourceStore()
	audits := memory.NewAuditLog()
	h := New(gen, sources, audits, &fixedClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
	return h, sources, audits
}

func seedSource(sources *memory.SourceStore, selectors pipeline.SelectorConfig, expected int) pipeline.Source {
	src := pipeline.Source{
		ID:                 uuid.New(),
		URL:                "https://example.org/events",
		Domain:             "example.org",
		Selectors:          selectors,
		SelectorVersion:    1,
		ExpectedEventCount: expected,
	}
	sources.Put(src)
	return src
}

func TestHealSkipsWhenCurrentSelectorsStillMatch(t *testing.T) {
	gen := &scriptedGenerator{}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{
		EventCard: ".event-card",
		Title:     "h3",
		Link:      "a",
	}, 14)

	res, err := h.Heal(context.Background(), src, listingMarkup(14))
	require.NoError(t, err)
	require.False(t, res.Healed)
	require.Equal(t, 14, res.Matches)
	require.Equal(t, 0, gen.calls, "no proposal should be requested")
	require.Empty(t, audits.Audits())
}

func TestHealAcceptsValidatedProposal(t *testing.T) {
	gen := &scriptedGenerator{response: "```json\n" + `{
		"eventCard": ".event-card",
		"title": "h3.event-title",
		"date": ".event-date",
		"link": "a",
		"rationale": "listing moved from .old-card to .event-card"
	}` + "\n```"}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{
		EventCard: ".old-card",
		Title:     ".old-title",
		Link:      "a.old-link",
	}, 14)

	res, err := h.Heal(context.Background(), src, listingMarkup(14))
	require.NoError(t, err)
	require.True(t, res.Healed)
	require.Equal(t, 14, res.Matches)
	require.Equal(t, 2, res.NewVersion)
	require.GreaterOrEqual(t, res.Confidence, 0.7)
	require.Equal(t, ".event-card", res.Selectors.EventCard)

	updated, err := sources.Get(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 2, updated.SelectorVersion)
	require.Equal(t, ".event-card", updated.Selectors.EventCard)

	entries := audits.Audits()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Accepted)
	require.Equal(t, 0, entries[0].MatchesBefore)
	require.Equal(t, 14, entries[0].MatchesAfter)
	require.Equal(t, 1, entries[0].FromVersion)
	require.Equal(t, 2, entries[0].ToVersion)
	require.Contains(t, entries[0].Rationale, ".event-card")
}

func TestHealRejectsZeroMatchProposal(t *testing.T) {
	gen := &scriptedGenerator{response: `{
		"eventCard": ".does-not-exist",
		"title": "h3",
		"link": "a"
	}`}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{EventCard: ".old-card", Title: "h2", Link: "a"}, 14)

	res, err := h.Heal(context.Background(), src, listingMarkup(14))
	require.NoError(t, err)
	require.False(t, res.Healed)
	require.Contains(t, res.Reason, "matches nothing")

	updated, err := sources.Get(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.SelectorVersion, "selectors must not change")

	entries := audits.Audits()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Accepted)
}

func TestHealRejectsOverMatchingProposal(t *testing.T) {
	gen := &scriptedGenerator{response: `{
		"eventCard": ".event-card",
		"title": "h3",
		"link": "a"
	}`}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{EventCard: ".old-card", Title: "h2", Link: "a"}, 2)

	// 10 matches against 2 expected events: the selector is grabbing
	// layout nodes, not cards.
	res, err := h.Heal(context.Background(), src, listingMarkup(10))
	require.NoError(t, err)
	require.False(t, res.Healed)
	require.Equal(t, 10, res.Matches)
	require.Contains(t, res.Reason, "over-matches")

	updated, err := sources.Get(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.SelectorVersion, "selectors must not change")

	entries := audits.Audits()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Accepted)
}

func TestHealRejectsInvalidRequiredField(t *testing.T) {
	gen := &scriptedGenerator{response: `{
		"eventCard": ".event-card",
		"title": "h3[[",
		"link": "a"
	}`}
	h, sources, _ := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{EventCard: ".old-card", Title: "h2", Link: "a"}, 14)

	res, err := h.Heal(context.Background(), src, listingMarkup(14))
	require.NoError(t, err)
	require.False(t, res.Healed)
	require.Contains(t, res.Reason, `"title"`)
}

func TestHealHoldsLowConfidenceForReview(t *testing.T) {
	// Only one card on a page where 20 events are expected: structurally
	// valid, but too sparse to trust automatically.
	gen := &scriptedGenerator{response: `{
		"eventCard": ".event-card",
		"title": "h3",
		"link": "a"
	}`}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{EventCard: ".old-card", Title: "h2", Link: "a"}, 20)

	res, err := h.Heal(context.Background(), src, listingMarkup(1))
	require.NoError(t, err)
	require.False(t, res.Healed)
	require.Less(t, res.Confidence, 0.7)
	require.Contains(t, res.Reason, "below threshold")

	entries := audits.Audits()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Accepted)
	require.Equal(t, res.Confidence, entries[0].Confidence)
}

func TestHealPropagatesGeneratorError(t *testing.T) {
	gen := &scriptedGenerator{err: fmt.Errorf("model overloaded")}
	h, sources, audits := newTestHealer(t, gen)
	src := seedSource(sources, pipeline.SelectorConfig{EventCard: ".old-card", Title: "h2", Link: "a"}, 14)

	_, err := h.Heal(context.Background(), src, listingMarkup(14))
	require.Error(t, err)
	require.Empty(t, audits.Audits())
}

func TestSummarizeIgnoresHashedClasses(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(listingMarkup(5)))
	require.NoError(t, err)

	summary := Summarize(doc)

	classes := map[string]int{}
	for _, c := range summary.ClassHistogram {
		classes[c.Class] = c.Count
	}
	require.Equal(t, 5, classes["event-card"])
	require.Equal(t, 5, classes["event-title"])
	require.NotContains(t, classes, "css-1x9k2f")

	require.Contains(t, summary.EventishHits, "article.event-card")
	require.Contains(t, summary.LinkPatterns, "/veranstaltungen/{slug}")
}
