package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/pipeline"
)

var (
	isoDateRE    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dottedDateRE = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	clockTimeRE  = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	hourWordRE   = regexp.MustCompile(`\b([01]?\d|2[0-3])\s?[Uu]hr\b`)
	doorsRE      = regexp.MustCompile(`(?i)(einlass|doors?(\s+open)?)\D{0,10}([01]?\d|2[0-3])[:.]?([0-5]\d)?`)
	beginRE      = regexp.MustCompile(`(?i)(beginn|start)\D{0,10}([01]?\d|2[0-3])[:.]([0-5]\d)`)
	postalCodeRE = regexp.MustCompile(`\b\d{5}\b`)
)

var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"konzert", "concert"},
	{"concert", "concert"},
	{"live musik", "concert"},
	{"workshop", "workshop"},
	{"kurs", "course"},
	{"theater", "theater"},
	{"kino", "cinema"},
	{"film", "cinema"},
	{"ausstellung", "exhibition"},
	{"exhibition", "exhibition"},
	{"lesung", "reading"},
	{"quiz", "quiz"},
	{"markt", "market"},
	{"market", "market"},
	{"festival", "festival"},
	{"party", "party"},
	{"comedy", "comedy"},
	{"vortrag", "lecture"},
	{"lecture", "lecture"},
}

// RulesExtractor is the deterministic fallback: stored selectors when
// they match, regex heuristics over the page text otherwise. It aims
// for a non-null, lower-confidence result rather than an error.
type RulesExtractor struct {
	logger *zap.Logger
}

// NewRules constructs a RulesExtractor.
func NewRules(logger *zap.Logger) *RulesExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RulesExtractor{logger: logger}
}

// Extract pulls what it can from markup without a model.
func (e *RulesExtractor) Extract(_ context.Context, markup []byte, baseURL string, hints pipeline.ExtractionHints) (pipeline.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return pipeline.Extraction{}, fmt.Errorf("parsing markup: %w", err)
	}
	text, _ := Textify(markup)

	event := pipeline.EventRecord{
		Title:         e.title(doc, hints),
		EventDate:     firstDate(text),
		StartTime:     startTime(text),
		DoorsOpenTime: doorsTime(text),
		VenueName:     selectorText(doc, hints.Selectors.Location),
		PostalCode:    postalCodeRE.FindString(text),
		PriceInfo:     selectorText(doc, hints.Selectors.Price),
		ImageURL:      resolveURL(baseURL, imageURL(doc, hints)),
		TicketURL:     resolveURL(baseURL, selectorAttr(doc, hints.Selectors.Link, "href")),
	}
	event.Category = guessCategory(text, hints.SourceCategory)
	event.LanguageProfile = DetectLanguageProfile(text)
	event.InteractionMode = InferInteractionMode(event.Category, text)

	if event.Title == "" {
		return pipeline.Extraction{}, fmt.Errorf("no usable title in markup")
	}

	completeness := Completeness(event)
	return pipeline.Extraction{
		Event:        event,
		Completeness: completeness,
		Confidence:   rulesConfidence(completeness),
	}, nil
}

func rulesConfidence(completeness int) float64 {
	return 0.2 + 0.06*float64(completeness)
}

func (e *RulesExtractor) title(doc *goquery.Document, hints pipeline.ExtractionHints) string {
	if t := selectorText(doc, hints.Selectors.Title); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && t != "" {
		return strings.TrimSpace(t)
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func imageURL(doc *goquery.Document, hints pipeline.ExtractionHints) string {
	if src := selectorAttr(doc, hints.Selectors.Image, "src"); src != "" {
		return src
	}
	if img, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		return img
	}
	return ""
}

func selectorText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	compiled, err := cascadia.Compile(selector)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.FindMatcher(compiled).First().Text())
}

func selectorAttr(doc *goquery.Document, selector, attr string) string {
	if selector == "" {
		return ""
	}
	compiled, err := cascadia.Compile(selector)
	if err != nil {
		return ""
	}
	val, _ := doc.FindMatcher(compiled).First().Attr(attr)
	return val
}

// firstDate returns the first date in the text, normalized to
// YYYY-MM-DD.
func firstDate(text string) string {
	if m := isoDateRE.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	if m := dottedDateRE.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[3], pad2(m[2]), pad2(m[1]))
	}
	return ""
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// startTime prefers a time labeled as the start over the first clock
// time on the page, which is often the doors time.
func startTime(text string) string {
	if m := beginRE.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s:%s", pad2(m[2]), m[3])
	}
	doors := doorsTime(text)
	for _, m := range clockTimeRE.FindAllStringSubmatch(text, 4) {
		candidate := fmt.Sprintf("%s:%s", pad2(m[1]), m[2])
		if candidate != doors {
			return candidate
		}
	}
	if m := hourWordRE.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s:00", pad2(m[1]))
	}
	return ""
}

func doorsTime(text string) string {
	m := doorsRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	minutes := m[4]
	if minutes == "" {
		minutes = "00"
	}
	return fmt.Sprintf("%s:%s", pad2(m[3]), minutes)
}

func guessCategory(text, hint string) string {
	lower := strings.ToLower(text)
	for _, ck := range categoryKeywords {
		if strings.Contains(lower, ck.keyword) {
			return ck.category
		}
	}
	if hint != "" {
		return normalizeCategory(hint)
	}
	return "other"
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(refURL).String()
}
