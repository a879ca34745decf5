// Package analyzer inspects fetched markup and recommends a fetch
// strategy for the source going forward. Recommendations are advisory:
// they change the source's default strategy for future fetches and never
// retry the current one.
package analyzer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// Signals are the raw measurements taken from a page.
type Signals struct {
	ScriptCoveragePct int
	BodyBytes         int
	SPAMarker         bool
	AntiBotMarker     bool
	ContainerMatches  int
}

// Recommendation is the analyzer's verdict for a source.
type Recommendation struct {
	Strategy pipeline.FetchStrategy
	Reason   string
	Signals  Signals
}

// Analyzer scores markup against a handful of rule-based signals.
type Analyzer struct {
	BodyLengthThreshold int
}

// New creates an Analyzer.
func New(threshold int) *Analyzer {
	if threshold == 0 {
		threshold = 2048
	}
	return &Analyzer{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var antiBotMarkers = []string{
	"cf-challenge",
	"cf_chl_opt",
	"just a moment...",
	"checking your browser",
	"datadome",
	"px-captcha",
	"g-recaptcha",
	"hcaptcha",
}

// Analyze measures the markup and recommends a strategy relative to the
// one that produced it.
func (a *Analyzer) Analyze(
	markup []byte,
	current pipeline.FetchStrategy,
	selectors pipeline.SelectorConfig,
) Recommendation {
	sig := a.measure(markup, selectors)

	switch {
	case sig.AntiBotMarker:
		return Recommendation{
			Strategy: pipeline.StrategyAntiBot,
			Reason:   "anti-bot challenge markers present",
			Signals:  sig,
		}
	case sig.SPAMarker || (sig.BodyBytes < a.BodyLengthThreshold && sig.ScriptCoveragePct >= 25):
		if current == pipeline.StrategyAntiBot {
			// Already rendering through a proxy; nothing cheaper works.
			return Recommendation{Strategy: current, Reason: "rendered fetch still required", Signals: sig}
		}
		return Recommendation{
			Strategy: pipeline.StrategyHeadless,
			Reason:   "client-rendered page, static markup is a shell",
			Signals:  sig,
		}
	case sig.ContainerMatches == 0 && selectors.EventCard != "":
		// The page is reachable but the expected structure is absent.
		// That is extraction drift, not a fetch problem; keep the
		// strategy and let the healer deal with it.
		return Recommendation{Strategy: current, Reason: "expected structure absent", Signals: sig}
	case current != pipeline.StrategyStatic && sig.ContainerMatches > 0 && !sig.SPAMarker:
		return Recommendation{
			Strategy: pipeline.StrategyStatic,
			Reason:   "static markup carries the event structure, downgrade",
			Signals:  sig,
		}
	default:
		return Recommendation{Strategy: current, Reason: "no change", Signals: sig}
	}
}

func (a *Analyzer) measure(markup []byte, selectors pipeline.SelectorConfig) Signals {
	sig := Signals{
		BodyBytes:         len(markup),
		ScriptCoveragePct: scriptCoverage(markup),
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(markup, marker) {
			sig.SPAMarker = true
			break
		}
	}
	lower := strings.ToLower(string(markup))
	for _, marker := range antiBotMarkers {
		if strings.Contains(lower, marker) {
			sig.AntiBotMarker = true
			break
		}
	}
	if selectors.EventCard != "" {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup)); err == nil {
			sig.ContainerMatches = doc.Find(selectors.EventCard).Length()
		}
	}
	return sig
}

// scriptCoverage returns the percentage of the document occupied by
// script tags and their content.
func scriptCoverage(markup []byte) int {
	lower := strings.ToLower(string(markup))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		coverage += nextSearch - start
		searchPos = nextSearch
	}

	return coverage * 100 / total
}
