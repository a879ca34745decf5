package healer

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StructuralSummary is a compact description of a page's markup, built
// for the selector proposal prompt. It deliberately omits text content.
type StructuralSummary struct {
	ClassHistogram []ClassCount `json:"class_histogram"`
	EventishHits   []string     `json:"eventish_elements"`
	LinkPatterns   []string     `json:"link_patterns"`
}

// ClassCount is one entry of the class-name frequency histogram.
type ClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// hashedClass matches generated class names (CSS-in-JS suffixes, build
// hashes) that are useless as stable selectors.
var hashedClass = regexp.MustCompile(`(^css-)|(-{1,2}[0-9a-f]{5,}$)|(_[0-9a-zA-Z]{5,}$)|^[0-9a-f]{6,}$`)

// eventishVocab marks class/id tokens that commonly label event markup.
var eventishVocab = []string{
	"event", "veranstaltung", "termin", "kalender", "calendar",
	"agenda", "programm", "program", "concert", "show", "ticket",
	"date", "datum", "venue", "schedule", "listing",
}

const (
	maxHistogramEntries = 30
	maxEventishHits     = 20
	maxLinkPatterns     = 15
)

// Summarize builds a StructuralSummary from a parsed document.
func Summarize(doc *goquery.Document) StructuralSummary {
	classes := map[string]int{}
	eventish := map[string]struct{}{}

	doc.Find("[class], [id]").Each(func(_ int, sel *goquery.Selection) {
		node := goquery.NodeName(sel)
		if id, ok := sel.Attr("id"); ok && id != "" {
			if isEventish(id) {
				eventish[fmt.Sprintf("%s#%s", node, id)] = struct{}{}
			}
		}
		raw, ok := sel.Attr("class")
		if !ok {
			return
		}
		for _, class := range strings.Fields(raw) {
			if hashedClass.MatchString(class) {
				continue
			}
			classes[class]++
			if isEventish(class) {
				eventish[fmt.Sprintf("%s.%s", node, class)] = struct{}{}
			}
		}
	})

	histogram := make([]ClassCount, 0, len(classes))
	for class, count := range classes {
		histogram = append(histogram, ClassCount{Class: class, Count: count})
	}
	sort.Slice(histogram, func(i, j int) bool {
		if histogram[i].Count != histogram[j].Count {
			return histogram[i].Count > histogram[j].Count
		}
		return histogram[i].Class < histogram[j].Class
	})
	if len(histogram) > maxHistogramEntries {
		histogram = histogram[:maxHistogramEntries]
	}

	hits := make([]string, 0, len(eventish))
	for h := range eventish {
		hits = append(hits, h)
	}
	sort.Strings(hits)
	if len(hits) > maxEventishHits {
		hits = hits[:maxEventishHits]
	}

	return StructuralSummary{
		ClassHistogram: histogram,
		EventishHits:   hits,
		LinkPatterns:   linkPatterns(doc),
	}
}

func isEventish(token string) bool {
	lower := strings.ToLower(token)
	for _, word := range eventishVocab {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// linkPatterns collapses hrefs into path-shape patterns like
// "/events/{slug}" so the prompt can see where detail links live.
func linkPatterns(doc *goquery.Document) []string {
	counts := map[string]int{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		pattern, ok := pathPattern(href)
		if !ok {
			return
		}
		counts[pattern]++
	})

	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if counts[patterns[i]] != counts[patterns[j]] {
			return counts[patterns[i]] > counts[patterns[j]]
		}
		return patterns[i] < patterns[j]
	})
	if len(patterns) > maxLinkPatterns {
		patterns = patterns[:maxLinkPatterns]
	}
	return patterns
}

var slugLike = regexp.MustCompile(`\d|-.*-|^[0-9a-f]{8,}$`)

func pathPattern(href string) (string, bool) {
	parsed, err := url.Parse(href)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "", false
	}
	if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return "", false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, seg := range segments {
		if slugLike.MatchString(seg) {
			segments[i] = "{slug}"
		}
	}
	return "/" + strings.Join(segments, "/"), true
}
