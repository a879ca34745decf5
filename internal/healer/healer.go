// Package healer proposes and validates replacement extraction
// selectors when a source's markup drifts away from its stored
// SelectorConfig.
package healer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/llm"
	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

const (
	defaultMinConfidence = 0.7
	proposalMaxTokens    = 1024

	// fallbackExpectedMatches is used when the source has no recorded
	// expectation for how many event cards a listing page carries.
	fallbackExpectedMatches = 3
)

const proposalSystemPrompt = `You repair broken CSS selectors for an event-listing scraper.
Given a structural summary of a page and the selectors that stopped matching,
propose a complete replacement selector set. Respond with JSON only:
{"eventCard":"...","title":"...","date":"...","time":"...","location":"...","link":"...","description":"...","image":"...","price":"...","rationale":"..."}
eventCard, title and link are required. Leave unknown optional fields empty.
Selectors for title, date, time, location, link, description, image and price
are evaluated relative to eventCard. Prefer stable semantic class names over
generated ones.`

// Result reports the outcome of one healing attempt.
type Result struct {
	Healed     bool
	Selectors  pipeline.SelectorConfig
	NewVersion int
	Confidence float64
	Matches    int
	Reason     string
}

// Healer implements the selector healing algorithm.
type Healer struct {
	gen           pipeline.TextGenerator
	sources       pipeline.SourceStore
	audits        pipeline.SelectorAuditStore
	clock         pipeline.Clock
	logger        *zap.Logger
	minConfidence float64
}

// New constructs a Healer. audits may not be nil; every attempt that
// reaches the proposal step is recorded whether or not it is accepted.
func New(gen pipeline.TextGenerator, sources pipeline.SourceStore, audits pipeline.SelectorAuditStore, clock pipeline.Clock, logger *zap.Logger) *Healer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Healer{
		gen:           gen,
		sources:       sources,
		audits:        audits,
		clock:         clock,
		logger:        logger,
		minConfidence: defaultMinConfidence,
	}
}

// Heal runs the healing algorithm for one source against freshly
// fetched markup. It returns Healed=false without error when the
// current selectors still match, when the proposal is invalid, or when
// confidence falls below the acceptance threshold.
func (h *Healer) Heal(ctx context.Context, source pipeline.Source, markup []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return Result{}, fmt.Errorf("parsing markup: %w", err)
	}

	// Cheap escape hatch: if the stored selectors still match, the
	// zero-yield came from somewhere else.
	before := countMatches(doc, source.Selectors.EventCard)
	if before > 0 {
		return Result{
			Healed:  false,
			Matches: before,
			Reason:  "current selectors still match",
		}, nil
	}

	summary := Summarize(doc)
	proposal, rationale, err := h.propose(ctx, source, summary)
	if err != nil {
		metrics.ObserveHealing("proposal_error")
		return Result{}, fmt.Errorf("selector proposal: %w", err)
	}

	expected := source.ExpectedEventCount
	if expected <= 0 {
		expected = fallbackExpectedMatches
	}
	validation := validate(doc, proposal)
	confidence := h.score(validation, expected)
	// A selector matching far more elements than the page has events is
	// grabbing layout nodes, not cards.
	overMatched := validation.containerMatches > 2*expected
	accepted := validation.valid() && !overMatched && confidence >= h.minConfidence

	audit := pipeline.HealingAudit{
		SourceID:      source.ID,
		FromVersion:   source.SelectorVersion,
		Accepted:      accepted,
		Confidence:    confidence,
		MatchesBefore: before,
		MatchesAfter:  validation.containerMatches,
		Rationale:     rationale,
		Proposed:      proposal,
		AttemptedAt:   h.clock.Now(),
	}

	if !accepted {
		metrics.ObserveHealing("rejected")
		if err := h.audits.RecordHealing(ctx, audit); err != nil {
			h.logger.Warn("recording rejected healing attempt", zap.Error(err))
		}
		h.logger.Info("selector proposal held for review",
			zap.String("source_id", source.ID.String()),
			zap.Float64("confidence", confidence),
			zap.Int("container_matches", validation.containerMatches),
			zap.String("rationale", rationale),
		)
		reason := validation.reason(confidence, h.minConfidence)
		if overMatched && validation.valid() {
			reason = fmt.Sprintf("proposal over-matches: %d containers for %d expected events",
				validation.containerMatches, expected)
		}
		return Result{
			Healed:     false,
			Selectors:  proposal,
			Confidence: confidence,
			Matches:    validation.containerMatches,
			Reason:     reason,
		}, nil
	}

	version, err := h.sources.SaveSelectors(ctx, source.ID, proposal)
	if err != nil {
		metrics.ObserveHealing("persist_error")
		return Result{}, fmt.Errorf("saving healed selectors: %w", err)
	}
	audit.ToVersion = version
	if err := h.audits.RecordHealing(ctx, audit); err != nil {
		h.logger.Warn("recording accepted healing attempt", zap.Error(err))
	}

	metrics.ObserveHealing("accepted")
	h.logger.Info("selectors healed",
		zap.String("source_id", source.ID.String()),
		zap.Int("from_version", source.SelectorVersion),
		zap.Int("to_version", version),
		zap.Int("matches_before", before),
		zap.Int("matches_after", validation.containerMatches),
		zap.Float64("confidence", confidence),
	)
	return Result{
		Healed:     true,
		Selectors:  proposal,
		NewVersion: version,
		Confidence: confidence,
		Matches:    validation.containerMatches,
	}, nil
}

func (h *Healer) propose(ctx context.Context, source pipeline.Source, summary StructuralSummary) (pipeline.SelectorConfig, string, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return pipeline.SelectorConfig{}, "", fmt.Errorf("encoding summary: %w", err)
	}
	brokenJSON, err := json.Marshal(source.Selectors)
	if err != nil {
		return pipeline.SelectorConfig{}, "", fmt.Errorf("encoding selectors: %w", err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Source URL: %s\n", source.URL)
	fmt.Fprintf(&prompt, "Broken selectors: %s\n", brokenJSON)
	fmt.Fprintf(&prompt, "Page structure: %s\n", summaryJSON)

	raw, err := h.gen.Complete(ctx, proposalSystemPrompt, prompt.String(), proposalMaxTokens)
	if err != nil {
		return pipeline.SelectorConfig{}, "", err
	}

	var parsed struct {
		pipeline.SelectorConfig
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(llm.CleanJSON(raw)), &parsed); err != nil {
		return pipeline.SelectorConfig{}, "", fmt.Errorf("parsing proposal: %w", err)
	}
	return parsed.SelectorConfig, parsed.Rationale, nil
}

// fieldCheck is the validation outcome for one selector field.
type fieldCheck struct {
	name    string
	valid   bool
	matches int
}

type validation struct {
	containerMatches int
	containerValid   bool
	required         []fieldCheck
	optional         []fieldCheck
}

// valid reports whether the proposal is usable at all: the container
// must match at least one element and every required field selector
// must compile and match inside a container.
func (v validation) valid() bool {
	if !v.containerValid || v.containerMatches == 0 {
		return false
	}
	for _, f := range v.required {
		if !f.valid {
			return false
		}
	}
	return true
}

func (v validation) requiredFraction() float64 {
	if len(v.required) == 0 {
		return 0
	}
	ok := 0
	for _, f := range v.required {
		if f.valid {
			ok++
		}
	}
	return float64(ok) / float64(len(v.required))
}

func (v validation) reason(confidence, threshold float64) string {
	if !v.containerValid {
		return "event-container selector invalid"
	}
	if v.containerMatches == 0 {
		return "event-container selector matches nothing"
	}
	for _, f := range v.required {
		if !f.valid {
			return fmt.Sprintf("required field %q invalid", f.name)
		}
	}
	return fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, threshold)
}

func validate(doc *goquery.Document, proposal pipeline.SelectorConfig) validation {
	v := validation{}

	containerSel, err := cascadia.Compile(proposal.EventCard)
	if err != nil || proposal.EventCard == "" {
		return v
	}
	v.containerValid = true
	containers := doc.FindMatcher(containerSel)
	v.containerMatches = containers.Length()

	check := func(name, selector string) fieldCheck {
		if selector == "" {
			return fieldCheck{name: name}
		}
		compiled, err := cascadia.Compile(selector)
		if err != nil {
			return fieldCheck{name: name}
		}
		matches := containers.FindMatcher(compiled).Length()
		return fieldCheck{name: name, valid: matches > 0, matches: matches}
	}

	v.required = []fieldCheck{
		check("title", proposal.Title),
		check("link", proposal.Link),
	}
	v.optional = []fieldCheck{
		check("date", proposal.Date),
		check("time", proposal.Time),
		check("location", proposal.Location),
		check("description", proposal.Description),
		check("image", proposal.Image),
		check("price", proposal.Price),
	}
	return v
}

// score combines a nonzero-match bonus, the ratio of observed matches
// to the historically expected event count, and the fraction of
// required fields that validated. Clamped to [0, 1].
func (h *Healer) score(v validation, expected int) float64 {
	score := 0.0
	if v.containerValid && v.containerMatches > 0 {
		score += 0.3
	}
	ratio := float64(v.containerMatches) / float64(expected)
	if ratio > 1 {
		ratio = 1
	}
	score += 0.4 * ratio
	score += 0.3 * v.requiredFraction()

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func countMatches(doc *goquery.Document, selector string) int {
	if selector == "" {
		return 0
	}
	compiled, err := cascadia.Compile(selector)
	if err != nil {
		return 0
	}
	return doc.FindMatcher(compiled).Length()
}
