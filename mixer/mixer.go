// Package mixer turns a collected set of moecore.ExpertResults into the
// text and structured payloads handed back to the caller. It follows the
// teacher's buildSynthesisPrompt/ExecutePlanWithSynthesis shape — collect
// per-step responses, hand them to an LLM-shaped synthesizer, fall back to
// something simpler if synthesis fails — generalized to the preservation
// and geocoding rules this system adds on top.
package mixer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// Summarizer composes multiple expert contributions into one body of
// text. Ordering of contributions follows selection order.
type Summarizer interface {
	Summarize(ctx context.Context, queryText string, contributions []Contribution) (string, error)
}

// Contribution is one expert's text handed to the Summarizer, with
// preserved payloads already stripped and replaced by placeholder tokens.
type Contribution struct {
	ExpertID string
	Text     string
}

// GeocodingFallback extracts (name, address) pairs from free text and
// geocodes them into map markers when the query asked for a map view but
// no expert produced one directly.
type GeocodingFallback interface {
	ExtractAndGeocode(ctx context.Context, text string) ([]Marker, error)
}

// Marker is one resolved map pin.
type Marker struct {
	Name string
	Lat  float64
	Lng  float64
}

var defaultMapIntentPattern = regexp.MustCompile(`(?i)\b(on a map|near me|nearby|show.*map|map view)\b`)

// Mixer synthesizes a FinalResponse body from expert results.
type Mixer struct {
	cfg        *moecore.Config
	summarizer Summarizer
	geocoder   GeocodingFallback
	mapIntent  *regexp.Regexp
	log        moecore.Logger
}

// Option configures a Mixer at construction time.
type Option func(*Mixer)

// WithMapIntentPattern overrides the regex used to detect a map-view
// request. The default matches common phrasings like "on a map" or "near me".
func WithMapIntentPattern(re *regexp.Regexp) Option {
	return func(m *Mixer) { m.mapIntent = re }
}

// New builds a Mixer. geocoder may be nil, in which case the geocoding
// fallback (case 3's map-intent rule) is simply skipped.
func New(cfg *moecore.Config, summarizer Summarizer, geocoder GeocodingFallback, log moecore.Logger, opts ...Option) *Mixer {
	if cfg == nil {
		cfg = moecore.DefaultConfig()
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/mixer")
	}
	m := &Mixer{
		cfg:        cfg,
		summarizer: summarizer,
		geocoder:   geocoder,
		mapIntent:  defaultMapIntentPattern,
		log:        log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode selects which of spec.md's mix cases applies.
type Mode string

const (
	ModeFastPath Mode = "FAST_PATH"
	ModeNormal   Mode = "NORMAL"
)

// Mix produces the final text and structured payloads for one request.
func (m *Mixer) Mix(ctx context.Context, query moecore.Query, results []moecore.ExpertResult, mode Mode) (string, []moecore.StructuredPayload) {
	if mode == ModeFastPath {
		return m.mixFastPath(results)
	}

	successes := filterSuccess(results)
	if len(successes) == 0 {
		return m.cfg.AllFailedFallback, nil
	}
	if len(successes) == 1 {
		payloads := successes[0].StructuredPayloads
		if m.geocoder != nil && m.mapIntent.MatchString(query.Text) && !hasPayloadKind(payloads, moecore.PayloadInteractiveMap) {
			if marker := m.tryGeocode(ctx, successes); marker != nil {
				payloads = append(append([]moecore.StructuredPayload(nil), payloads...), *marker)
			}
		}
		return successes[0].TextOutput, payloads
	}
	return m.synthesize(ctx, query, successes)
}

func (m *Mixer) mixFastPath(results []moecore.ExpertResult) (string, []moecore.StructuredPayload) {
	if len(results) == 0 || results[0].Status != moecore.StatusSuccess {
		return m.cfg.FastPathFailFallback, nil
	}
	return results[0].TextOutput, results[0].StructuredPayloads
}

// synthesize implements case 3 ("multiple successful experts") and case 5
// ("mixed success/failure", which reduces to the same thing once failures
// are filtered out).
func (m *Mixer) synthesize(ctx context.Context, query moecore.Query, successes []moecore.ExpertResult) (string, []moecore.StructuredPayload) {
	var preserved []moecore.StructuredPayload
	contributions := make([]Contribution, 0, len(successes))

	for _, r := range successes {
		text, extracted := stripPreservedPayloads(r)
		preserved = append(preserved, extracted...)
		contributions = append(contributions, Contribution{ExpertID: r.ExpertID, Text: text})
	}

	body, err := m.runSummarizer(ctx, query.Text, contributions)
	if err != nil {
		m.log.Warn("summarizer failed, falling back to concatenation", map[string]interface{}{"error": err.Error()})
		body = concatenateFallback(successes)
	}

	if m.geocoder != nil && m.mapIntent.MatchString(query.Text) && !hasPayloadKind(preserved, moecore.PayloadInteractiveMap) {
		if marker := m.tryGeocode(ctx, successes); marker != nil {
			preserved = append(preserved, *marker)
		}
	}

	return body, preserved
}

func (m *Mixer) runSummarizer(ctx context.Context, queryText string, contributions []Contribution) (string, error) {
	if m.summarizer == nil {
		return concatenateContributions(contributions), nil
	}
	return m.summarizer.Summarize(ctx, queryText, contributions)
}

func (m *Mixer) tryGeocode(ctx context.Context, successes []moecore.ExpertResult) *moecore.StructuredPayload {
	var combined strings.Builder
	for _, r := range successes {
		combined.WriteString(r.TextOutput)
		combined.WriteString("\n")
	}

	markers, err := m.geocoder.ExtractAndGeocode(ctx, combined.String())
	if err != nil || len(markers) < 2 {
		return nil
	}

	raw := encodeMarkers(markers)
	return &moecore.StructuredPayload{Kind: moecore.PayloadInteractiveMap, Raw: raw}
}

// stripPreservedPayloads removes INTERACTIVE_MAP/IMAGE/JSON_BLOCK payloads
// from an expert result's text-bearing view, replacing each with a
// placeholder token so the summarizer sees that something was there
// without being tempted to re-render it. CODE_BLOCK payloads are left in
// place; the summarizer must not have its fences rewritten, but it is
// still allowed to see and reference the code.
func stripPreservedPayloads(r moecore.ExpertResult) (string, []moecore.StructuredPayload) {
	text := r.TextOutput
	var preserved []moecore.StructuredPayload

	for i, p := range r.StructuredPayloads {
		switch p.Kind {
		case moecore.PayloadInteractiveMap, moecore.PayloadImage, moecore.PayloadJSONBlock:
			preserved = append(preserved, p)
			placeholder := fmt.Sprintf("[%s omitted, expert=%s, #%d]", p.Kind, r.ExpertID, i)
			if p.Span != nil && p.Span.End <= len(text) && p.Span.Start >= 0 && p.Span.Start <= p.Span.End {
				text = text[:p.Span.Start] + placeholder + text[p.Span.End:]
			} else {
				text = text + "\n" + placeholder
			}
		}
	}
	return text, preserved
}

func filterSuccess(results []moecore.ExpertResult) []moecore.ExpertResult {
	out := make([]moecore.ExpertResult, 0, len(results))
	for _, r := range results {
		if r.Status == moecore.StatusSuccess {
			out = append(out, r)
		}
	}
	return out
}

func hasPayloadKind(payloads []moecore.StructuredPayload, kind moecore.PayloadKind) bool {
	for _, p := range payloads {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func concatenateFallback(successes []moecore.ExpertResult) string {
	parts := make([]string, 0, len(successes))
	for _, r := range successes {
		parts = append(parts, r.TextOutput)
	}
	return strings.Join(parts, "\n\n")
}

func concatenateContributions(contributions []Contribution) string {
	parts := make([]string, 0, len(contributions))
	for _, c := range contributions {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

func encodeMarkers(markers []Marker) string {
	var sb strings.Builder
	sb.WriteString("{\"markers\":[")
	for i, mk := range markers {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("{\"name\":%q,\"lat\":%f,\"lng\":%f}", mk.Name, mk.Lat, mk.Lng))
	}
	sb.WriteString("]}")
	return sb.String()
}
