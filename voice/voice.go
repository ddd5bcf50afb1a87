// Package voice implements semantic endpointing: deciding when a stream of
// partial speech-to-text fragments adds up to a finished utterance worth
// routing to the Orchestrator, instead of emitting on a naive
// silence-timeout. Grounded on MrWong99-glyphoxa's transcript.Pipeline /
// pkg/types.Transcript shape for the inbound event model, generalized from
// transcript correction to endpointing.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// SpeechKind enumerates the fragment types a SpeechSource emits.
type SpeechKind string

const (
	KindInterim     SpeechKind = "INTERIM"
	KindFinal       SpeechKind = "FINAL"
	KindEndOfSpeech SpeechKind = "END_OF_SPEECH"
)

// SpeechEvent is one fragment delivered by an external STT provider.
type SpeechEvent struct {
	Kind      SpeechKind
	Text      string
	ArrivedAt time.Time
}

// SpeechSource is the inbound contract an STT provider implements.
type SpeechSource interface {
	Subscribe(ctx context.Context) (<-chan SpeechEvent, error)
}

// Completeness classifies how finished a buffered utterance looks.
type Completeness string

const (
	Incomplete Completeness = "INCOMPLETE"
	Ambiguous  Completeness = "AMBIGUOUS"
	Complete   Completeness = "COMPLETE"
)

// Decision is the per-event verdict the driver reaches.
type Decision string

const (
	Continue Decision = "CONTINUE"
	Wait     Decision = "WAIT"
	Endpoint Decision = "ENDPOINT"
)

var questionWords = map[string]struct{}{
	"what": {}, "when": {}, "where": {}, "who": {}, "why": {}, "how": {}, "which": {}, "is": {}, "are": {}, "can": {}, "do": {}, "does": {},
}

var sentenceTerminators = []string{".", "!", "?"}

var commonVerbs = map[string]struct{}{
	"is": {}, "are": {}, "was": {}, "were": {}, "do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {},
	"can": {}, "could": {}, "will": {}, "would": {}, "should": {}, "tell": {}, "show": {}, "give": {}, "find": {}, "get": {},
	"play": {}, "turn": {}, "set": {}, "make": {}, "need": {}, "want": {}, "like": {}, "think": {}, "know": {}, "see": {},
}

// Classifier exposes the chitchat predicate VoiceDriver shares with the
// Selector (spec.md §4.8), kept narrow to avoid a hard dependency on the
// selector package's Config-heavy constructor.
type Classifier interface {
	IsChitchat(text string) bool
}

// Router hands a completed utterance to the Orchestrator.
type Router interface {
	RouteQuery(ctx context.Context, query moecore.Query) (moecore.FinalResponse, error)
}

// Driver buffers SpeechEvents from one ongoing utterance and decides when
// to flush them to the Router.
type Driver struct {
	cfg        *moecore.Config
	classifier Classifier
	router     Router
	log        moecore.Logger

	mu           sync.Mutex
	buffer       strings.Builder
	bufferStart  time.Time
	lastUpdate   time.Time
}

// New builds a Driver. classifier may be nil, in which case chitchat
// never short-circuits endpointing.
func New(cfg *moecore.Config, classifier Classifier, router Router, log moecore.Logger) *Driver {
	if cfg == nil {
		cfg = moecore.DefaultConfig()
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/voice")
	}
	return &Driver{cfg: cfg, classifier: classifier, router: router, log: log}
}

// Feed processes one SpeechEvent and, if it triggers an ENDPOINT decision,
// routes the buffered utterance and returns the resulting FinalResponse.
// A CONTINUE or WAIT decision returns ok=false with no error.
func (d *Driver) Feed(ctx context.Context, ev SpeechEvent) (resp moecore.FinalResponse, ok bool, err error) {
	d.mu.Lock()
	if d.bufferStart.IsZero() {
		d.bufferStart = ev.ArrivedAt
	}
	if ev.Text != "" {
		if d.buffer.Len() > 0 {
			d.buffer.WriteString(" ")
		}
		d.buffer.WriteString(ev.Text)
		d.lastUpdate = ev.ArrivedAt
	}
	text := d.buffer.String()
	bufferMS := ev.ArrivedAt.Sub(d.bufferStart).Milliseconds()
	silenceMS := ev.ArrivedAt.Sub(d.lastUpdate).Milliseconds()
	d.mu.Unlock()

	if ev.Kind == KindInterim {
		return moecore.FinalResponse{}, false, nil
	}

	decision := d.decide(ev.Kind, text, silenceMS, bufferMS)
	if decision != Endpoint {
		return moecore.FinalResponse{}, false, nil
	}

	d.mu.Lock()
	flushed := d.buffer.String()
	d.buffer.Reset()
	d.bufferStart = time.Time{}
	d.lastUpdate = time.Time{}
	d.mu.Unlock()

	if strings.TrimSpace(flushed) == "" {
		return moecore.FinalResponse{}, false, nil
	}

	query := moecore.NewQuery(flushed, nil)
	resp, err = d.router.RouteQuery(ctx, query)
	return resp, err == nil, err
}

// decide implements spec.md §4.8's decision table.
func (d *Driver) decide(kind SpeechKind, text string, silenceMS, bufferMS int64) Decision {
	if d.classifier != nil && d.classifier.IsChitchat(text) && kind == KindFinal {
		return Endpoint
	}

	completeness := d.completeness(text)
	ambiguousThreshold := d.cfg.MinSilenceAmbiguousMS
	completeThreshold := d.cfg.MinSilenceCompleteMS

	switch completeness {
	case Incomplete:
		if bufferMS > int64(d.cfg.MaxBufferMS) {
			return Endpoint
		}
		return Continue
	case Ambiguous:
		if silenceMS >= int64(ambiguousThreshold) {
			return Endpoint
		}
		return Wait
	default: // Complete
		if silenceMS >= int64(completeThreshold) {
			return Endpoint
		}
		return Wait
	}
}

// completeness scores the buffered text per spec.md §4.8's rule set.
func (d *Driver) completeness(text string) Completeness {
	words := strings.Fields(text)
	if len(words) < 3 {
		return Incomplete
	}

	last := strings.ToLower(strings.Trim(words[len(words)-1], ".,!?;:"))
	for _, ender := range d.cfg.IncompleteEnders {
		if last == strings.ToLower(ender) {
			return Incomplete
		}
	}

	score := 0.0
	if hasCompletePredicate(words) {
		score += 0.4
	}

	first := strings.ToLower(strings.Trim(words[0], ".,!?;:"))
	if _, isQuestion := questionWords[first]; isQuestion && len(words) >= 3 {
		score += 0.3
	} else if len(words) >= 5 {
		score += 0.3
	}

	if endsWithTerminator(text) {
		score += 0.2
	}
	if isConjunctionOrPreposition(last) {
		score -= 0.3
	}

	switch {
	case score > 0.8:
		return Complete
	case score < 0.5:
		return Incomplete
	default:
		return Ambiguous
	}
}

func hasCompletePredicate(words []string) bool {
	for _, w := range words {
		if _, ok := commonVerbs[strings.ToLower(strings.Trim(w, ".,!?;:"))]; ok {
			return true
		}
	}
	return false
}

func endsWithTerminator(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, t := range sentenceTerminators {
		if strings.HasSuffix(trimmed, t) {
			return true
		}
	}
	return false
}

func isConjunctionOrPreposition(word string) bool {
	switch word {
	case "and", "or", "but", "so", "because", "of", "to", "in", "on", "at", "for", "with", "the", "a", "an":
		return true
	default:
		return false
	}
}
