// Package moecore holds the data model, logging, error, and configuration
// primitives shared by every MoE orchestrator component (registry, selector,
// executor, mixer, cache, tracebus, orchestrator, voice).
package moecore

import (
	"time"

	"github.com/google/uuid"
)

// Query is an immutable, orchestrator-assigned unit of work.
type Query struct {
	ID          string
	Text        string
	SubmittedAt time.Time
	Context     map[string]interface{}
}

// NewQuery builds a Query with a freshly minted, monotonically-unique ID.
func NewQuery(text string, ctx map[string]interface{}) Query {
	return Query{
		ID:          uuid.NewString(),
		Text:        text,
		SubmittedAt: time.Now(),
		Context:     ctx,
	}
}

// CostClass buckets an expert by relative invocation cost, used for
// tie-breaking during selection (cheap experts win ties).
type CostClass int

const (
	CostCheap CostClass = iota
	CostNormal
	CostHeavy
)

func (c CostClass) String() string {
	switch c {
	case CostCheap:
		return "cheap"
	case CostNormal:
		return "normal"
	case CostHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// ExpertDescriptor is the immutable metadata the Registry holds for one
// expert. Capability tags and keyword triggers drive selection; the
// embedding is optional (nil when an expert only participates in keyword
// selection).
type ExpertDescriptor struct {
	ID                string
	DisplayName       string
	CapabilityTags    map[string]struct{}
	KeywordTriggers   map[string]struct{}
	SemanticEmbedding []float32
	CostClass         CostClass
	SupportsStreaming bool
	TimeoutMS         int
}

// HasCapability reports whether the descriptor carries the given tag.
func (d ExpertDescriptor) HasCapability(tag string) bool {
	_, ok := d.CapabilityTags[tag]
	return ok
}

// ExpertStatus enumerates the terminal states of an ExpertResult.
type ExpertStatus string

const (
	StatusSuccess   ExpertStatus = "SUCCESS"
	StatusTimeout   ExpertStatus = "TIMEOUT"
	StatusError     ExpertStatus = "ERROR"
	StatusCancelled ExpertStatus = "CANCELLED"
)

// PayloadKind enumerates the verbatim-preservation classes the Mixer knows
// about.
type PayloadKind string

const (
	PayloadInteractiveMap PayloadKind = "INTERACTIVE_MAP"
	PayloadImage          PayloadKind = "IMAGE"
	PayloadJSONBlock      PayloadKind = "JSON_BLOCK"
	PayloadCodeBlock      PayloadKind = "CODE_BLOCK"
)

// Span marks a half-open [Start, End) offset pair into a text the payload
// was extracted from. Either value may be zero when the expert did not
// report a span.
type Span struct {
	Start int
	End   int
}

// StructuredPayload is a verbatim block the Mixer must not rewrite.
type StructuredPayload struct {
	Kind PayloadKind
	Raw  string
	Span *Span
}

// ExpertResult is what the Executor produces for one invoked expert.
// Ownership passes to the Mixer once produced; it is never mutated after
// construction (data model invariant, spec.md §3).
type ExpertResult struct {
	ExpertID            string
	Status              ExpertStatus
	StartedAt           time.Time
	EndedAt             time.Time
	TextOutput          string
	StructuredPayloads  []StructuredPayload
	TokenUsage          int
	ErrorMessage        string
}

// MoETrace is the sealed, per-request record of every decision and timing.
type MoETrace struct {
	RequestID         string
	Query             Query
	SelectionWindow   Window
	ExecutionWindow   Window
	MixingWindow      Window
	SelectedExpertIDs []string
	PerExpert         []ExpertResult
	LatencyMS         int64
	CacheHit          bool
	EmittedEvents     []TraceEvent
}

// Window is a (t0, t1) wall-clock bracket.
type Window struct {
	T0 time.Time
	T1 time.Time
}

// TraceEventKind enumerates the event types emitted onto the TraceBus.
type TraceEventKind string

const (
	EventSelectionBegin    TraceEventKind = "SELECTION_BEGIN"
	EventSelectionEnd      TraceEventKind = "SELECTION_END"
	EventExpertBegin       TraceEventKind = "EXPERT_BEGIN"
	EventExpertEnd         TraceEventKind = "EXPERT_END"
	EventMixingBegin       TraceEventKind = "MIXING_BEGIN"
	EventMixingEnd         TraceEventKind = "MIXING_END"
	EventCacheHit          TraceEventKind = "CACHE_HIT"
	EventFastPath          TraceEventKind = "FAST_PATH"
	EventSubscriberDropped TraceEventKind = "SUBSCRIBER_DROPPED"
)

// TraceEvent is one entry in a request's monotonic event stream. Seq is
// strictly increasing per request (spec.md §3 invariant).
type TraceEvent struct {
	Seq       int64
	Kind      TraceEventKind
	Timestamp time.Time
	Payload   map[string]interface{}
}

// CacheEntry is what the Cache stores, keyed by fingerprint.
type CacheEntry struct {
	Fingerprint string
	Response    FinalResponse
	CreatedAt   time.Time
	TTL         time.Duration
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// FinalResponse is handed back to the orchestrator's caller.
type FinalResponse struct {
	Text               string
	StructuredPayloads []StructuredPayload
	Trace              MoETrace
}
