// Package tracebus implements the per-request trace event stream described
// in spec.md §4.6. It follows the buffered-channel-plus-semaphore
// concurrency idiom orchestration.SmartExecutor uses for bounding
// goroutines (a `chan struct{}` gate feeding non-blocking `select`/
// `default` sends), applied here to a fan-out broadcaster instead of an
// admission gate.
package tracebus

import (
	"sync"
	"time"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// subscriberBuffer bounds how many buffered events a slow subscriber can
// fall behind by before being dropped when the TraceBus has no
// trace_buffer_max bound (bufferMax 0); otherwise bufferMax is that bound
// (spec.md §4.6 backpressure rule).
const subscriberBuffer = 64

// TraceBus owns one event stream per open request: callers Open a request,
// Emit events onto it with strictly increasing sequence numbers, Subscribe
// to receive them live (with replay of everything buffered so far), and
// Close to seal the trace.
type TraceBus struct {
	mu          sync.Mutex
	bufferMax   int
	open        map[string]*requestStream
	log         moecore.Logger
}

type requestStream struct {
	mu          sync.Mutex
	seq         int64
	ring        []moecore.TraceEvent
	bufferMax   int
	subscribers map[int64]chan moecore.TraceEvent
	nextSubID   int64
	closed      bool
}

// New builds a TraceBus. bufferMax bounds the ring buffer of retained
// events per request (spec.md trace_buffer_max); 0 means unbounded.
func New(bufferMax int, log moecore.Logger) *TraceBus {
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/tracebus")
	}
	return &TraceBus{
		bufferMax: bufferMax,
		open:      make(map[string]*requestStream),
		log:       log,
	}
}

// Open begins a new request's event stream. Calling Open twice for the
// same requestID replaces the prior stream, closing out any subscribers
// left on it.
func (b *TraceBus) Open(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, exists := b.open[requestID]; exists {
		old.closeAll()
	}
	b.open[requestID] = &requestStream{
		bufferMax:   b.bufferMax,
		subscribers: make(map[int64]chan moecore.TraceEvent),
	}
}

// Emit appends an event to requestID's stream with the next strictly
// increasing sequence number and fans it out to every live subscriber.
// A subscriber whose buffer is full is dropped and a SUBSCRIBER_DROPPED
// event is emitted in its place rather than blocking the emitter.
func (b *TraceBus) Emit(requestID string, kind moecore.TraceEventKind, payload map[string]interface{}) {
	stream := b.streamFor(requestID)
	if stream == nil {
		return
	}
	stream.emit(kind, payload)
}

// Subscribe returns a channel that receives every event buffered so far
// for requestID (replay) followed by everything emitted from now on. The
// returned cancel func must be called once the caller stops reading, or
// the subscriber slot leaks until the request is closed.
func (b *TraceBus) Subscribe(requestID string) (<-chan moecore.TraceEvent, func()) {
	stream := b.streamFor(requestID)
	if stream == nil {
		ch := make(chan moecore.TraceEvent)
		close(ch)
		return ch, func() {}
	}
	return stream.subscribe()
}

// History returns a copy of every event retained so far for requestID.
func (b *TraceBus) History(requestID string) []moecore.TraceEvent {
	stream := b.streamFor(requestID)
	if stream == nil {
		return nil
	}
	return stream.history()
}

// Close seals requestID's stream, disconnecting every subscriber. Further
// Emit calls for this requestID are silently dropped.
func (b *TraceBus) Close(requestID string) {
	b.mu.Lock()
	stream, exists := b.open[requestID]
	if exists {
		delete(b.open, requestID)
	}
	b.mu.Unlock()

	if exists {
		stream.closeAll()
	}
}

func (b *TraceBus) streamFor(requestID string) *requestStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open[requestID]
}

func (s *requestStream) emit(kind moecore.TraceEventKind, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.seq++
	ev := moecore.TraceEvent{
		Seq:       s.seq,
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	s.append(ev)

	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			delete(s.subscribers, id)
			close(ch)
			s.appendDropNotice(id)
		}
	}
}

func (s *requestStream) appendDropNotice(subscriberID int64) {
	s.seq++
	ev := moecore.TraceEvent{
		Seq:       s.seq,
		Kind:      moecore.EventSubscriberDropped,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"subscriber_id": subscriberID},
	}
	s.append(ev)
}

func (s *requestStream) append(ev moecore.TraceEvent) {
	s.ring = append(s.ring, ev)
	if s.bufferMax > 0 && len(s.ring) > s.bufferMax {
		s.ring = s.ring[len(s.ring)-s.bufferMax:]
	}
}

func (s *requestStream) subscribe() (<-chan moecore.TraceEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := subscriberBuffer
	if s.bufferMax > 0 {
		capacity = s.bufferMax
	}
	ch := make(chan moecore.TraceEvent, capacity)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	for _, ev := range s.ring {
		select {
		case ch <- ev:
		default:
		}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (s *requestStream) history() []moecore.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]moecore.TraceEvent, len(s.ring))
	copy(out, s.ring)
	return out
}

func (s *requestStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
