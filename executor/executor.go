// Package executor fans a query out to the experts the Selector chose and
// collects their results. It follows orchestration.SmartExecutor's
// concurrency shape — a semaphore-bounded worker pool driven off
// goroutines — but replaces the teacher's fail-fast errgroup usage with
// index-preserving per-expert result collection, since one expert timing
// out must never discard every other expert's answer (spec.md §4.3).
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theodoremui/moe-orchestrator/moecore"
	"github.com/theodoremui/moe-orchestrator/resilience"
)

// Expert is the invocation contract every registered expert implements.
// The Executor is solely responsible for timeouts and cancellation; an
// Expert implementation should simply respect ctx.
type Expert interface {
	Invoke(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error)
}

// ExpertFunc adapts a plain function to the Expert interface.
type ExpertFunc func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error)

// Invoke implements Expert.
func (f ExpertFunc) Invoke(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
	return f(ctx, query, desc)
}

// EventSink receives trace events from the Executor without it depending
// on a concrete tracebus.TraceBus type.
type EventSink interface {
	Emit(requestID string, kind moecore.TraceEventKind, payload map[string]interface{})
}

// Executor bounds concurrent expert invocations to cfg.MaxConcurrentExperts
// and wraps each one with a per-expert circuit breaker and timeout.
type Executor struct {
	cfg     *moecore.Config
	lookup  func(id string) (moecore.ExpertDescriptor, bool)
	dial    Expert
	events  EventSink
	log     moecore.Logger
	metrics moecore.Metrics

	// sem is the process-global admission semaphore (spec.md §4.3): one
	// Executor, one semaphore, shared by every concurrent Execute call so
	// MaxConcurrentExperts bounds total in-flight invocations across all
	// requests, not per request.
	sem chan struct{}

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// New builds an Executor. dial is the transport used to invoke every
// expert (an HTTP client, an in-process registry, a test double); lookup
// resolves an expert ID back to its descriptor for timeout/cost metadata.
func New(cfg *moecore.Config, dial Expert, lookup func(id string) (moecore.ExpertDescriptor, bool), events EventSink, log moecore.Logger) *Executor {
	if cfg == nil {
		cfg = moecore.DefaultConfig()
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/executor")
	}
	return &Executor{
		cfg:      cfg,
		lookup:   lookup,
		dial:     dial,
		events:   events,
		log:      log,
		metrics:  moecore.NoOpMetrics{},
		sem:      make(chan struct{}, concurrencyLimit(cfg)),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// WithMetrics attaches a Metrics recorder, returning the same Executor for
// chaining at construction time.
func (e *Executor) WithMetrics(m moecore.Metrics) *Executor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Execute invokes every expert in expertIDs concurrently, bounded by
// cfg.MaxConcurrentExperts, and returns one ExpertResult per ID in the
// same order as expertIDs regardless of completion order (spec.md §4.3
// index-preserving collation). A per-expert failure never aborts the
// others; it is recorded as an ExpertResult with a non-success status.
func (e *Executor) Execute(ctx context.Context, requestID string, query moecore.Query, expertIDs []string) []moecore.ExpertResult {
	results := make([]moecore.ExpertResult, len(expertIDs))

	requestCtx := ctx
	if e.cfg.RequestDeadlineMS > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestDeadline())
		defer cancel()
	}

	g, gctx := errgroup.WithContext(requestCtx)
	_ = gctx // per-expert contexts are derived from requestCtx directly below, not gctx,
	// so one expert's failure never cancels the others' in-flight calls.

	for i, id := range expertIDs {
		i, id := i, id
		g.Go(func() error {
			var admissionC <-chan time.Time
			if wait := e.cfg.AdmissionWait(); wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				admissionC = timer.C
			}

			select {
			case e.sem <- struct{}{}:
			case <-requestCtx.Done():
				results[i] = cancelledResult(id, requestCtx.Err())
				return nil
			case <-admissionC:
				results[i] = admissionTimeoutResult(id)
				return nil
			}
			defer func() { <-e.sem }()

			results[i] = e.invokeOne(requestCtx, requestID, query, id)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return a non-nil error; Wait only joins them.

	return results
}

// concurrencyLimit sizes the admission semaphore. spec.md §4.3 requires
// max_concurrent_experts=0 to grant no admission slots at all (every
// fan-out ends in all-TIMEOUT results), not to fall back to serial
// execution, so 0 and negative values size an unbuffered channel that can
// never be written to — not a channel of capacity 1.
func concurrencyLimit(cfg *moecore.Config) int {
	if cfg.MaxConcurrentExperts <= 0 {
		return 0
	}
	return cfg.MaxConcurrentExperts
}

func (e *Executor) invokeOne(ctx context.Context, requestID string, query moecore.Query, expertID string) moecore.ExpertResult {
	desc, ok := e.lookup(expertID)
	if !ok {
		return moecore.ExpertResult{
			ExpertID:     expertID,
			Status:       moecore.StatusError,
			StartedAt:    time.Now(),
			EndedAt:      time.Now(),
			ErrorMessage: "expert not found in registry",
		}
	}

	timeout := e.cfg.ExpertTimeout()
	if desc.TimeoutMS > 0 {
		timeout = time.Duration(desc.TimeoutMS) * time.Millisecond
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.emit(requestID, moecore.EventExpertBegin, map[string]interface{}{"expert_id": expertID})
	started := time.Now()

	var result moecore.ExpertResult
	breaker := e.breakerFor(expertID)
	err := breaker.Execute(callCtx, func(innerCtx context.Context) error {
		r, invokeErr := e.dial.Invoke(innerCtx, query, desc)
		result = r
		return invokeErr
	})

	result.ExpertID = expertID
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.EndedAt.IsZero() {
		result.EndedAt = time.Now()
	}

	if err != nil {
		result.Status = classifyError(callCtx, err)
		if result.ErrorMessage == "" {
			result.ErrorMessage = err.Error()
		}
		result = e.applyGracePeriod(ctx, result)
	} else if result.Status == "" {
		result.Status = moecore.StatusSuccess
	}

	e.emit(requestID, moecore.EventExpertEnd, map[string]interface{}{
		"expert_id": expertID,
		"status":    string(result.Status),
	})
	e.metrics.RecordExpertCall(expertID, result.Status, float64(result.EndedAt.Sub(result.StartedAt).Milliseconds()))
	return result
}

// applyGracePeriod returns result unchanged. It is called for every failed
// invocation, after dial.Invoke has already returned, so there is no
// output left in flight to wait on; cfg.CancelGraceMS is not read. The
// Executor always waits for dial.Invoke to return: an expert that ignores
// ctx cancellation is not abandoned after a grace interval. The function
// exists as a named hook so a streaming Expert implementation can plug
// into it.
func (e *Executor) applyGracePeriod(ctx context.Context, result moecore.ExpertResult) moecore.ExpertResult {
	return result
}

func (e *Executor) breakerFor(expertID string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.breakers[expertID]; ok {
		return b
	}
	b, _ := resilience.New(resilience.DefaultConfig(expertID))
	e.breakers[expertID] = b
	return b
}

func (e *Executor) emit(requestID string, kind moecore.TraceEventKind, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Emit(requestID, kind, payload)
}

func classifyError(ctx context.Context, err error) moecore.ExpertStatus {
	if ctx.Err() == context.DeadlineExceeded {
		return moecore.StatusTimeout
	}
	if ctx.Err() == context.Canceled {
		return moecore.StatusCancelled
	}
	return moecore.StatusError
}

func cancelledResult(expertID string, err error) moecore.ExpertResult {
	now := time.Now()
	return moecore.ExpertResult{
		ExpertID:     expertID,
		Status:       moecore.StatusCancelled,
		StartedAt:    now,
		EndedAt:      now,
		ErrorMessage: err.Error(),
	}
}

// admissionTimeoutResult marks an expert TIMEOUT without invocation: the
// admission semaphore stayed saturated for longer than
// cfg.admission_wait_ms, a distinct and typically shorter bound than the
// overall request deadline (spec.md §4.3).
func admissionTimeoutResult(expertID string) moecore.ExpertResult {
	now := time.Now()
	return moecore.ExpertResult{
		ExpertID:     expertID,
		Status:       moecore.StatusTimeout,
		StartedAt:    now,
		EndedAt:      now,
		ErrorMessage: "admission wait exceeded before invocation",
	}
}
