// Package orchestrator wires Cache, Selector, Executor, Mixer, and
// TraceBus together behind one RouteQuery call, following the teacher's
// AIOrchestrator.ProcessRequest shape (accept request, plan, execute,
// synthesize, record) generalized to this system's cache-first, fast-path
// aware pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/theodoremui/moe-orchestrator/cache"
	"github.com/theodoremui/moe-orchestrator/executor"
	"github.com/theodoremui/moe-orchestrator/mixer"
	"github.com/theodoremui/moe-orchestrator/moecore"
	"github.com/theodoremui/moe-orchestrator/selector"
	"github.com/theodoremui/moe-orchestrator/tracebus"
)

// tracer is looked up against the global TracerProvider, following the
// teacher's otel.Tracer("gomind-telemetry") idiom: it is a no-op until
// telemetry.NewProvider runs otel.SetTracerProvider during startup, so
// RouteQuery can always open spans without the Orchestrator depending on
// the telemetry package directly.
var tracer = otel.Tracer("moe/orchestrator")

// Registry is the subset of registry.Registry the Orchestrator needs,
// kept narrow so tests can supply an in-memory double.
type Registry interface {
	Snapshot() []moecore.ExpertDescriptor
	Lookup(id string) (moecore.ExpertDescriptor, bool)
}

// Orchestrator drives one request through the full pipeline.
type Orchestrator struct {
	cfg      *moecore.Config
	registry Registry
	cache    *cache.Cache
	selector *selector.Selector
	mixer    *mixer.Mixer
	trace    *tracebus.TraceBus
	exec     *executor.Executor
	log      moecore.Logger
	metrics  moecore.Metrics
}

// New builds an Orchestrator. dial is the transport used to invoke every
// expert; it is handed straight to the Executor.
func New(cfg *moecore.Config, reg Registry, c *cache.Cache, sel *selector.Selector, mx *mixer.Mixer, tb *tracebus.TraceBus, dial executor.Expert, log moecore.Logger) *Orchestrator {
	if cfg == nil {
		cfg = moecore.DefaultConfig()
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/orchestrator")
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		cache:    c,
		selector: sel,
		mixer:    mx,
		trace:    tb,
		exec:     executor.New(cfg, dial, reg.Lookup, tb, log),
		log:      log,
		metrics:  moecore.NoOpMetrics{},
	}
}

// WithMetrics attaches a Metrics recorder to the Orchestrator and the
// Executor and Cache it owns, returning the same Orchestrator for chaining.
func (o *Orchestrator) WithMetrics(m moecore.Metrics) *Orchestrator {
	if m == nil {
		return o
	}
	o.metrics = m
	o.exec.WithMetrics(m)
	o.cache.WithMetrics(m)
	return o
}

// RouteQuery runs one query through Cache -> Selector -> Executor -> Mixer,
// recording every step onto the TraceBus, and returns the final response
// or a typed error (spec.md §4.7's INVALID_QUERY/EMPTY_REGISTRY/INTERNAL).
func (o *Orchestrator) RouteQuery(ctx context.Context, query moecore.Query) (moecore.FinalResponse, error) {
	ctx, span := tracer.Start(ctx, "moe.route_query", trace.WithAttributes(
		attribute.String("request_id", query.ID),
	))
	defer span.End()

	started := time.Now()
	o.trace.Open(query.ID)
	defer o.trace.Close(query.ID)

	if query.Text == "" {
		return moecore.FinalResponse{}, moecore.NewError("route_query", "INVALID_QUERY", moecore.ErrInvalidQuery)
	}

	candidates := o.registry.Snapshot()
	if len(candidates) == 0 {
		return moecore.FinalResponse{}, moecore.NewError("route_query", "EMPTY_REGISTRY", moecore.ErrEmptyRegistry)
	}

	fingerprint := cache.Fingerprint(query.Text, candidateIDs(candidates))

	var fastPath bool
	resp, hit, err := o.cache.GetOrBuildConditional(ctx, fingerprint, o.cfg.CacheTTL(), func(buildCtx context.Context) (moecore.FinalResponse, bool, error) {
		r, wasFastPath, buildErr := o.build(buildCtx, query, candidates, started)
		fastPath = wasFastPath
		return r, buildErr == nil && anySucceeded(r.Trace.PerExpert), buildErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return moecore.FinalResponse{}, moecore.NewError("route_query", "CANCELLED", moecore.ErrCancelled)
		}
		return moecore.FinalResponse{}, moecore.NewError("route_query", "INTERNAL", fmt.Errorf("%w: %v", moecore.ErrInternal, err))
	}

	if hit {
		o.trace.Emit(query.ID, moecore.EventCacheHit, map[string]interface{}{"fingerprint": fingerprint})
		resp.Trace.RequestID = query.ID
		resp.Trace.CacheHit = true
		resp.Trace.EmittedEvents = o.trace.History(query.ID)
	}
	o.metrics.RecordRequest(hit, fastPath, float64(time.Since(started).Milliseconds()))
	return resp, nil
}

// build runs the select/execute/mix pipeline for a cache miss. It is only
// ever invoked by at most one goroutine per fingerprint at a time (the
// Cache's single-flight guarantee).
func (o *Orchestrator) build(ctx context.Context, query moecore.Query, candidates []moecore.ExpertDescriptor, started time.Time) (moecore.FinalResponse, bool, error) {
	selectT0 := time.Now()
	_, selectSpan := tracer.Start(ctx, "moe.select")
	o.trace.Emit(query.ID, moecore.EventSelectionBegin, nil)
	selection := o.selector.Select(query, candidates)
	o.trace.Emit(query.ID, moecore.EventSelectionEnd, map[string]interface{}{
		"selected_expert_ids": selection.ExpertIDs,
		"fast_path":           selection.FastPath,
	})
	selectSpan.SetAttributes(attribute.Bool("fast_path", selection.FastPath))
	selectSpan.End()
	selectionWindow := moecore.Window{T0: selectT0, T1: time.Now()}

	if len(selection.ExpertIDs) == 0 {
		return moecore.FinalResponse{}, selection.FastPath, fmt.Errorf("selector returned no experts for query %q", query.ID)
	}

	execCtx := ctx
	mode := mixer.ModeNormal
	if selection.FastPath {
		mode = mixer.ModeFastPath
		o.trace.Emit(query.ID, moecore.EventFastPath, nil)
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.cfg.FastPathDeadline())
		defer cancel()
	}

	execT0 := time.Now()
	execCtx, execSpan := tracer.Start(execCtx, "moe.execute", trace.WithAttributes(
		attribute.Int("expert_count", len(selection.ExpertIDs)),
	))
	results := o.exec.Execute(execCtx, query.ID, query, selection.ExpertIDs)
	execSpan.End()
	executionWindow := moecore.Window{T0: execT0, T1: time.Now()}

	mixT0 := time.Now()
	mixCtx, mixSpan := tracer.Start(ctx, "moe.mix")
	o.trace.Emit(query.ID, moecore.EventMixingBegin, nil)
	text, payloads := o.mixer.Mix(mixCtx, query, results, mode)
	o.trace.Emit(query.ID, moecore.EventMixingEnd, nil)
	mixSpan.End()
	mixingWindow := moecore.Window{T0: mixT0, T1: time.Now()}

	moeTrace := moecore.MoETrace{
		RequestID:         query.ID,
		Query:             query,
		SelectionWindow:   selectionWindow,
		ExecutionWindow:   executionWindow,
		MixingWindow:      mixingWindow,
		SelectedExpertIDs: selection.ExpertIDs,
		PerExpert:         results,
		LatencyMS:         time.Since(started).Milliseconds(),
		EmittedEvents:     o.trace.History(query.ID),
	}

	response := moecore.FinalResponse{
		Text:               text,
		StructuredPayloads: payloads,
		Trace:              moeTrace,
	}

	return response, selection.FastPath, nil
}

func candidateIDs(candidates []moecore.ExpertDescriptor) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids
}

func anySucceeded(results []moecore.ExpertResult) bool {
	for _, r := range results {
		if r.Status == moecore.StatusSuccess {
			return true
		}
	}
	return false
}
