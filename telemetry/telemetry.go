// Package telemetry wires the Orchestrator's trace spans and metrics into
// OpenTelemetry, adapted from the teacher's OTelProvider: the same
// tracer/meter-provider pairing and shutdown discipline, narrowed to the
// two exporters this deployment actually needs (stdout spans for local
// debugging, a Prometheus-scrapeable metrics endpoint) instead of the
// teacher's OTLP/HTTP pipeline.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// Provider owns this process's tracer and meter. It implements
// moecore.Metrics so the Orchestrator/Executor/Cache can record against it
// without importing OpenTelemetry themselves.
type Provider struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	inst   *instruments

	shutdownOnce sync.Once
}

type instruments struct {
	expertCalls    metric.Int64Counter
	expertLatency  metric.Float64Histogram
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheCoalesce  metric.Int64Counter
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
}

// NewProvider builds a Provider for serviceName. Traces are written to
// stdout as pretty-printed JSON (grounded on the teacher's preference for a
// zero-infrastructure exporter during local development); metrics are
// exposed on Handler() for Prometheus to scrape, following
// SPEC_FULL.md's Prometheus-only metrics decision in place of the
// teacher's OTLP metric exporter.
func NewProvider(serviceName string) (*Provider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("moe-orchestrator")
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		tracer: tp.Tracer("moe-orchestrator"),
		tp:     tp,
		mp:     mp,
		inst:   inst,
	}, nil
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	expertCalls, err := meter.Int64Counter("moe_expert_calls_total",
		metric.WithDescription("expert invocations by terminal status"))
	if err != nil {
		return nil, err
	}
	expertLatency, err := meter.Float64Histogram("moe_expert_latency_ms",
		metric.WithDescription("per-expert invocation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("moe_cache_hits_total")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("moe_cache_misses_total")
	if err != nil {
		return nil, err
	}
	cacheCoalesce, err := meter.Int64Counter("moe_cache_coalesced_total",
		metric.WithDescription("build calls coalesced by singleflight"))
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter("moe_requests_total")
	if err != nil {
		return nil, err
	}
	requestLatency, err := meter.Float64Histogram("moe_request_latency_ms",
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &instruments{
		expertCalls:    expertCalls,
		expertLatency:  expertLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
		cacheCoalesce:  cacheCoalesce,
		requests:       requests,
		requestLatency: requestLatency,
	}, nil
}

// Tracer returns the OpenTelemetry tracer components should use to open
// spans, e.g. for RouteQuery or per-expert invocations.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordExpertCall implements moecore.Metrics.
func (p *Provider) RecordExpertCall(expertID string, status moecore.ExpertStatus, durationMS float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("expert_id", expertID),
		attribute.String("status", string(status)),
	)
	p.inst.expertCalls.Add(ctx, 1, attrs)
	p.inst.expertLatency.Record(ctx, durationMS, attrs)
}

// RecordCacheResult implements moecore.Metrics.
func (p *Provider) RecordCacheResult(hit bool, coalesced bool) {
	ctx := context.Background()
	if coalesced {
		p.inst.cacheCoalesce.Add(ctx, 1)
		return
	}
	if hit {
		p.inst.cacheHits.Add(ctx, 1)
	} else {
		p.inst.cacheMisses.Add(ctx, 1)
	}
}

// RecordRequest implements moecore.Metrics.
func (p *Provider) RecordRequest(cacheHit bool, fastPath bool, durationMS float64) {
	ctx := context.Background()
	opt := metric.WithAttributes(
		attribute.Bool("cache_hit", cacheHit),
		attribute.Bool("fast_path", fastPath),
	)
	p.inst.requests.Add(ctx, 1, opt)
	p.inst.requestLatency.Record(ctx, durationMS, opt)
}

// Shutdown flushes pending spans and stops the meter provider. Safe to
// call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if shutdownErr := p.tp.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
		if shutdownErr := p.mp.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	})
	return err
}
