// Command moectl is a small demo harness for the orchestrator: it wires an
// in-memory Registry with a handful of canned experts, starts a Prometheus
// endpoint, and routes whatever it reads from stdin through RouteQuery —
// the MoE equivalent of the teacher's core/cmd/example tool-bootstrap demo.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/theodoremui/moe-orchestrator/cache"
	"github.com/theodoremui/moe-orchestrator/executor"
	"github.com/theodoremui/moe-orchestrator/mixer"
	"github.com/theodoremui/moe-orchestrator/moecore"
	"github.com/theodoremui/moe-orchestrator/orchestrator"
	"github.com/theodoremui/moe-orchestrator/registry"
	"github.com/theodoremui/moe-orchestrator/selector"
	"github.com/theodoremui/moe-orchestrator/telemetry"
	"github.com/theodoremui/moe-orchestrator/tracebus"
)

func main() {
	cfg, err := moecore.LoadConfig(os.Getenv("MOE_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("moectl: loading config: %v", err)
	}

	logger := moecore.NewProductionLogger("moectl")

	provider, err := telemetry.NewProvider("moe-orchestrator")
	if err != nil {
		log.Fatalf("moectl: starting telemetry: %v", err)
	}
	defer provider.Shutdown(context.Background())

	metricsAddr := os.Getenv("MOE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	reg := registry.New(logger)
	for _, desc := range demoExperts() {
		if err := reg.Register(desc); err != nil {
			log.Fatalf("moectl: registering %q: %v", desc.ID, err)
		}
	}

	c := cache.New(cache.NewMemoryBackend(cfg.CacheMaxEntries), cfg.CacheEnabled, logger).WithMetrics(provider)
	sel := selector.New(cfg, logger)
	mx := mixer.New(cfg, nil, nil, logger)
	tb := tracebus.New(cfg.TraceBufferMax, logger)

	orch := orchestrator.New(cfg, reg, c, sel, mx, tb, executor.ExpertFunc(dialDemoExpert), logger).WithMetrics(provider)

	fmt.Println("moectl ready. Type a query and press enter (Ctrl-D to quit).")
	fmt.Printf("metrics: http://localhost%s/metrics\n", metricsAddr)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		query := moecore.NewQuery(text, nil)

		resp, err := orch.RouteQuery(context.Background(), query)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("> %s\n", resp.Text)
		if resp.Trace.CacheHit {
			fmt.Println("  (served from cache)")
		}
	}
}

// demoExperts seeds a registry with a handful of experts a real deployment
// would instead discover from a service mesh.
func demoExperts() []moecore.ExpertDescriptor {
	return []moecore.ExpertDescriptor{
		{
			ID:             "chitchat",
			CapabilityTags: map[string]struct{}{"chitchat": {}},
			CostClass:      moecore.CostCheap,
			TimeoutMS:      2000,
		},
		{
			ID:              "weather",
			KeywordTriggers: map[string]struct{}{"weather": {}, "forecast": {}, "rain": {}, "temperature": {}},
			CostClass:       moecore.CostCheap,
			TimeoutMS:       5000,
		},
		{
			ID:              "news",
			KeywordTriggers: map[string]struct{}{"news": {}, "headline": {}, "today": {}},
			CostClass:       moecore.CostNormal,
			TimeoutMS:       8000,
		},
	}
}

// dialDemoExpert stands in for the network call a real Expert transport
// would make; it returns a canned response per expert ID so the pipeline
// can be exercised without any external services running.
func dialDemoExpert(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
	switch desc.ID {
	case "chitchat":
		return moecore.ExpertResult{Status: moecore.StatusSuccess, TextOutput: "Hey there! How can I help?"}, nil
	case "weather":
		return moecore.ExpertResult{Status: moecore.StatusSuccess, TextOutput: "It's sunny and 72°F."}, nil
	case "news":
		return moecore.ExpertResult{Status: moecore.StatusSuccess, TextOutput: "Top headline: local team wins championship."}, nil
	default:
		return moecore.ExpertResult{Status: moecore.StatusError, ErrorMessage: "unknown expert"}, fmt.Errorf("unknown expert %q", desc.ID)
	}
}
