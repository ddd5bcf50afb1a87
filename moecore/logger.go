package moecore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the structured, leveled, context-aware logging contract every
// MoE component depends on. Components never import a concrete logging
// library directly; they depend on this interface so tests can inject a
// NoOpLogger and production wiring can inject a ProductionLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component request a logger namespaced to its
// own name (e.g. "moe/executor"), so operators can filter logs by
// subsystem without every component threading a "component" field by hand.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-dependency default used
// by components and tests that never configured a real logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

// ProductionLogger renders structured JSON lines under Kubernetes (or when
// explicitly asked for) and human-readable text otherwise. It implements
// ComponentAwareLogger so WithComponent can stamp a per-subsystem name
// without recreating the rest of the configuration.
type ProductionLogger struct {
	component string
	debug     bool
	service   string
	format    string
	output    io.Writer
}

// NewProductionLogger builds a logger whose format auto-detects the
// runtime environment: JSON inside Kubernetes (KUBERNETES_SERVICE_HOST
// set) or when MOE_LOG_FORMAT=json, text otherwise. Level and debug mode
// come from MOE_LOG_LEVEL / MOE_DEBUG.
func NewProductionLogger(serviceName string) Logger {
	level := strings.ToUpper(os.Getenv("MOE_LOG_LEVEL"))
	debug := os.Getenv("MOE_DEBUG") == "true" || level == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if f := os.Getenv("MOE_LOG_FORMAT"); f != "" {
		format = f
	}

	return &ProductionLogger{
		component: "moe",
		debug:     debug,
		service:   serviceName,
		format:    format,
		output:    os.Stdout,
	}
}

// WithComponent returns a logger that stamps component on every entry,
// sharing this logger's format/level/output configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(nil, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.service,
			"component": p.component,
			"message":   msg,
		}
		if requestID, ok := requestIDFromContext(ctx); ok {
			entry["request_id"] = requestID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	reqInfo := ""
	if requestID, ok := requestIDFromContext(ctx); ok {
		reqInfo = fmt.Sprintf("[req=%s] ", requestID)
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}

	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
		timestamp, level, p.service, p.component, reqInfo, msg, fieldStr.String())
}

type requestIDKey struct{}

// WithRequestID attaches a request ID to ctx so loggers can correlate
// log lines with a MoETrace without every call site passing it explicitly.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(requestIDKey{}).(string)
	return v, ok && v != ""
}
