// Package resilience adapts gomind's production circuit breaker to guard
// individual expert invocations in the MoE Executor: a sliding error-rate
// window decides when an expert is misbehaving badly enough that the
// Executor should stop paying its full timeout on every call and instead
// fail fast until a half-open probe succeeds.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker rejects the call outright.
var ErrOpen = errors.New("circuit breaker open")

// MetricsCollector lets a telemetry package observe circuit breaker
// activity without this package importing otel directly.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)                    {}
func (noopMetrics) RecordFailure(string, string)             {}
func (noopMetrics) RecordStateChange(string, string, string) {}
func (noopMetrics) RecordRejection(string)                   {}

// ErrorClassifier determines which errors should count toward the
// breaker's error-rate threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except a cancelled request —
// a caller giving up is never the expert's fault.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, moecore.ErrCancelled) {
		return false
	}
	return true
}

// Config holds configuration for one CircuitBreaker, one per expert.
type Config struct {
	// Name identifies the circuit breaker (the expert ID).
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening.
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation.
	VolumeThreshold int

	// SleepWindow is how long to wait before attempting a half-open probe.
	SleepWindow time.Duration

	// HalfOpenRequests is the number of probe requests allowed through
	// while half-open.
	HalfOpenRequests int

	// SuccessThreshold is the probe success rate needed to close again.
	SuccessThreshold float64

	// WindowSize is the sliding window duration for error-rate tracking.
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window.
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          moecore.Logger
	Metrics         MetricsCollector
}

// DefaultConfig returns a production-ready default configuration for the
// named expert.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           moecore.NoOpLogger{},
		Metrics:          noopMetrics{},
	}
}

// Validate rejects configurations that would make the state machine behave
// nonsensically.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	return nil
}

// CircuitBreaker guards calls to a single expert.
type CircuitBreaker struct {
	config *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *slidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	mu sync.Mutex

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// New creates a production-ready circuit breaker, defaulting a nil config.
func New(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = moecore.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 3
	}

	cb := &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount, config.Logger, config.Name),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// SetLogger reconfigures the breaker's logger, namespacing it to
// "moe/resilience" when the logger supports component namespacing.
func (cb *CircuitBreaker) SetLogger(logger moecore.Logger) {
	if logger == nil {
		cb.config.Logger = moecore.NoOpLogger{}
		return
	}
	if caw, ok := logger.(moecore.ComponentAwareLogger); ok {
		cb.config.Logger = caw.WithComponent("moe/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// Execute runs fn with circuit breaker protection. It returns ErrOpen
// without calling fn when the breaker is currently rejecting calls.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return ErrOpen
	}

	cb.totalExecutions.Add(1)
	err := fn(ctx)
	cb.complete(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.SleepWindow {
			return false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transition(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.allow()
	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.config.HalfOpenRequests {
				return false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				return true
			}
		}
	default:
		return true
	}
}

func (cb *CircuitBreaker) complete(err error) {
	isHalfOpen := cb.state.Load().(CircuitState) == StateHalfOpen

	if err == nil {
		cb.window.recordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.recordFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
		if isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

func (cb *CircuitBreaker) evaluateState() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		errorRate := cb.window.errorRate()
		total := cb.window.total()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transition(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		totalHalfOpen := successes + failures
		if int(totalHalfOpen) < cb.config.HalfOpenRequests {
			return
		}

		successRate := float64(successes) / float64(totalHalfOpen)
		cb.mu.Lock()
		if successRate >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		} else {
			cb.transition(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state.Load().(CircuitState)
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())

	if to == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.state.Load().(CircuitState)
}

// Reset forces the breaker back to closed with a fresh window, for
// operator intervention (e.g. an admin endpoint clearing a known-resolved
// expert outage).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenTotal.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = newSlidingWindow(cb.config.WindowSize, cb.config.BucketCount, cb.config.Logger, cb.config.Name)
}

// Metrics returns a snapshot of the breaker's counters, useful for a
// status endpoint.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	success, failure := cb.window.counts()
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.State().String(),
		"success":             success,
		"failure":             failure,
		"error_rate":          cb.window.errorRate(),
		"total_executions":    cb.totalExecutions.Load(),
		"rejected_executions": cb.rejectedExecutions.Load(),
	}
}
