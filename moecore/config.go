package moecore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SelectionStrategy enumerates the Selector strategies from spec.md §4.2.
type SelectionStrategy string

const (
	StrategyKeyword   SelectionStrategy = "keyword"
	StrategyEmbedding SelectionStrategy = "embedding"
	StrategyHybrid    SelectionStrategy = "hybrid"
)

// Config carries every orchestrator-recognized option enumerated in
// spec.md §6. Priority, low to high: DefaultConfig() < optional YAML file
// < MOE_* environment overlay < explicit field assignment by the caller —
// the same three-layer priority core.Config documents.
type Config struct {
	MaxExperts          int               `yaml:"max_experts"`
	SelectionStrategy   SelectionStrategy `yaml:"selection_strategy"`
	SimilarityFloor     float64           `yaml:"similarity_floor"`
	ExpertTimeoutMS     int               `yaml:"expert_timeout_ms"`
	RequestDeadlineMS   int               `yaml:"request_deadline_ms"`
	FastPathDeadlineMS  int               `yaml:"fast_path_deadline_ms"`
	CancelGraceMS       int               `yaml:"cancel_grace_ms"`
	MaxConcurrentExperts int              `yaml:"max_concurrent_experts"`
	AdmissionWaitMS     int               `yaml:"admission_wait_ms"`

	CacheEnabled    bool  `yaml:"cache_enabled"`
	CacheTTLMS      int64 `yaml:"cache_ttl_ms"`
	CacheMaxEntries int   `yaml:"cache_max_entries"`

	TraceBufferMax int `yaml:"trace_buffer_max"`

	MinSilenceAmbiguousMS int `yaml:"min_silence_ambiguous_ms"`
	MinSilenceCompleteMS  int `yaml:"min_silence_complete_ms"`
	MaxBufferMS           int `yaml:"max_buffer_ms"`

	IncompleteEnders []string `yaml:"incomplete_enders"`
	ChitchatPatterns []string `yaml:"chitchat_patterns"`

	FastPathFailFallback string `yaml:"fast_path_fail_fallback"`
	AllFailedFallback     string `yaml:"all_failed_fallback"`
}

// CacheTTL returns CacheTTLMS as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

// ExpertTimeout returns ExpertTimeoutMS as a time.Duration.
func (c Config) ExpertTimeout() time.Duration {
	return time.Duration(c.ExpertTimeoutMS) * time.Millisecond
}

// RequestDeadline returns RequestDeadlineMS as a time.Duration.
func (c Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMS) * time.Millisecond
}

// FastPathDeadline returns FastPathDeadlineMS as a time.Duration.
func (c Config) FastPathDeadline() time.Duration {
	return time.Duration(c.FastPathDeadlineMS) * time.Millisecond
}

// CancelGrace returns CancelGraceMS as a time.Duration.
func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// AdmissionWait returns AdmissionWaitMS as a time.Duration.
func (c Config) AdmissionWait() time.Duration {
	return time.Duration(c.AdmissionWaitMS) * time.Millisecond
}

// MinSilenceAmbiguous returns MinSilenceAmbiguousMS as a time.Duration.
func (c Config) MinSilenceAmbiguous() time.Duration {
	return time.Duration(c.MinSilenceAmbiguousMS) * time.Millisecond
}

// MinSilenceComplete returns MinSilenceCompleteMS as a time.Duration.
func (c Config) MinSilenceComplete() time.Duration {
	return time.Duration(c.MinSilenceCompleteMS) * time.Millisecond
}

// MaxBuffer returns MaxBufferMS as a time.Duration.
func (c Config) MaxBuffer() time.Duration {
	return time.Duration(c.MaxBufferMS) * time.Millisecond
}

var defaultIncompleteEnders = []string{
	"and", "or", "but", "so", "because", "the", "a", "an",
	"to", "of", "in", "on", "at", "for", "with", "is",
}

var defaultChitchatPatterns = []string{
	"how are you", "how's it going", "how are things",
	"thanks", "thank you", "thanks a lot",
	"ok", "okay", "alright", "sure", "cool", "nice",
	"hi", "hello", "hey", "yo",
	"good morning", "good afternoon", "good evening", "good night",
	"bye", "goodbye", "see you", "later",
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxExperts:            3,
		SelectionStrategy:     StrategyHybrid,
		SimilarityFloor:       0.2,
		ExpertTimeoutMS:       20000,
		RequestDeadlineMS:     30000,
		FastPathDeadlineMS:    3000,
		CancelGraceMS:         500,
		MaxConcurrentExperts:  16,
		AdmissionWaitMS:       1000,
		CacheEnabled:          true,
		CacheTTLMS:            300000,
		CacheMaxEntries:       1024,
		TraceBufferMax:        1024,
		MinSilenceAmbiguousMS: 600,
		MinSilenceCompleteMS:  1000,
		MaxBufferMS:           30000,
		IncompleteEnders:      append([]string(nil), defaultIncompleteEnders...),
		ChitchatPatterns:      append([]string(nil), defaultChitchatPatterns...),
		FastPathFailFallback:  "Sorry, I couldn't quite catch that — could you try again?",
		AllFailedFallback:     "I wasn't able to get an answer for that. Please try again in a moment.",
	}
}

// LoadConfig builds a Config by layering, in increasing priority:
// DefaultConfig() -> an optional YAML file at yamlPath (ignored if empty or
// missing) -> MOE_* environment variables. This mirrors core.Config's
// three-layer precedence with the middle layer swapped for a file instead
// of functional options, since this package has no HTTP/CORS/AI surface
// to configure via options.
func LoadConfig(yamlPath string) (*Config, error) {
	cfg := DefaultConfig()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("moecore: reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("moecore: parsing config file: %w", err)
		}
	}

	applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("MOE_MAX_EXPERTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxExperts = n
		}
	}
	if v := os.Getenv("MOE_SELECTION_STRATEGY"); v != "" {
		switch SelectionStrategy(strings.ToLower(v)) {
		case StrategyKeyword, StrategyEmbedding, StrategyHybrid:
			cfg.SelectionStrategy = SelectionStrategy(strings.ToLower(v))
		}
	}
	if v := os.Getenv("MOE_SIMILARITY_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityFloor = f
		}
	}
	if v := os.Getenv("MOE_EXPERT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ExpertTimeoutMS = n
		}
	}
	if v := os.Getenv("MOE_REQUEST_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestDeadlineMS = n
		}
	}
	if v := os.Getenv("MOE_FAST_PATH_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FastPathDeadlineMS = n
		}
	}
	if v := os.Getenv("MOE_CANCEL_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CancelGraceMS = n
		}
	}
	if v := os.Getenv("MOE_MAX_CONCURRENT_EXPERTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConcurrentExperts = n
		}
	}
	if v := os.Getenv("MOE_ADMISSION_WAIT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AdmissionWaitMS = n
		}
	}
	if v := os.Getenv("MOE_CACHE_ENABLED"); v != "" {
		cfg.CacheEnabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MOE_CACHE_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CacheTTLMS = n
		}
	}
	if v := os.Getenv("MOE_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CacheMaxEntries = n
		}
	}
	if v := os.Getenv("MOE_TRACE_BUFFER_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TraceBufferMax = n
		}
	}
	if v := os.Getenv("MOE_MIN_SILENCE_AMBIGUOUS_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MinSilenceAmbiguousMS = n
		}
	}
	if v := os.Getenv("MOE_MIN_SILENCE_COMPLETE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MinSilenceCompleteMS = n
		}
	}
	if v := os.Getenv("MOE_MAX_BUFFER_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBufferMS = n
		}
	}
}

// Validate rejects configurations that would make downstream components
// misbehave (e.g. a negative deadline would make every request time out
// immediately with a confusing error).
func (c *Config) Validate() error {
	if c.MaxExperts < 0 {
		return NewError("Config.Validate", "config", fmt.Errorf("max_experts must be >= 0"))
	}
	if c.ExpertTimeoutMS < 0 || c.RequestDeadlineMS < 0 || c.FastPathDeadlineMS < 0 {
		return NewError("Config.Validate", "config", fmt.Errorf("timeouts must be >= 0"))
	}
	if c.MaxConcurrentExperts < 0 {
		return NewError("Config.Validate", "config", fmt.Errorf("max_concurrent_experts must be >= 0"))
	}
	switch c.SelectionStrategy {
	case StrategyKeyword, StrategyEmbedding, StrategyHybrid:
	default:
		return NewError("Config.Validate", "config", fmt.Errorf("unknown selection_strategy %q", c.SelectionStrategy))
	}
	return nil
}
