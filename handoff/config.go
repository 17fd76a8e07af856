package handoff

import (
	"os"
	"strconv"
	"time"

	"github.com/BaSui01/swarmlink/types"
)

// Environment variable overrides recognized by ApplyEnv.
const (
	EnvConfidenceThreshold = "SWARMLINK_CONFIDENCE_THRESHOLD"
	EnvMaxHandoffDepth     = "SWARMLINK_MAX_HANDOFF_DEPTH"
	EnvLatencyTargetMs     = "SWARMLINK_LATENCY_TARGET_MS"
)

// DefaultNoHandoffConfidence is the confidence reported when no evaluator is
// registered or evaluation is disabled. Both cases use the same explicit
// default.
const DefaultNoHandoffConfidence = 0.0

// EngineConfig controls handoff decision and execution behavior.
type EngineConfig struct {
	// EvaluationEnabled gates the registered evaluator.
	EvaluationEnabled bool `yaml:"evaluation_enabled" json:"evaluation_enabled"`

	// ConfidenceThreshold is the minimum evaluator confidence to act on a
	// handoff decision. Must be in [0,1].
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryDelay is the initial delay between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// ExponentialBackoff doubles the delay on each retry when set.
	ExponentialBackoff bool `yaml:"exponential_backoff" json:"exponential_backoff"`

	// LatencyTarget is the end-to-end handoff SLA. Exceeding it is observed,
	// never fatal.
	LatencyTarget time.Duration `yaml:"latency_target" json:"latency_target"`

	// ExecutionTimeout bounds each remote execution attempt.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" json:"execution_timeout"`

	// MaxHandoffDepth bounds chained handoffs.
	MaxHandoffDepth int `yaml:"max_handoff_depth" json:"max_handoff_depth"`
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EvaluationEnabled:   true,
		ConfidenceThreshold: 0.7,
		MaxRetries:          2,
		RetryDelay:          500 * time.Millisecond,
		ExponentialBackoff:  true,
		LatencyTarget:       2000 * time.Millisecond,
		ExecutionTimeout:    30 * time.Second,
		MaxHandoffDepth:     5,
	}
}

// EnginePreset returns a named configuration preset. Unknown names fall back
// to the production defaults.
func EnginePreset(name string) EngineConfig {
	switch name {
	case "development":
		cfg := DefaultEngineConfig()
		cfg.ConfidenceThreshold = 0.5
		cfg.MaxRetries = 1
		cfg.RetryDelay = 100 * time.Millisecond
		cfg.LatencyTarget = 5000 * time.Millisecond
		return cfg
	case "production":
		return DefaultEngineConfig()
	default:
		return DefaultEngineConfig()
	}
}

// ApplyEnv overlays environment-variable overrides onto cfg. Unparseable
// values are ignored.
func (cfg EngineConfig) ApplyEnv() EngineConfig {
	if v := os.Getenv(EnvConfidenceThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv(EnvMaxHandoffDepth); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxHandoffDepth = n
		}
	}
	if v := os.Getenv(EnvLatencyTargetMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LatencyTarget = time.Duration(n) * time.Millisecond
		}
	}
	return cfg
}

// Validate rejects out-of-range configuration.
func (cfg EngineConfig) Validate() error {
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return types.NewErrorf(types.ErrValidation,
			"confidence threshold %v must be in [0,1]", cfg.ConfidenceThreshold)
	}
	if cfg.MaxRetries < 0 {
		return types.NewErrorf(types.ErrValidation, "max retries %d must be >= 0", cfg.MaxRetries)
	}
	if cfg.RetryDelay < 0 {
		return types.NewErrorf(types.ErrValidation, "retry delay %v must be >= 0", cfg.RetryDelay)
	}
	if cfg.LatencyTarget <= 0 {
		return types.NewErrorf(types.ErrValidation, "latency target %v must be > 0", cfg.LatencyTarget)
	}
	if cfg.ExecutionTimeout <= 0 {
		return types.NewErrorf(types.ErrValidation, "execution timeout %v must be > 0", cfg.ExecutionTimeout)
	}
	if cfg.MaxHandoffDepth < 1 {
		return types.NewErrorf(types.ErrValidation, "max handoff depth %d must be >= 1", cfg.MaxHandoffDepth)
	}
	return nil
}

// ConfigUpdate is a partial configuration change. Nil fields keep their
// current values.
type ConfigUpdate struct {
	EvaluationEnabled   *bool          `json:"evaluation_enabled,omitempty"`
	ConfidenceThreshold *float64       `json:"confidence_threshold,omitempty"`
	MaxRetries          *int           `json:"max_retries,omitempty"`
	RetryDelay          *time.Duration `json:"retry_delay,omitempty"`
	ExponentialBackoff  *bool          `json:"exponential_backoff,omitempty"`
	LatencyTarget       *time.Duration `json:"latency_target,omitempty"`
	ExecutionTimeout    *time.Duration `json:"execution_timeout,omitempty"`
	MaxHandoffDepth     *int           `json:"max_handoff_depth,omitempty"`
}

// merged returns cfg with the update applied, without validating.
func (u ConfigUpdate) merged(cfg EngineConfig) EngineConfig {
	if u.EvaluationEnabled != nil {
		cfg.EvaluationEnabled = *u.EvaluationEnabled
	}
	if u.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.MaxRetries != nil {
		cfg.MaxRetries = *u.MaxRetries
	}
	if u.RetryDelay != nil {
		cfg.RetryDelay = *u.RetryDelay
	}
	if u.ExponentialBackoff != nil {
		cfg.ExponentialBackoff = *u.ExponentialBackoff
	}
	if u.LatencyTarget != nil {
		cfg.LatencyTarget = *u.LatencyTarget
	}
	if u.ExecutionTimeout != nil {
		cfg.ExecutionTimeout = *u.ExecutionTimeout
	}
	if u.MaxHandoffDepth != nil {
		cfg.MaxHandoffDepth = *u.MaxHandoffDepth
	}
	return cfg
}
