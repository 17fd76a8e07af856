// Package config loads swarmlink configuration from defaults, an optional
// YAML file, and environment variable overrides, in that precedence order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("swarmlink.yaml").
//	    WithEnvPrefix("SWARMLINK").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/internal/telemetry"
	"github.com/BaSui01/swarmlink/session"
)

// Config is the complete swarmlink configuration.
type Config struct {
	// Handoff drives the decision engine and retry behavior.
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`

	// Session controls swarm session defaults.
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Store selects and configures the context-store backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis applies when Store.Backend is "redis".
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Relay configures the websocket signaling relay transport.
	Relay RelayConfig `yaml:"relay" env:"RELAY"`

	// Bus configures event dispatch.
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OTel SDK.
	Telemetry telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`
}

// HandoffConfig mirrors the engine configuration plus its preset name.
type HandoffConfig struct {
	// Preset selects a named baseline: "development" or "production".
	// Empty means the built-in defaults.
	Preset string `yaml:"preset" env:"PRESET"`

	EvaluationEnabled   bool          `yaml:"evaluation_enabled" env:"EVALUATION_ENABLED"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay          time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	ExponentialBackoff  bool          `yaml:"exponential_backoff" env:"EXPONENTIAL_BACKOFF"`
	LatencyTarget       time.Duration `yaml:"latency_target" env:"LATENCY_TARGET"`
	ExecutionTimeout    time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
	MaxHandoffDepth     int           `yaml:"max_handoff_depth" env:"MAX_HANDOFF_DEPTH"`
}

// SessionConfig controls swarm session defaults.
type SessionConfig struct {
	MaxParticipants int  `yaml:"max_participants" env:"MAX_PARTICIPANTS"`
	EnableVetoes    bool `yaml:"enable_vetoes" env:"ENABLE_VETOES"`
	EnableA2A       bool `yaml:"enable_a2a" env:"ENABLE_A2A"`
}

// StoreConfig selects the preserved-context backend.
type StoreConfig struct {
	// Backend: "memory" or "redis".
	Backend    string        `yaml:"backend" env:"BACKEND"`
	MaxEntries int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	TTL        time.Duration `yaml:"ttl" env:"TTL"`
}

// RedisConfig configures the redis client.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// RelayConfig configures the websocket signaling relay.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL"`
	PeerID  string `yaml:"peer_id" env:"PEER_ID"`
}

// BusConfig configures event dispatch.
type BusConfig struct {
	BufferSize       int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
	WildcardRouting  bool   `yaml:"wildcard_routing" env:"WILDCARD_ROUTING"`
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths for the logger core; defaults to stderr.
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the SWARMLINK env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SWARMLINK",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	// A named preset replaces the handoff baseline before explicit file
	// and env fields are applied on top of it.
	if preset := l.peekPreset(); preset != "" {
		cfg.Handoff = fromEngineConfig(handoff.EnginePreset(preset))
		cfg.Handoff.Preset = preset
	}

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// peekPreset resolves the preset name from env first, then the YAML file.
func (l *Loader) peekPreset() string {
	if v := os.Getenv(l.envPrefix + "_HANDOFF_PRESET"); v != "" {
		return v
	}
	if l.configPath == "" {
		return ""
	}
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return ""
	}
	var probe struct {
		Handoff struct {
			Preset string `yaml:"preset"`
		} `yaml:"handoff"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Handoff.Preset
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from the given path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Handoff.ConfidenceThreshold < 0 || c.Handoff.ConfidenceThreshold > 1 {
		errs = append(errs, "handoff confidence_threshold must be in [0, 1]")
	}
	if c.Handoff.MaxRetries < 0 {
		errs = append(errs, "handoff max_retries must be non-negative")
	}
	if c.Session.MaxParticipants < 1 {
		errs = append(errs, "session max_participants must be at least 1")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		errs = append(errs, "relay url is required when relay is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EngineConfig converts the handoff section into an engine configuration.
// The engine's own environment overrides (SWARMLINK_CONFIDENCE_THRESHOLD,
// SWARMLINK_MAX_HANDOFF_DEPTH, SWARMLINK_LATENCY_TARGET_MS) are applied on
// top, so they win over both file and section-level env settings.
func (c *Config) EngineConfig() handoff.EngineConfig {
	return handoff.EngineConfig{
		EvaluationEnabled:   c.Handoff.EvaluationEnabled,
		ConfidenceThreshold: c.Handoff.ConfidenceThreshold,
		MaxRetries:          c.Handoff.MaxRetries,
		RetryDelay:          c.Handoff.RetryDelay,
		ExponentialBackoff:  c.Handoff.ExponentialBackoff,
		LatencyTarget:       c.Handoff.LatencyTarget,
		ExecutionTimeout:    c.Handoff.ExecutionTimeout,
		MaxHandoffDepth:     c.Handoff.MaxHandoffDepth,
	}.ApplyEnv()
}

// SessionConfig converts the session section into session defaults.
func (c *Config) SessionDefaults() session.Config {
	return session.Config{
		MaxParticipants: c.Session.MaxParticipants,
		EnableVetoes:    c.Session.EnableVetoes,
		EnableA2A:       c.Session.EnableA2A,
	}
}

func fromEngineConfig(ec handoff.EngineConfig) HandoffConfig {
	return HandoffConfig{
		EvaluationEnabled:   ec.EvaluationEnabled,
		ConfidenceThreshold: ec.ConfidenceThreshold,
		MaxRetries:          ec.MaxRetries,
		RetryDelay:          ec.RetryDelay,
		ExponentialBackoff:  ec.ExponentialBackoff,
		LatencyTarget:       ec.LatencyTarget,
		ExecutionTimeout:    ec.ExecutionTimeout,
		MaxHandoffDepth:     ec.MaxHandoffDepth,
	}
}
