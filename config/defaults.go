package config

import (
	"time"

	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/internal/telemetry"
)

// DefaultConfig returns the complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Handoff:   DefaultHandoffConfig(),
		Session:   DefaultSessionConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Relay:     DefaultRelayConfig(),
		Bus:       DefaultBusConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultHandoffConfig mirrors the production engine defaults.
func DefaultHandoffConfig() HandoffConfig {
	return fromEngineConfig(handoff.DefaultEngineConfig())
}

// DefaultSessionConfig returns session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxParticipants: 8,
		EnableVetoes:    true,
		EnableA2A:       true,
	}
}

// DefaultStoreConfig returns the in-memory context-store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:    "memory",
		MaxEntries: 1024,
		TTL:        30 * time.Minute,
	}
}

// DefaultRedisConfig returns redis client defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultRelayConfig returns signaling relay defaults: disabled.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Enabled: false,
		URL:     "ws://localhost:8787/relay",
	}
}

// DefaultBusConfig returns event bus defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:       256,
		WildcardRouting:  true,
		MetricsNamespace: "swarmlink",
	}
}

// DefaultLogConfig returns logger defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stderr"},
		EnableCaller: false,
	}
}
