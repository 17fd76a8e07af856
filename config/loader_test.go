package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 2, cfg.Handoff.MaxRetries)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Session.MaxParticipants)
	assert.False(t, cfg.Relay.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
handoff:
  max_retries: 5
  retry_delay: 250ms
store:
  backend: redis
  ttl: 1h
redis:
  addr: redis.internal:6379
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Handoff.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Handoff.RetryDelay)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.7, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 256, cfg.Bus.BufferSize)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
handoff:
  max_retries: 5
`)
	t.Setenv("SWARMLINK_HANDOFF_MAX_RETRIES", "9")
	t.Setenv("SWARMLINK_HANDOFF_CONFIDENCE_THRESHOLD", "0.25")
	t.Setenv("SWARMLINK_STORE_TTL", "90s")
	t.Setenv("SWARMLINK_SESSION_ENABLE_VETOES", "false")
	t.Setenv("SWARMLINK_LOG_OUTPUT_PATHS", "stdout, /var/log/swarmlink.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Handoff.MaxRetries)
	assert.Equal(t, 0.25, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 90*time.Second, cfg.Store.TTL)
	assert.False(t, cfg.Session.EnableVetoes)
	assert.Equal(t, []string{"stdout", "/var/log/swarmlink.log"}, cfg.Log.OutputPaths)
}

func TestLoader_PresetIsBaselineNotOverride(t *testing.T) {
	path := writeConfigFile(t, `
handoff:
  preset: development
  max_retries: 7
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	// Preset values apply first, explicit file fields win on top.
	assert.Equal(t, "development", cfg.Handoff.Preset)
	assert.Equal(t, 0.5, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 7, cfg.Handoff.MaxRetries)
	assert.Equal(t, 5000*time.Millisecond, cfg.Handoff.LatencyTarget)
}

func TestLoader_PresetFromEnv(t *testing.T) {
	t.Setenv("SWARMLINK_HANDOFF_PRESET", "development")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 1, cfg.Handoff.MaxRetries)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "handoff: [not a mapping")

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoader_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "threshold out of range",
			yaml: "handoff:\n  confidence_threshold: 1.5\n",
			want: "confidence_threshold",
		},
		{
			name: "negative retries",
			yaml: "handoff:\n  max_retries: -1\n",
			want: "max_retries",
		},
		{
			name: "unknown backend",
			yaml: "store:\n  backend: etcd\n",
			want: "store backend",
		},
		{
			name: "relay enabled without url",
			yaml: "relay:\n  enabled: true\n  url: \"\"\n",
			want: "relay url",
		},
		{
			name: "zero participants",
			yaml: "session:\n  max_participants: 0\n",
			want: "max_participants",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.yaml)
			_, err := NewLoader().WithConfigPath(path).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoader_CustomValidator(t *testing.T) {
	sentinel := errors.New("peer id required")
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Relay.PeerID == "" {
				return sentinel
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_BUS_BUFFER_SIZE", "1024")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Bus.BufferSize)
}

func TestConfig_EngineConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Handoff.MaxRetries = 4
	cfg.Handoff.ExecutionTimeout = 10 * time.Second

	ec := cfg.EngineConfig()
	assert.Equal(t, 4, ec.MaxRetries)
	assert.Equal(t, 10*time.Second, ec.ExecutionTimeout)
	assert.Equal(t, cfg.Handoff.ConfidenceThreshold, ec.ConfidenceThreshold)
}

func TestConfig_EngineConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SWARMLINK_CONFIDENCE_THRESHOLD", "0.95")
	t.Setenv("SWARMLINK_MAX_HANDOFF_DEPTH", "9")
	t.Setenv("SWARMLINK_LATENCY_TARGET_MS", "750")

	cfg := DefaultConfig()
	cfg.Handoff.ConfidenceThreshold = 0.3

	ec := cfg.EngineConfig()
	assert.Equal(t, 0.95, ec.ConfidenceThreshold)
	assert.Equal(t, 9, ec.MaxHandoffDepth)
	assert.Equal(t, 750*time.Millisecond, ec.LatencyTarget)

	// Non-overridden fields come from the handoff section.
	assert.Equal(t, cfg.Handoff.MaxRetries, ec.MaxRetries)
}

func TestLoader_TelemetryEnvOverrides(t *testing.T) {
	t.Setenv("SWARMLINK_TELEMETRY_ENABLED", "true")
	t.Setenv("SWARMLINK_TELEMETRY_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("SWARMLINK_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
	assert.Equal(t, "swarmlink", cfg.Telemetry.ServiceName)
}

func TestConfig_SessionDefaultsConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.MaxParticipants = 3
	cfg.Session.EnableA2A = false

	sc := cfg.SessionDefaults()
	assert.Equal(t, 3, sc.MaxParticipants)
	assert.False(t, sc.EnableA2A)
	assert.True(t, sc.EnableVetoes)
}

func TestConfig_BuildLogger(t *testing.T) {
	cfg := DefaultConfig()
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()

	cfg.Log.Format = "console"
	cfg.Log.Level = "debug"
	logger, err = cfg.BuildLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestConfig_BuildLoggerRejectsBadInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "verbose"
	_, err := cfg.BuildLogger()
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Log.Format = "xml"
	_, err = cfg.BuildLogger()
	assert.Error(t, err)
}
