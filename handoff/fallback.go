package handoff

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/backend"
	"github.com/BaSui01/swarmlink/internal/metrics"
	"github.com/BaSui01/swarmlink/types"
)

// LocalLatencyTarget is the default SLA for local-inference handoffs,
// tighter than the remote default.
const LocalLatencyTarget = 500 * time.Millisecond

// FallbackChain tries interchangeable local inference backends in order:
// probe availability first, switch to the next backend on failure, and only
// declare failure once the chain is exhausted. It satisfies RemoteRunner, so
// an Engine configured with it becomes the local-inference variant.
type FallbackChain struct {
	mu       sync.Mutex
	backends []backend.Backend
	active   int
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewFallbackChain creates a chain over the given backends, preferred first.
func NewFallbackChain(backends []backend.Backend, collector *metrics.Collector, logger *zap.Logger) *FallbackChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackChain{
		backends: backends,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "fallback_chain")),
	}
}

// Active returns the currently preferred backend name, or "" when the chain
// is empty.
func (f *FallbackChain) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return ""
	}
	return f.backends[f.active].Name()
}

// Execute sends the request to the first available backend, rotating through
// the chain on failure.
func (f *FallbackChain) Execute(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error) {
	f.mu.Lock()
	start := f.active
	count := len(f.backends)
	f.mu.Unlock()

	if count == 0 {
		return nil, types.NewError(types.ErrBackendUnavailable, "no local inference backends configured")
	}

	var lastErr error
	for i := 0; i < count; i++ {
		idx := (start + i) % count
		b := f.backends[idx]

		if !b.IsAvailable(ctx) {
			f.logger.Debug("backend unavailable, skipping", zap.String("backend", b.Name()))
			lastErr = types.NewErrorf(types.ErrBackendUnavailable,
				"backend %s unavailable", b.Name())
			continue
		}

		resp, err := b.SendChatRequest(ctx, req)
		if err == nil {
			f.promote(idx)
			return resp, nil
		}

		lastErr = err
		next := f.backends[(idx+1)%count].Name()
		f.metrics.BackendFailover(b.Name(), next)
		f.logger.Warn("backend failed, falling back",
			zap.String("backend", b.Name()),
			zap.String("next", next),
			zap.Error(err),
		)
	}

	return nil, types.NewError(types.ErrBackendUnavailable, "all local inference backends failed").
		WithRetryable(true).WithCause(lastErr)
}

// Run implements RemoteRunner over the fallback chain. The agent id selects
// the model when it matches none of the backend names.
func (f *FallbackChain) Run(ctx context.Context, agentID, prompt string) (string, error) {
	resp, err := f.Execute(ctx, backend.ChatRequest{
		Messages: []backend.ChatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// promote makes idx the preferred backend for subsequent calls.
func (f *FallbackChain) promote(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != idx {
		f.logger.Info("switched active backend",
			zap.String("backend", f.backends[idx].Name()))
		f.active = idx
	}
}

// NewLocalEngine builds the local-inference variant of the handoff engine:
// execution goes through the fallback chain and the latency target defaults
// to the tighter local SLA.
func NewLocalEngine(machine *Machine, sink EventSink, chain *FallbackChain, config EngineConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if config.LatencyTarget == 0 || config.LatencyTarget == DefaultEngineConfig().LatencyTarget {
		config.LatencyTarget = LocalLatencyTarget
	}
	opts = append([]EngineOption{WithRemoteRunner(chain)}, opts...)
	return NewEngine(machine, sink, config, logger, opts...)
}
