package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/internal/ctxkeys"
	"github.com/BaSui01/swarmlink/types"
)

// mockEvaluator implements Evaluator with a function callback.
type mockEvaluator struct {
	evaluateFn func(ctx context.Context, evalContext any, task Task) (Decision, error)
}

func (m *mockEvaluator) Evaluate(ctx context.Context, evalContext any, task Task) (Decision, error) {
	return m.evaluateFn(ctx, evalContext, task)
}

// mockRunner implements RemoteRunner with a function callback.
type mockRunner struct {
	runFn func(ctx context.Context, agentID, prompt string) (string, error)
	calls atomic.Int64
}

func (m *mockRunner) Run(ctx context.Context, agentID, prompt string) (string, error) {
	m.calls.Add(1)
	return m.runFn(ctx, agentID, prompt)
}

func fastEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.ExponentialBackoff = false
	cfg.ExecutionTimeout = 500 * time.Millisecond
	return cfg
}

func newTestEngine(sink EventSink, opts ...EngineOption) *Engine {
	return NewEngine(newTestMachine(sink), sink, fastEngineConfig(), zap.NewNop(), opts...)
}

func TestEngine_EvaluateNoEvaluator(t *testing.T) {
	e := newTestEngine(&recordingSink{})

	decision := e.EvaluateHandoff(context.Background(), nil, Task{ID: "t1"})
	assert.False(t, decision.ShouldHandoff)
	assert.Equal(t, DefaultNoHandoffConfidence, decision.Confidence)
	assert.Equal(t, "no evaluator registered", decision.Reason)
}

func TestEngine_EvaluateDisabled(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.EvaluationEnabled = false
	sink := &recordingSink{}
	e := NewEngine(newTestMachine(sink), sink, cfg, zap.NewNop(),
		WithEvaluator(&mockEvaluator{
			evaluateFn: func(context.Context, any, Task) (Decision, error) {
				t.Fatal("evaluator must not run when evaluation is disabled")
				return Decision{}, nil
			},
		}),
	)

	decision := e.EvaluateHandoff(context.Background(), nil, Task{ID: "t1"})
	assert.False(t, decision.ShouldHandoff)
	assert.Equal(t, DefaultNoHandoffConfidence, decision.Confidence)
	assert.Equal(t, "evaluation disabled", decision.Reason)
}

func TestEngine_EvaluateErrorDowngraded(t *testing.T) {
	e := newTestEngine(&recordingSink{},
		WithEvaluator(&mockEvaluator{
			evaluateFn: func(context.Context, any, Task) (Decision, error) {
				return Decision{}, errors.New("model unavailable")
			},
		}),
	)

	decision := e.EvaluateHandoff(context.Background(), nil, Task{ID: "t1"})
	assert.False(t, decision.ShouldHandoff)
	assert.Equal(t, "Evaluation error: model unavailable", decision.Reason)
}

func TestEngine_EvaluateBelowThreshold(t *testing.T) {
	e := newTestEngine(&recordingSink{},
		WithEvaluator(&mockEvaluator{
			evaluateFn: func(context.Context, any, Task) (Decision, error) {
				return Decision{ShouldHandoff: true, TargetAgentID: "expert", Confidence: 0.4, Reason: "maybe"}, nil
			},
		}),
	)

	decision := e.EvaluateHandoff(context.Background(), nil, Task{ID: "t1"})
	assert.False(t, decision.ShouldHandoff)
	assert.InDelta(t, 0.4, decision.Confidence, 1e-9)
	assert.Contains(t, decision.Reason, "below threshold")
}

func TestEngine_EvaluateAboveThreshold(t *testing.T) {
	e := newTestEngine(&recordingSink{},
		WithEvaluator(&mockEvaluator{
			evaluateFn: func(context.Context, any, Task) (Decision, error) {
				return Decision{ShouldHandoff: true, TargetAgentID: "expert", Confidence: 0.9, Reason: "specialist"}, nil
			},
		}),
	)

	decision := e.EvaluateHandoff(context.Background(), nil, Task{ID: "t1"})
	assert.True(t, decision.ShouldHandoff)
	assert.Equal(t, "expert", decision.TargetAgentID)
}

func TestEngine_RemoteSucceedsOnThirdAttempt(t *testing.T) {
	sink := &recordingSink{}
	runner := &mockRunner{}
	runner.runFn = func(_ context.Context, _, _ string) (string, error) {
		if runner.calls.Load() < 3 {
			return "", errors.New("remote busy")
		}
		return "answer", nil
	}

	e := newTestEngine(sink, WithRemoteRunner(runner))
	e.RegisterRemoteAgent(RemoteAgent{ID: "remote-1"})

	outcome, err := e.InitiateHandoff(context.Background(), "local", "remote-1", "task-1", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.True(t, outcome.Remote)
	assert.Equal(t, "answer", outcome.Output)
	assert.EqualValues(t, 3, runner.calls.Load())
	assert.Len(t, sink.byType(types.EventHandoffCompleted), 1)
	assert.Len(t, sink.byType(types.EventPerformanceMetric), 1)
}

func TestEngine_RemoteExhaustsRetries(t *testing.T) {
	sink := &recordingSink{}
	runner := &mockRunner{
		runFn: func(_ context.Context, _, _ string) (string, error) {
			return "", errors.New("permanently down")
		},
	}

	e := newTestEngine(sink, WithRemoteRunner(runner))
	e.RegisterRemoteAgent(RemoteAgent{ID: "remote-1"})

	_, err := e.InitiateHandoff(context.Background(), "local", "remote-1", "task-1", nil)
	require.Error(t, err)
	// MaxRetries=2 means three invocations in total.
	assert.EqualValues(t, 3, runner.calls.Load())
	assert.Equal(t, types.ErrHandoffExhausted, types.CodeOf(err))
	assert.Contains(t, err.Error(), "Failed to handoff to remote-1")
	assert.Contains(t, err.Error(), "permanently down")
	assert.Len(t, sink.byType(types.EventHandoffFailed), 1)
}

func TestEngine_HooksFireOncePerInitiate(t *testing.T) {
	var starts, completes, errs atomic.Int64
	runner := &mockRunner{
		runFn: func(_ context.Context, _, _ string) (string, error) {
			return "", errors.New("down")
		},
	}

	e := newTestEngine(&recordingSink{},
		WithRemoteRunner(runner),
		WithHooks(Hooks{
			OnHandoffStart:    func(_, _, _ string) { starts.Add(1) },
			OnHandoffComplete: func(*Outcome) { completes.Add(1) },
			OnHandoffError:    func(error) { errs.Add(1) },
		}),
	)
	e.RegisterRemoteAgent(RemoteAgent{ID: "remote-1"})

	_, err := e.InitiateHandoff(context.Background(), "local", "remote-1", "task-1", nil)
	require.Error(t, err)

	// Hooks wrap the whole retry sequence, not each attempt.
	assert.EqualValues(t, 1, starts.Load())
	assert.EqualValues(t, 1, errs.Load())
	assert.Zero(t, completes.Load())
}

func TestEngine_LocalHandoff(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(sink)

	outcome, err := e.InitiateHandoff(context.Background(), "agent-a", "agent-b", "task-1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.False(t, outcome.Remote)
	assert.NotEmpty(t, outcome.HandoffID)
	assert.Positive(t, outcome.CompressedSize)
}

func TestEngine_LocalValidationIsNotRetried(t *testing.T) {
	e := newTestEngine(&recordingSink{})

	// Empty target fails machine validation permanently.
	_, err := e.InitiateHandoff(context.Background(), "agent-a", "", "task-1", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrHandoffExhausted, types.CodeOf(err))
}

func TestEngine_RemoteWithoutRunnerFallsBackToLocal(t *testing.T) {
	e := newTestEngine(&recordingSink{})
	e.RegisterRemoteAgent(RemoteAgent{ID: "remote-1"})

	outcome, err := e.InitiateHandoff(context.Background(), "agent-a", "remote-1", "task-1", "ctx")
	require.NoError(t, err)
	assert.False(t, outcome.Remote)
}

func TestEngine_DepthLimit(t *testing.T) {
	e := newTestEngine(&recordingSink{})

	ctx := ctxkeys.WithHandoffDepth(context.Background(), e.Config().MaxHandoffDepth)
	_, err := e.InitiateHandoff(ctx, "agent-a", "agent-b", "task-1", nil)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Contains(t, err.Error(), "depth")
}

func TestEngine_SLAViolationIsNotAnError(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.LatencyTarget = time.Nanosecond
	sink := &recordingSink{}
	e := NewEngine(newTestMachine(sink), sink, cfg, zap.NewNop())

	outcome, err := e.InitiateHandoff(context.Background(), "agent-a", "agent-b", "task-1", "ctx")
	require.NoError(t, err)
	assert.Greater(t, outcome.Latency, cfg.LatencyTarget)
	assert.Len(t, sink.byType(types.EventPerformanceMetric), 1)
}

func TestEngine_UpdateConfig(t *testing.T) {
	e := newTestEngine(&recordingSink{})

	threshold := 0.9
	require.NoError(t, e.UpdateConfig(ConfigUpdate{ConfidenceThreshold: &threshold}))
	assert.InDelta(t, 0.9, e.Config().ConfidenceThreshold, 1e-9)

	// Unchanged fields survive the partial update.
	assert.Equal(t, 2, e.Config().MaxRetries)
}

func TestEngine_UpdateConfigRejectsInvalid(t *testing.T) {
	e := newTestEngine(&recordingSink{})
	before := e.Config()

	bad := 1.5
	err := e.UpdateConfig(ConfigUpdate{ConfidenceThreshold: &bad})
	require.Error(t, err)
	assert.Equal(t, before, e.Config())
}

func TestEngine_RegisterUnregisterRemoteAgent(t *testing.T) {
	e := newTestEngine(&recordingSink{})

	e.RegisterRemoteAgent(RemoteAgent{ID: "r1", Capabilities: []string{"code"}})
	e.RegisterRemoteAgent(RemoteAgent{ID: "r2"})
	assert.Len(t, e.RemoteAgents(), 2)

	e.UnregisterRemoteAgent("r1")
	agents := e.RemoteAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "r2", agents[0].ID)
}

func TestEngine_RemoteTimeoutIsRetryable(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.ExecutionTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	sink := &recordingSink{}

	var mu sync.Mutex
	calls := 0
	runner := &mockRunner{
		runFn: func(ctx context.Context, _, _ string) (string, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "recovered", nil
		},
	}

	e := NewEngine(newTestMachine(sink), sink, cfg, zap.NewNop(), WithRemoteRunner(runner))
	e.RegisterRemoteAgent(RemoteAgent{ID: "slow"})

	outcome, err := e.InitiateHandoff(context.Background(), "local", "slow", "task-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", outcome.Output)
	assert.EqualValues(t, 2, runner.calls.Load())
}
