package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/internal/ctxkeys"
	"github.com/BaSui01/swarmlink/internal/metrics"
	"github.com/BaSui01/swarmlink/internal/retry"
	"github.com/BaSui01/swarmlink/types"
)

// Task describes the unit of work under evaluation for a handoff.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Input       any            `json:"input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Decision is the outcome of a handoff evaluation.
type Decision struct {
	ShouldHandoff bool    `json:"should_handoff"`
	TargetAgentID string  `json:"target_agent_id,omitempty"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// Evaluator is the opaque natural-language capability deciding whether and
// where to hand off.
type Evaluator interface {
	Evaluate(ctx context.Context, evalContext any, task Task) (Decision, error)
}

// RemoteRunner executes a prompt against a remote agent.
type RemoteRunner interface {
	Run(ctx context.Context, agentID, prompt string) (string, error)
}

// RemoteAgent is a registered remote execution target.
type RemoteAgent struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Hooks observe the handoff lifecycle. Each hook fires at most once per
// InitiateHandoff call, around the whole retry sequence.
type Hooks struct {
	OnHandoffStart    func(sourceAgentID, targetAgentID, taskID string)
	OnHandoffComplete func(outcome *Outcome)
	OnHandoffError    func(err error)
}

// Outcome reports a successful handoff execution.
type Outcome struct {
	HandoffID      string        `json:"handoff_id,omitempty"`
	TargetAgentID  string        `json:"target_agent_id"`
	Remote         bool          `json:"remote"`
	Output         string        `json:"output,omitempty"`
	CompressedSize int           `json:"compressed_size,omitempty"`
	TransferTime   time.Duration `json:"transfer_time,omitempty"`
	Latency        time.Duration `json:"latency"`
}

// Engine decides whether to hand off and executes handoffs with bounded
// retries and SLA observation. Remote targets run through the registered
// RemoteRunner; everything else delegates to the state machine.
type Engine struct {
	mu           sync.RWMutex
	config       EngineConfig
	machine      *Machine
	evaluator    Evaluator
	runner       RemoteRunner
	remoteAgents map[string]RemoteAgent
	hooks        Hooks
	sink         EventSink
	metrics      *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEvaluator registers the handoff evaluator.
func WithEvaluator(e Evaluator) EngineOption {
	return func(eng *Engine) { eng.evaluator = e }
}

// WithRemoteRunner registers the remote agent runner.
func WithRemoteRunner(r RemoteRunner) EngineOption {
	return func(eng *Engine) { eng.runner = r }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) EngineOption {
	return func(eng *Engine) { eng.hooks = h }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(eng *Engine) { eng.metrics = c }
}

// NewEngine creates a handoff engine. The config is validated; invalid
// configs fall back to defaults with a warning.
func NewEngine(machine *Machine, sink EventSink, config EngineConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("invalid engine config, using defaults", zap.Error(err))
		config = DefaultEngineConfig()
	}
	eng := &Engine{
		config:       config,
		machine:      machine,
		remoteAgents: make(map[string]RemoteAgent),
		sink:         sink,
		tracer:       otel.Tracer("swarmlink/handoff"),
		logger:       logger.With(zap.String("component", "handoff_engine")),
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig validates and applies a partial configuration change. Invalid
// updates return a validation error and leave the configuration untouched.
func (e *Engine) UpdateConfig(update ConfigUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := update.merged(e.config)
	if err := next.Validate(); err != nil {
		return err
	}
	e.config = next
	e.logger.Info("engine config updated",
		zap.Float64("confidence_threshold", next.ConfidenceThreshold),
		zap.Int("max_retries", next.MaxRetries),
		zap.Duration("latency_target", next.LatencyTarget),
	)
	return nil
}

// RegisterRemoteAgent makes agentID resolvable as a remote execution target.
func (e *Engine) RegisterRemoteAgent(agent RemoteAgent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteAgents[agent.ID] = agent
	e.logger.Info("registered remote agent",
		zap.String("agent_id", agent.ID),
		zap.Strings("capabilities", agent.Capabilities),
	)
}

// UnregisterRemoteAgent removes a remote target.
func (e *Engine) UnregisterRemoteAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remoteAgents, agentID)
}

// RemoteAgents lists registered remote targets.
func (e *Engine) RemoteAgents() []RemoteAgent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	agents := make([]RemoteAgent, 0, len(e.remoteAgents))
	for _, a := range e.remoteAgents {
		agents = append(agents, a)
	}
	return agents
}

// EvaluateHandoff decides whether the task should be handed off. A missing
// or disabled evaluator yields a non-handoff decision with the documented
// default confidence; an evaluator failure is downgraded to a non-handoff
// decision, never an error.
func (e *Engine) EvaluateHandoff(ctx context.Context, evalContext any, task Task) Decision {
	e.mu.RLock()
	evaluator := e.evaluator
	cfg := e.config
	e.mu.RUnlock()

	if evaluator == nil {
		return Decision{
			ShouldHandoff: false,
			Confidence:    DefaultNoHandoffConfidence,
			Reason:        "no evaluator registered",
		}
	}
	if !cfg.EvaluationEnabled {
		return Decision{
			ShouldHandoff: false,
			Confidence:    DefaultNoHandoffConfidence,
			Reason:        "evaluation disabled",
		}
	}

	decision, err := evaluator.Evaluate(ctx, evalContext, task)
	if err != nil {
		e.logger.Warn("evaluator failed, declining handoff",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return Decision{
			ShouldHandoff: false,
			Confidence:    0,
			Reason:        fmt.Sprintf("Evaluation error: %s", err.Error()),
		}
	}

	if decision.ShouldHandoff && decision.Confidence < cfg.ConfidenceThreshold {
		decision.ShouldHandoff = false
		decision.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f: %s",
			decision.Confidence, cfg.ConfidenceThreshold, decision.Reason)
	}
	return decision
}

// InitiateHandoff resolves the target and executes the handoff under the
// retry policy. Lifecycle hooks fire once around the whole attempt sequence;
// exceeding the latency target is logged and counted but never fails the
// handoff.
func (e *Engine) InitiateHandoff(ctx context.Context, sourceAgentID, targetID, taskID string, taskContext any) (*Outcome, error) {
	cfg := e.Config()

	if depth := ctxkeys.HandoffDepth(ctx); depth >= cfg.MaxHandoffDepth {
		return nil, types.NewErrorf(types.ErrValidation,
			"handoff depth %d exceeds maximum %d", depth, cfg.MaxHandoffDepth).WithResource(taskID)
	}
	ctx = ctxkeys.WithHandoffDepth(ctx, ctxkeys.HandoffDepth(ctx)+1)

	ctx, span := e.tracer.Start(ctx, "handoff.initiate",
		trace.WithAttributes(
			attribute.String("handoff.source", sourceAgentID),
			attribute.String("handoff.target", targetID),
			attribute.String("handoff.task_id", taskID),
		))
	defer span.End()

	e.mu.RLock()
	_, isRemote := e.remoteAgents[targetID]
	isRemote = isRemote && e.runner != nil
	e.mu.RUnlock()

	mode := "local"
	if isRemote {
		mode = "remote"
	}
	span.SetAttributes(attribute.String("handoff.mode", mode))

	if e.hooks.OnHandoffStart != nil {
		e.hooks.OnHandoffStart(sourceAgentID, targetID, taskID)
	}

	start := time.Now()
	var outcome *Outcome
	var err error
	if isRemote {
		outcome, err = e.executeRemote(ctx, cfg, sourceAgentID, targetID, taskID, taskContext)
	} else {
		outcome, err = e.executeLocal(ctx, cfg, sourceAgentID, targetID, taskID, taskContext)
	}
	elapsed := time.Since(start)

	if err != nil {
		wrapped := types.NewErrorf(types.ErrHandoffExhausted,
			"Failed to handoff to %s: %v", targetID, err).WithResource(taskID)
		if e.hooks.OnHandoffError != nil {
			e.hooks.OnHandoffError(wrapped)
		}
		e.metrics.ObserveHandoff("failed", mode, elapsed)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Message)
		e.logger.Error("handoff failed",
			zap.String("source", sourceAgentID),
			zap.String("target", targetID),
			zap.String("task_id", taskID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, wrapped
	}

	outcome.Latency = elapsed
	e.observeSLA(cfg, targetID, elapsed)
	e.metrics.ObserveHandoff("completed", mode, elapsed)

	if e.hooks.OnHandoffComplete != nil {
		e.hooks.OnHandoffComplete(outcome)
	}
	return outcome, nil
}

// executeRemote runs the handoff through the remote runner with per-attempt
// timeouts. A timeout is a retryable failure.
func (e *Engine) executeRemote(ctx context.Context, cfg EngineConfig, sourceAgentID, targetID, taskID string, taskContext any) (*Outcome, error) {
	prompt, err := buildRemotePrompt(sourceAgentID, taskID, taskContext)
	if err != nil {
		return nil, err
	}

	e.emit(types.NewEvent(types.EventToolExecutionStarted, "handoff_engine", types.ToolExecutionPayload{
		ToolName: "remote_agent",
		AgentID:  targetID,
	}))

	var lastErr error
	retryer := retry.New(e.retryPolicy(cfg), e.logger)
	output, err := retry.DoTyped[string](retryer, ctx, func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ExecutionTimeout)
		defer cancel()

		out, runErr := e.runner.Run(attemptCtx, targetID, prompt)
		if runErr != nil {
			if attemptCtx.Err() == context.DeadlineExceeded {
				runErr = types.NewError(types.ErrTimeout, "remote execution timed out").
					WithResource(targetID).WithRetryable(true).WithCause(runErr)
			}
			lastErr = runErr
			return "", runErr
		}
		return out, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		e.emit(types.NewEvent(types.EventToolExecutionFailed, "handoff_engine", types.ToolExecutionPayload{
			ToolName: "remote_agent",
			AgentID:  targetID,
			Error:    lastErr.Error(),
		}))
		e.emit(types.NewEvent(types.EventHandoffFailed, "handoff_engine", types.HandoffPayload{
			SourceAgentID: sourceAgentID,
			TargetAgentID: targetID,
			TaskID:        taskID,
			Error:         lastErr.Error(),
		}))
		return nil, lastErr
	}

	e.emit(types.NewEvent(types.EventToolExecutionCompleted, "handoff_engine", types.ToolExecutionPayload{
		ToolName: "remote_agent",
		AgentID:  targetID,
	}))
	e.emit(types.NewEvent(types.EventHandoffCompleted, "handoff_engine", types.HandoffPayload{
		SourceAgentID: sourceAgentID,
		TargetAgentID: targetID,
		TaskID:        taskID,
	}))

	return &Outcome{
		TargetAgentID: targetID,
		Remote:        true,
		Output:        output,
	}, nil
}

// executeLocal delegates to the state machine under the retry policy.
func (e *Engine) executeLocal(ctx context.Context, cfg EngineConfig, sourceAgentID, targetID, taskID string, taskContext any) (*Outcome, error) {
	var lastErr error
	retryer := retry.New(e.retryPolicy(cfg), e.logger)
	result, err := retry.DoTyped[*Result](retryer, ctx, func() (*Result, error) {
		res, initErr := e.machine.InitiateHandoff(ctx, Request{
			SourceAgentID: sourceAgentID,
			TargetAgentID: targetID,
			TaskID:        taskID,
			Priority:      PriorityMedium,
			Context:       taskContext,
		})
		if initErr != nil {
			if types.IsValidation(initErr) {
				initErr = retry.Permanent(initErr)
			}
			lastErr = initErr
			return nil, initErr
		}
		return res, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, lastErr
	}

	return &Outcome{
		HandoffID:      result.HandoffID,
		TargetAgentID:  targetID,
		Remote:         false,
		CompressedSize: result.CompressedSize,
		TransferTime:   result.TransferTime,
	}, nil
}

func (e *Engine) retryPolicy(cfg EngineConfig) *retry.Policy {
	multiplier := 1.0
	if cfg.ExponentialBackoff {
		multiplier = 2.0
	}
	return &retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     cfg.LatencyTarget * 10,
		Multiplier:   multiplier,
		Jitter:       false,
	}
}

// observeSLA records the latency signal. A violation warns and counts; it is
// never an error.
func (e *Engine) observeSLA(cfg EngineConfig, targetID string, elapsed time.Duration) {
	e.emit(types.NewEvent(types.EventPerformanceMetric, "handoff_engine", types.MetricPayload{
		Name:  "handoff.latency",
		Value: float64(elapsed.Milliseconds()),
		Unit:  "ms",
	}))
	if elapsed > cfg.LatencyTarget {
		e.metrics.SLAViolation()
		e.logger.Warn("handoff exceeded latency target",
			zap.String("target", targetID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("latency_target", cfg.LatencyTarget),
		)
	}
}

func (e *Engine) emit(event types.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(event); err != nil {
		e.logger.Warn("failed to emit event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func buildRemotePrompt(sourceAgentID, taskID string, taskContext any) (string, error) {
	blob, err := json.Marshal(taskContext)
	if err != nil {
		return "", types.NewError(types.ErrSerialization, "failed to serialize handoff context").
			WithResource(taskID).WithCause(err)
	}
	return fmt.Sprintf("Task %s handed off from agent %s.\nContext:\n%s", taskID, sourceAgentID, blob), nil
}
