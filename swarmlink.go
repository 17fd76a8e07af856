// Package swarmlink provides a top-level convenience entry point that wires
// the event bus, context store, handoff engine, and session manager together
// with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/swarmlink"
//
//	sys, err := swarmlink.New(swarmlink.WithLogger(logger))
//	sys, err := swarmlink.New(swarmlink.WithEngineConfig(handoff.EnginePreset("development")))
//
// Components can also be constructed individually from the bus, handoff,
// session, and transport packages when the defaults do not fit.
package swarmlink

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/bus"
	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/internal/metrics"
	"github.com/BaSui01/swarmlink/session"
	"github.com/BaSui01/swarmlink/transport"
)

// System is a fully wired swarmlink instance.
type System struct {
	Bus      *bus.Bus
	Store    *handoff.ContextStore
	Machine  *handoff.Machine
	Engine   *handoff.Engine
	Sessions *session.Manager
}

type options struct {
	logger       *zap.Logger
	backend      handoff.StoreBackend
	engineConfig handoff.EngineConfig
	factory      transport.Factory
	runner       handoff.RemoteRunner
	evaluator    handoff.Evaluator
	promNS       string
	promReg      prometheus.Registerer
}

// Option configures the system created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStoreBackend replaces the default in-memory context-store backend,
// typically with [handoff.NewRedisBackend].
func WithStoreBackend(b handoff.StoreBackend) Option {
	return func(o *options) { o.backend = b }
}

// WithEngineConfig replaces the production engine defaults.
func WithEngineConfig(cfg handoff.EngineConfig) Option {
	return func(o *options) { o.engineConfig = cfg }
}

// WithTransportFactory replaces the in-process transport, typically with
// [transport.NewRelayFactory] for cross-process swarms.
func WithTransportFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithRemoteRunner sets the runner used for remote handoff execution.
func WithRemoteRunner(r handoff.RemoteRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithEvaluator registers a handoff decision evaluator.
func WithEvaluator(e handoff.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithPrometheus registers swarmlink metrics under namespace on reg.
func WithPrometheus(namespace string, reg prometheus.Registerer) Option {
	return func(o *options) {
		o.promNS = namespace
		o.promReg = reg
	}
}

// New creates a memory-backed system: event bus, context store, handoff
// state machine and engine, and the session manager, all sharing one logger.
func New(opts ...Option) (*System, error) {
	o := &options{
		logger:       zap.NewNop(),
		engineConfig: handoff.DefaultEngineConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.engineConfig.Validate(); err != nil {
		return nil, err
	}
	if o.backend == nil {
		o.backend = handoff.NewMemoryBackend(handoff.MemoryBackendConfig{})
	}
	if o.factory == nil {
		o.factory = transport.NewMemoryFactory()
	}
	var collector *metrics.Collector
	if o.promReg != nil {
		collector = metrics.NewCollector(o.promNS, o.promReg, o.logger)
	}

	router := bus.NewRouter(bus.RouterConfig{WildcardRouting: true}, o.logger)
	eventBus := bus.New(o.logger, bus.WithRouter(router))
	store := handoff.NewContextStore(o.backend, eventBus, o.logger)
	machine := handoff.NewMachine(store, eventBus, o.logger)

	engineOpts := make([]handoff.EngineOption, 0, 3)
	if o.runner != nil {
		engineOpts = append(engineOpts, handoff.WithRemoteRunner(o.runner))
	}
	if o.evaluator != nil {
		engineOpts = append(engineOpts, handoff.WithEvaluator(o.evaluator))
	}
	if collector != nil {
		engineOpts = append(engineOpts, handoff.WithMetrics(collector))
	}
	engine := handoff.NewEngine(machine, eventBus, o.engineConfig, o.logger, engineOpts...)

	sessionOpts := make([]session.ManagerOption, 0, 1)
	if collector != nil {
		sessionOpts = append(sessionOpts, session.WithMetrics(collector))
	}
	manager := session.NewManager(o.factory, engine, eventBus, o.logger, sessionOpts...)

	return &System{
		Bus:      eventBus,
		Store:    store,
		Machine:  machine,
		Engine:   engine,
		Sessions: manager,
	}, nil
}

// Close stops event dispatch. Sessions should be closed first.
func (s *System) Close() {
	s.Bus.Close()
}
