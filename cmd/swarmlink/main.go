// Command swarmlink runs the task-handoff daemon: event bus, context store,
// handoff engine, and swarm session manager, with a Prometheus metrics
// endpoint and optional OTel export.
//
// Usage:
//
//	swarmlink serve                        # start the daemon
//	swarmlink serve --config config.yaml   # with a config file
//	swarmlink version                      # show version information
//	swarmlink health                       # probe a running daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/backend"
	"github.com/BaSui01/swarmlink/bus"
	"github.com/BaSui01/swarmlink/config"
	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/internal/metrics"
	"github.com/BaSui01/swarmlink/internal/telemetry"
	"github.com/BaSui01/swarmlink/session"
	"github.com/BaSui01/swarmlink/transport"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	apiAddr := fs.String("api-addr", ":8080", "JSON API listen address")
	metricsAddr := fs.String("metrics-addr", ":9091", "Prometheus metrics listen address")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting swarmlink",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.Bus.MetricsNamespace, registry, logger)

	router := bus.NewRouter(bus.RouterConfig{WildcardRouting: cfg.Bus.WildcardRouting}, logger)
	eventBus := bus.New(logger, bus.WithRouter(router), bus.WithBufferSize(cfg.Bus.BufferSize))
	defer eventBus.Close()

	storeBackend, err := buildStoreBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize context store backend", zap.Error(err))
	}
	store := handoff.NewContextStore(storeBackend, eventBus, logger)
	machine := handoff.NewMachine(store, eventBus, logger)

	engine := buildEngine(cfg, machine, eventBus, collector, logger)

	factory := buildTransportFactory(cfg, logger)
	manager := session.NewManager(factory, engine, eventBus, logger,
		session.WithMetrics(collector),
	)

	api := newAPIServer(manager, engine, logger)
	apiSrv := &http.Server{
		Addr:    *apiAddr,
		Handler: api.routes(),
	}
	go func() {
		logger.Info("api listening", zap.String("addr", *apiAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{
		Addr:    *metricsAddr,
		Handler: metricsHandler(registry),
	}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", *metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Warn("api server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := otelProviders.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	logger.Info("swarmlink stopped")
}

func buildStoreBackend(cfg *config.Config, logger *zap.Logger) (handoff.StoreBackend, error) {
	switch cfg.Store.Backend {
	case "redis":
		return handoff.NewRedisBackend(handoff.RedisBackendConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			TTL:          cfg.Store.TTL,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
	default:
		return handoff.NewMemoryBackend(handoff.MemoryBackendConfig{
			MaxEntries: cfg.Store.MaxEntries,
			TTL:        cfg.Store.TTL,
		}), nil
	}
}

// buildEngine wires the decision engine with a local-inference fallback
// chain as its remote runner. Ollama is probed first, then any
// OpenAI-compatible server on its default port.
func buildEngine(cfg *config.Config, machine *handoff.Machine, sink handoff.EventSink, collector *metrics.Collector, logger *zap.Logger) *handoff.Engine {
	backends := []backend.Backend{
		backend.NewOllamaBackend(backend.OllamaConfig{}, logger),
		backend.NewOpenAICompatBackend(backend.OpenAICompatConfig{}, logger),
	}
	chain := handoff.NewFallbackChain(backends, collector, logger)

	return handoff.NewEngine(machine, sink, cfg.EngineConfig(), logger,
		handoff.WithRemoteRunner(chain),
		handoff.WithMetrics(collector),
	)
}

func buildTransportFactory(cfg *config.Config, logger *zap.Logger) transport.Factory {
	if cfg.Relay.Enabled {
		return transport.NewRelayFactory(transport.RelayFactoryConfig{
			URL:         cfg.Relay.URL,
			LocalPeerID: cfg.Relay.PeerID,
		}, logger)
	}
	return transport.NewMemoryFactory()
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Daemon metrics address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("swarmlink %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`swarmlink - agent task handoff daemon

Usage:
  swarmlink <command> [options]

Commands:
  serve     Start the swarmlink daemon
  version   Show version information
  health    Check daemon health
  help      Show this help message

Options for 'serve':
  --config <path>        Path to configuration file (YAML)
  --metrics-addr <addr>  Prometheus metrics listen address (default :9091)`)
}
