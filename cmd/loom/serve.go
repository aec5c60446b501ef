package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/bus"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/coordinator"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/eventstore"
	"github.com/haasonsaas/loom/internal/obslog"
	"github.com/haasonsaas/loom/internal/provider"
	"github.com/haasonsaas/loom/internal/shellqueue"
	"github.com/haasonsaas/loom/internal/shellsession"
	"github.com/haasonsaas/loom/internal/toolregistry"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom server",
		Long: `Start the loom server: loads configuration, wires the persistence
store, shell session pool, tool registry, provider, Subscriber Bus,
Prompt Engine, and Conversation Coordinator, then serves /healthz and
/metrics until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	graph, err := buildGraph(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to wire server: %w", err)
	}
	defer graph.Close()

	graph.logger.Info(ctx, "starting loom server",
		"version", version, "commit", commit, "config", configPath)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	graph.logger.Info(ctx, "loom server started", "http_addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	graph.logger.Info(ctx, "shutdown signal received, stopping gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}

	graph.logger.Info(ctx, "loom server stopped gracefully")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// serverGraph holds every long-lived component runServe and the
// conversation subcommands wire together, so local smoke-test commands
// can build the same graph without duplicating construction.
type serverGraph struct {
	cfg         *config.Config
	logger      *obslog.Logger
	metrics     *obslog.Metrics
	tracerStop  func(context.Context) error
	store       eventstore.Store
	storeCloser func() error
	bus         *bus.Bus
	pool        *shellsession.Pool
	coordinator *coordinator.Coordinator
}

func (g *serverGraph) Close() {
	if g.pool != nil {
		g.pool.Shutdown()
	}
	if g.storeCloser != nil {
		_ = g.storeCloser()
	}
	if g.tracerStop != nil {
		_ = g.tracerStop(context.Background())
	}
}

func buildGraph(ctx context.Context, cfg *config.Config) (*serverGraph, error) {
	logger := obslog.New(obslog.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := obslog.NewMetrics()
	_, tracerStop := obslog.NewTracer(obslog.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	store, storeCloser, err := buildStore(ctx, cfg)
	if err != nil {
		tracerStop(ctx)
		return nil, err
	}

	b := bus.NewWithBuffers(cfg.Bus.HighPriorityBuffer, cfg.Bus.LowPriorityBuffer)

	queue := shellqueue.New()
	pool := shellsession.NewPool(shellsession.Config{
		ShellPath:     cfg.Shell.Path,
		IdleExpiry:    cfg.Shell.SessionIdleExpiry,
		SweepSchedule: cfg.Shell.SweepSchedule,
	}, logger, metrics)

	registry := toolregistry.NewRegistry()
	registry.Register(toolregistry.NewBashTool(pool, queue, logger))
	executor := toolregistry.NewExecutor(registry)

	prov, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		DefaultModel: cfg.Provider.DefaultModel,
		MaxRetries:   cfg.Provider.MaxRetries,
		RetryDelay:   cfg.Provider.RetryBackoff,
	})
	if err != nil {
		_ = storeCloser()
		tracerStop(ctx)
		return nil, fmt.Errorf("failed to build provider: %w", err)
	}

	eng := engine.New(store, b, prov, registry, executor, logger).WithMetrics(metrics)
	coord := coordinator.New(store, b, eng, logger, cfg.Provider.DefaultModel, "")

	return &serverGraph{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracerStop:  tracerStop,
		store:       store,
		storeCloser: storeCloser,
		bus:         b,
		pool:        pool,
		coordinator: coord,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (eventstore.Store, func() error, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return eventstore.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		s, err := eventstore.Open(ctx, eventstore.DialectPostgres, cfg.Database.DSN, sqlStoreConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := eventstore.Open(ctx, eventstore.DialectSQLite, cfg.Database.DSN, sqlStoreConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}
}

// sqlStoreConfig layers config.DatabaseConfig's explicit overrides onto
// eventstore.DefaultConfig, so an unset ConnMaxIdleTime/ConnectTimeout
// still gets a sane pool/ping timeout instead of zero values.
func sqlStoreConfig(cfg *config.Config) eventstore.Config {
	sc := eventstore.DefaultConfig()
	if cfg.Database.MaxConnections > 0 {
		sc.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	return sc
}
