package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thalo-rs/thalo/internal/broadcast"
	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/internal/metrics"
	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/config"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/eventstore/embedded"
	"github.com/thalo-rs/thalo/pkg/eventstore/postgres"
	"github.com/thalo-rs/thalo/pkg/grpcapi"
	"github.com/thalo-rs/thalo/pkg/outbox"
	"github.com/thalo-rs/thalo/pkg/projection"
	"github.com/thalo-rs/thalo/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Thalo runtime, projection gateway, and gRPC API",
	Long: `serve starts the full Thalo process: it opens the configured event
store, loads WASM modules from --modules-dir, and runs the scheduler,
projection gateway, gRPC API, and (if configured) outbox relay until an
interrupt signal is received.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("store", string(config.StoreEmbedded), "Event store backend: postgres or embedded")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string (required for --store=postgres)")
	serveCmd.Flags().String("embedded-path", "./thalo-data", "Embedded store data directory (for --store=embedded)")
	serveCmd.Flags().String("modules-dir", "./modules", "Directory WASM component binaries are loaded from")
	serveCmd.Flags().String("grpc-addr", "127.0.0.1:7700", "gRPC API listen address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	serveCmd.Flags().String("relay", string(config.RelayNone), "Outbox relay backend: none, redis, or kafka")
	serveCmd.Flags().String("redis-addr", "", "Redis address (for --relay=redis)")
	serveCmd.Flags().String("redis-stream", "thalo-events", "Redis stream name template (for --relay=redis)")
	serveCmd.Flags().StringSlice("kafka-brokers", nil, "Kafka broker addresses (for --relay=kafka)")
	serveCmd.Flags().String("kafka-topic", "thalo-events", "Kafka topic template (for --relay=kafka)")
	rootCmd.AddCommand(serveCmd)
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.DefaultConfig()

	store, _ := cmd.Flags().GetString("store")
	cfg.Store = config.StoreBackend(store)
	cfg.PostgresDSN, _ = cmd.Flags().GetString("postgres-dsn")
	cfg.EmbeddedPath, _ = cmd.Flags().GetString("embedded-path")
	cfg.ModulesDir, _ = cmd.Flags().GetString("modules-dir")
	cfg.Runtime.ModulesDir = cfg.ModulesDir
	cfg.GRPCAddr, _ = cmd.Flags().GetString("grpc-addr")

	relay, _ := cmd.Flags().GetString("relay")
	cfg.Relay = config.RelayBackend(relay)
	cfg.RedisAddr, _ = cmd.Flags().GetString("redis-addr")
	cfg.RedisStream, _ = cmd.Flags().GetString("redis-stream")
	cfg.KafkaBrokers, _ = cmd.Flags().GetStringSlice("kafka-brokers")
	cfg.KafkaTopic, _ = cmd.Flags().GetString("kafka-topic")

	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	cfg.LogLevel = log.Level(logLevel)
	cfg.LogJSON = logJSON

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := log.WithComponent("serve")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer closeStore()

	engine, closeEngine, err := component.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("serve: new wasm engine: %w", err)
	}
	defer closeEngine(ctx)

	loader := func(ctx context.Context, id component.ModuleID, binary []byte) (component.Module, error) {
		return component.NewWazeroModule(ctx, engine, id, binary)
	}

	bc := broadcast.New()
	bc.Start()
	defer bc.Stop()

	rt, err := runtime.New(store, loader, cfg.Runtime, func(records []event.Record) {
		bc.Publish(records)
	})
	if err != nil {
		return fmt.Errorf("serve: new runtime: %w", err)
	}
	if err := rt.LoadModulesDir(ctx); err != nil {
		return fmt.Errorf("serve: load modules dir: %w", err)
	}
	logger.Info().Str("modules_dir", cfg.ModulesDir).Msg("modules loaded")

	gateway := projection.NewGateway(store, bc)
	gateway.Start(ctx)

	relay, closeRelay, err := openRelay(ctx, cfg)
	if err != nil {
		return fmt.Errorf("serve: open outbox relay: %w", err)
	}
	var relayer *outbox.Relayer
	if relay != nil {
		relayer = outbox.NewRelayer(store, relay)
		relayer.Start(ctx)
		logger.Info().Str("relay", cfg.Relay.String()).Msg("outbox relay started")
	}
	defer closeRelay()

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr, registry, logger)

	server := grpcapi.NewServer(rt, gateway)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.GRPCAddr).Msg("thalo serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	server.Stop()
	if relayer != nil {
		relayer.Stop()
	}
	gateway.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("runtime close failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (eventstore.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.StoreEmbedded:
		store, err := embedded.Open(cfg.EmbeddedPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("serve: unknown store backend %q", cfg.Store)
	}
}

func openRelay(ctx context.Context, cfg config.Config) (outbox.Relay, func(), error) {
	switch cfg.Relay {
	case config.RelayNone:
		return nil, func() {}, nil
	case config.RelayRedis:
		r, err := outbox.NewRedisRelay(ctx, outbox.RedisRelayConfig{
			Addr:               cfg.RedisAddr,
			StreamNameTemplate: cfg.RedisStream,
			MaxLen:             10000,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.RelayKafka:
		r, err := outbox.NewKafkaRelay(outbox.KafkaRelayConfig{
			Brokers:       cfg.KafkaBrokers,
			TopicTemplate: cfg.KafkaTopic,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("serve: unknown relay backend %q", cfg.Relay)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
