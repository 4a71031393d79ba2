package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/internal/aggregator"
	"github.com/selivandex/telemetry-bridge/internal/batcher"
	"github.com/selivandex/telemetry-bridge/internal/exporter"
	"github.com/selivandex/telemetry-bridge/internal/health"
	"github.com/selivandex/telemetry-bridge/internal/ingest"
	"github.com/selivandex/telemetry-bridge/internal/registry"
	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/internal/translator"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
	"github.com/selivandex/telemetry-bridge/pkg/worker"
)

const serviceName = "telemetry-bridge"

type flags struct {
	sinksFile string
	logLevel  string
}

func main() {
	var f flags
	pflag.StringVar(&f.sinksFile, "sinks", "", "path to the sinks YAML file (overrides BRIDGE_SINKS_FILE)")
	pflag.StringVar(&f.logLevel, "log-level", "", "log level (overrides BRIDGE_LOG_LEVEL)")
	pflag.Parse()

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// Run application
	if err := run(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything that needs an orderly shutdown
type app struct {
	cfg        *config.Config
	provider   *sdkmetric.MeterProvider
	exporter   *exporter.Exporter
	forwarder  *exporter.Forwarder
	aggregator *aggregator.Aggregator
	workers    *worker.WorkerGroup
	ingest     *ingest.Server
	health     *health.Server
}

func run(ctx context.Context, f flags) error {
	// Load configuration and initialize logger
	cfg, err := initConfig(f)
	if err != nil {
		return err
	}
	defer logger.Sync()

	stopDump := telemetry.Default().DumpOnSignal(os.Stderr)
	defer stopDump()

	logger.Info("🚀 Telemetry bridge starting...",
		zap.Int("sinks", len(cfg.Sinks)),
		zap.String("histogram_mode", cfg.HistogramMode),
		zap.Duration("collect_interval", cfg.CollectEvery),
	)

	ch := transport.New[models.Envelope]("telemetry")

	agg, err := initAggregator(ctx, cfg)
	if err != nil {
		return err
	}
	agg.Subscribe(ch)

	a := &app{cfg: cfg, aggregator: agg}

	if cfg.Forward.URL != "" {
		a.forwarder = exporter.NewForwarder(exporter.ForwarderConfig{
			URL:    cfg.Forward.URL,
			Binary: cfg.Forward.Binary,
		})
		a.forwarder.Subscribe(ch)
		logger.Info("✅ Forwarding envelopes", zap.String("url", cfg.Forward.URL))
	}

	a.provider, a.exporter, err = initExporter(cfg, ch)
	if err != nil {
		return err
	}
	if err := registerInstruments(agg); err != nil {
		logger.Warn("self instruments not registered", zap.Error(err))
	}

	// Periodic collection is optional; ForceFlush stays available over HTTP
	a.workers = worker.NewWorkerGroup(ctx)
	if cfg.CollectEvery > 0 {
		a.workers.Add(a.exporter, cfg.CollectEvery)
	}
	a.workers.Start()

	a.ingest = ingest.NewServer(ingest.Config{
		Addr:         cfg.Server.Addr,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Flush:        a.flush,
	}, ch)
	go func() {
		if err := a.ingest.Start(); err != nil {
			logger.Error("ingest server failed", zap.Error(err))
		}
	}()

	a.health = health.NewServer(cfg.Health.Addr, agg)
	go func() {
		if err := a.health.Start(); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()
	a.health.SetReady(true)

	logger.Info("✅ Telemetry bridge running",
		zap.String("ingest_addr", cfg.Server.Addr),
		zap.String("health_addr", cfg.Health.Addr),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	// Perform graceful shutdown
	return a.shutdown()
}

// initConfig loads configuration, applies flag overrides and initializes logger
func initConfig(f flags) (*config.Config, error) {
	cfg, err := config.LoadWith(config.Overrides{
		SinksFile: f.sinksFile,
		LogLevel:  f.logLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

func initAggregator(ctx context.Context, cfg *config.Config) (*aggregator.Aggregator, error) {
	sinks, err := aggregator.BuildSinks(ctx, cfg.Sinks)
	if err != nil {
		return nil, fmt.Errorf("failed to build sinks: %w", err)
	}
	if len(sinks.Metrics) == 0 {
		logger.Warn("⚠️ No metric sinks configured - metrics will be dropped after batching")
	}
	if len(sinks.Logs) == 0 {
		logger.Warn("⚠️ No log sinks configured - logs will be dropped after batching")
	}

	return aggregator.New(sinks, aggregator.Options{
		Metrics: batcher.Config{
			MaxBufferSize:     cfg.Metrics.MaxBufferSize,
			MaxBufferDuration: cfg.Metrics.MaxBufferDuration,
		},
		Logs: batcher.Config{
			MaxBufferSize:     cfg.Logs.MaxBufferSize,
			MaxBufferDuration: cfg.Logs.MaxBufferDuration,
		},
		SinkTimeout: cfg.SinkTimeout,
	}), nil
}

// initExporter registers a manual reader on the global meter provider and
// wraps it as the exporter's registry
func initExporter(cfg *config.Config, ch *transport.Channel[models.Envelope]) (*sdkmetric.MeterProvider, *exporter.Exporter, error) {
	mode, err := translator.ParseHistogramMode(cfg.HistogramMode)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	exp := exporter.New(registry.NewOTel(reader), ch, exporter.Options{
		Translate: translator.Options{Prefix: cfg.MetricPrefix, Histogram: mode},
	})
	return provider, exp, nil
}

// flush backs POST /v1/flush: collect, then drain both batchers
func (a *app) flush(ctx context.Context) (any, error) {
	if err := a.exporter.ForceFlush(ctx); err != nil {
		return nil, err
	}
	return a.aggregator.ForceFlush(ctx)
}

func (a *app) shutdown() error {
	logger.Info("🛑 Shutdown signal received, starting graceful shutdown...")

	// Mark service as not ready (stop accepting new traffic)
	a.health.SetReady(false)

	// Create shutdown context with timeout (K8s gives 30s terminationGracePeriodSeconds)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	a.workers.Stop(5 * time.Second)

	logger.Info("final metric collection...")
	if err := a.exporter.Shutdown(shutdownCtx); err != nil {
		logger.Error("exporter shutdown error", zap.Error(err))
	}
	if err := a.provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("meter provider shutdown error", zap.Error(err))
	}

	logger.Info("draining aggregator...")
	if err := a.aggregator.Shutdown(shutdownCtx); err != nil {
		logger.Error("aggregator shutdown error", zap.Error(err))
	}

	if a.forwarder != nil {
		if err := a.forwarder.Close(); err != nil {
			logger.Error("forwarder close error", zap.Error(err))
		}
	}

	if err := a.ingest.Stop(shutdownCtx); err != nil {
		logger.Error("ingest server stop error", zap.Error(err))
	}
	if err := a.health.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	// Sync logger
	logger.Sync()

	// Check if shutdown completed in time
	select {
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("✅ shutdown completed successfully")
	}

	return nil
}
