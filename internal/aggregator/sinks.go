package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/clickhouse"
	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/internal/adapters/database"
	"github.com/selivandex/telemetry-bridge/internal/adapters/datadog"
	"github.com/selivandex/telemetry-bridge/internal/adapters/otlp"
	redisAdapter "github.com/selivandex/telemetry-bridge/internal/adapters/redis"
	"github.com/selivandex/telemetry-bridge/internal/adapters/telegram"
	"github.com/selivandex/telemetry-bridge/internal/fanout"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// BuildSinks constructs every configured sink. Sinks that need a live
// connection connect here; on any failure the ones already built are closed.
func BuildSinks(ctx context.Context, cfgs []config.SinkConfig) (Sinks, error) {
	var sinks Sinks

	for _, cfg := range cfgs {
		var err error
		switch cfg.Kind {
		case config.KindMetrics:
			var s fanout.Sink[models.MetricPayload]
			s, err = buildMetricSink(ctx, cfg)
			if err == nil {
				sinks.Metrics = append(sinks.Metrics, s)
			}
		case config.KindLogs:
			var s fanout.Sink[models.LogPayload]
			s, err = buildLogSink(ctx, cfg)
			if err == nil {
				sinks.Logs = append(sinks.Logs, s)
			}
		default:
			err = fmt.Errorf("unknown kind %q", cfg.Kind)
		}

		if err != nil {
			sinks.close()
			return Sinks{}, fmt.Errorf("sink %s: %w", cfg.Name, err)
		}

		logger.Info("sink configured",
			zap.String("sink", cfg.Name),
			zap.String("type", cfg.Type),
			zap.String("kind", cfg.Kind),
		)
	}

	return sinks, nil
}

func buildMetricSink(ctx context.Context, cfg config.SinkConfig) (fanout.Sink[models.MetricPayload], error) {
	switch cfg.Type {
	case config.SinkDatadog:
		return datadog.New(cfg)
	case config.SinkOTLP:
		return otlp.NewMetricSink(cfg)
	case config.SinkClickHouse:
		return clickhouse.Open(ctx, cfg)
	case config.SinkRedis:
		client, err := redisAdapter.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink, err := redisAdapter.NewMetricSink(cfg, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("type %q does not accept metrics", cfg.Type)
}

func buildLogSink(ctx context.Context, cfg config.SinkConfig) (fanout.Sink[models.LogPayload], error) {
	switch cfg.Type {
	case config.SinkOTLP:
		return otlp.NewLogSink(cfg)
	case config.SinkPostgres:
		return database.OpenLogSink(ctx, cfg)
	case config.SinkRedis:
		client, err := redisAdapter.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink, err := redisAdapter.NewLogSink(cfg, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return sink, nil
	case config.SinkTelegram:
		bot, err := telegram.NewBotAPI(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.NewAlertSink(cfg, bot)
	}
	return nil, fmt.Errorf("type %q does not accept logs", cfg.Type)
}

func (s Sinks) close() {
	for _, sink := range s.Metrics {
		_ = closeSink(nil, sink.Name(), sink)
	}
	for _, sink := range s.Logs {
		_ = closeSink(nil, sink.Name(), sink)
	}
}
