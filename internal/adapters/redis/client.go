package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

// Streamer is the subset of *redis.Client the stream sinks use
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// NewClient creates a Redis client from a sink config. Endpoint is host:port;
// the password and db options select credentials and database.
func NewClient(ctx context.Context, cfg config.SinkConfig) (*redis.Client, error) {
	db, err := cfg.OptionInt("db", 0)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Option("password", cfg.APIKey),
		DB:           int(db),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("sink", cfg.Name),
		zap.String("address", cfg.Endpoint),
		zap.Int64("db", db),
	)

	return client, nil
}
