package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

// Registered database/sql driver names
const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
)

// Pool holds connection pool parameters
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPool is sized for a handful of concurrent batch inserts
var DefaultPool = Pool{
	MaxOpenConns:    10,
	MaxIdleConns:    2,
	ConnMaxLifetime: 5 * time.Minute,
}

// Open connects with sqlx, applies pool settings and pings
func Open(ctx context.Context, driver, dsn string, pool Pool) (*sqlx.DB, error) {
	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	// Set connection pool parameters
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)

	logger.Info("database connection established",
		zap.String("driver", driver),
	)

	return conn, nil
}

// Health pings with a short deadline
func Health(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
