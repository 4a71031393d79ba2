// Package clickhouse stores metric batches in a ClickHouse MergeTree table.
package clickhouse

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/internal/adapters/database"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const (
	defaultTable   = "telemetry_metrics"
	defaultTimeout = 10 * time.Second
)

//go:embed schema/telemetry_metrics.sql
var schema string

var columns = []string{"timestamp", "name", "type", "value", "tags"}

// Sink writes one row per payload
type Sink struct {
	name    string
	table   string
	repo    Repository
	timeout time.Duration
	now     func() time.Time
}

// NewSink creates a sink on top of repo
func NewSink(cfg config.SinkConfig, repo Repository) *Sink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Sink{
		name:    cfg.Name,
		table:   cfg.Option("table", defaultTable),
		repo:    repo,
		timeout: timeout,
		now:     time.Now,
	}
}

// Open connects to cfg.Endpoint and, when create_table is set, creates the
// default table.
func Open(ctx context.Context, cfg config.SinkConfig) (*Sink, error) {
	db, err := database.Open(ctx, database.DriverClickHouse, cfg.Endpoint, database.DefaultPool)
	if err != nil {
		return nil, err
	}

	if cfg.OptionBool("create_table") {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create ClickHouse table: %w", err)
		}
	}

	return NewSink(cfg, NewSQLRepository(db)), nil
}

// Name implements fanout.Sink
func (s *Sink) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *Sink) Timeout() time.Duration {
	return s.timeout
}

// Send implements fanout.Sink
func (s *Sink) Send(ctx context.Context, items []models.MetricPayload) error {
	if len(items) == 0 {
		return nil
	}

	now := s.now()
	values := make([][]interface{}, len(items))
	for i, p := range items {
		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		values[i] = []interface{}{p.TimeOr(now), p.Name, string(p.Type), p.Value, tags}
	}

	if err := s.repo.InsertBatch(ctx, s.table, columns, values); err != nil {
		return err
	}

	logger.Debug("metrics stored in ClickHouse",
		zap.String("sink", s.name),
		zap.Int("rows", len(values)),
	)
	return nil
}

// Health reports whether ClickHouse answers
func (s *Sink) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close releases the repository
func (s *Sink) Close() error {
	return s.repo.Close()
}
