package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const defaultTimeout = 10 * time.Second

// LogRow is one telemetry_logs row
type LogRow struct {
	LoggedAt time.Time `db:"logged_at"`
	Level    string    `db:"level"`
	Message  string    `db:"message"`
	Record   string    `db:"record"`
}

// LogRepository stores log rows
type LogRepository interface {
	InsertLogs(ctx context.Context, rows []LogRow) error
	Ping(ctx context.Context) error
	Close() error
}

// PostgresRepository implements LogRepository with sqlx
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates new repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// InsertLogs writes rows in one statement
func (r *PostgresRepository) InsertLogs(ctx context.Context, rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO telemetry_logs (logged_at, level, message, record)
		VALUES (:logged_at, :level, :message, CAST(:record AS JSONB))
	`
	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to insert logs: %w", err)
	}
	return nil
}

// Ping checks the connection
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return Health(ctx, r.db)
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	logger.Info("closing database connection")
	return r.db.Close()
}

// LogSink stores log batches in Postgres as JSONB
type LogSink struct {
	name    string
	repo    LogRepository
	timeout time.Duration
	now     func() time.Time
}

// NewLogSink creates a sink on top of repo
func NewLogSink(cfg config.SinkConfig, repo LogRepository) *LogSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &LogSink{name: cfg.Name, repo: repo, timeout: timeout, now: time.Now}
}

// OpenLogSink connects to cfg.Endpoint, applies migrations unless the
// migrate option is "false", and returns the sink.
func OpenLogSink(ctx context.Context, cfg config.SinkConfig) (*LogSink, error) {
	db, err := Open(ctx, DriverPostgres, cfg.Endpoint, DefaultPool)
	if err != nil {
		return nil, err
	}

	if cfg.Option("migrate", "true") != "false" {
		if err := RunMigrations(db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}

	return NewLogSink(cfg, NewPostgresRepository(db)), nil
}

// Name implements fanout.Sink
func (s *LogSink) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *LogSink) Timeout() time.Duration {
	return s.timeout
}

// Send implements fanout.Sink
func (s *LogSink) Send(ctx context.Context, items []models.LogPayload) error {
	if len(items) == 0 {
		return nil
	}

	now := s.now()
	rows := make([]LogRow, 0, len(items))
	for _, l := range items {
		record, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to encode log record: %w", err)
		}
		ts, ok := l.Time()
		if !ok {
			ts = now
		}
		rows = append(rows, LogRow{
			LoggedAt: ts,
			Level:    l.Level(),
			Message:  l.Message(),
			Record:   string(record),
		})
	}

	if err := s.repo.InsertLogs(ctx, rows); err != nil {
		return err
	}

	logger.Debug("logs stored",
		zap.String("sink", s.name),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// Health reports whether the database answers
func (s *LogSink) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close releases the repository
func (s *LogSink) Close() error {
	return s.repo.Close()
}
