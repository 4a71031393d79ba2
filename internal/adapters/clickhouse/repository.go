package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/database"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

// Repository interface for batch storage operations
type Repository interface {
	// InsertBatch inserts rows into table, one placeholder group per row
	InsertBatch(ctx context.Context, table string, columns []string, values [][]interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLRepository implements Repository for ClickHouse over database/sql
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates new ClickHouse repository
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// InsertBatch inserts batch of rows into ClickHouse table
func (r *SQLRepository) InsertBatch(ctx context.Context, table string, columns []string, values [][]interface{}) error {
	query, args, err := BuildInsert(table, columns, values)
	if err != nil {
		return err
	}
	if query == "" {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ClickHouse insert failed: %w", err)
	}

	logger.Debug("ClickHouse batch insert successful",
		zap.String("table", table),
		zap.Int("rows", len(values)),
	)

	return nil
}

// Ping checks the connection
func (r *SQLRepository) Ping(ctx context.Context) error {
	return database.Health(ctx, r.db)
}

// Close closes the connection pool
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// BuildInsert renders a multi-row INSERT. An empty query means nothing to insert.
func BuildInsert(table string, columns []string, values [][]interface{}) (string, []interface{}, error) {
	if len(values) == 0 {
		return "", nil, nil
	}

	columnCount := len(columns)
	if columnCount == 0 {
		return "", nil, fmt.Errorf("values have no columns")
	}

	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnCount), ", ") + ")"
	placeholders := make([]string, len(values))
	args := make([]interface{}, 0, len(values)*columnCount)

	for i, row := range values {
		if len(row) != columnCount {
			return "", nil, fmt.Errorf("row %d has wrong column count: expected %d, got %d", i, columnCount, len(row))
		}
		placeholders[i] = group
		args = append(args, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	return query, args, nil
}
