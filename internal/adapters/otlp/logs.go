package otlp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

var severities = map[string]logspb.SeverityNumber{
	"trace":   logspb.SeverityNumber_SEVERITY_NUMBER_TRACE,
	"debug":   logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG,
	"info":    logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	"log":     logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	"warn":    logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
	"warning": logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
	"error":   logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
	"fatal":   logspb.SeverityNumber_SEVERITY_NUMBER_FATAL,
}

// LogSink exports log records to /v1/logs
type LogSink struct {
	*client
}

// NewLogSink creates an OTLP log sink
func NewLogSink(cfg config.SinkConfig) (*LogSink, error) {
	c, err := newClient(cfg, "/v1/logs")
	if err != nil {
		return nil, err
	}
	return &LogSink{client: c}, nil
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
	records := make([]*logspb.LogRecord, 0, len(items))
	for _, l := range items {
		records = append(records, s.record(l, now))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: s.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      scope(),
				LogRecords: records,
			}},
		}},
	}

	var resp collogspb.ExportLogsServiceResponse
	if err := s.post(ctx, req, &resp); err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		return fmt.Errorf("partial success: %d records rejected: %s", ps.GetRejectedLogRecords(), ps.GetErrorMessage())
	}

	logger.Debug("otlp logs sent",
		zap.String("sink", s.name),
		zap.Int("records", len(items)),
	)
	return nil
}

func (s *LogSink) record(l models.LogPayload, now time.Time) *logspb.LogRecord {
	ts, ok := l.Time()
	if !ok {
		ts = now
	}

	level := l.Level()
	severity, ok := severities[level]
	if !ok {
		severity = logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED
	}

	return &logspb.LogRecord{
		TimeUnixNano:         s.timestamp(ts),
		ObservedTimeUnixNano: uint64(now.UnixNano()),
		SeverityNumber:       severity,
		SeverityText:         level,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: l.Message()}},
		Attributes:           anyAttributes(l.Attributes()),
	}
}
