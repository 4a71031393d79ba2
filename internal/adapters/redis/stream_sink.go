package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

const (
	defaultMaxLen  = 10000
	defaultTimeout = 5 * time.Second
)

// Encoder turns one item into stream entry fields
type Encoder[T any] func(item T, now time.Time) (map[string]interface{}, error)

// StreamSink appends every item to a Redis stream, trimmed approximately to maxlen
type StreamSink[T any] struct {
	name    string
	stream  string
	maxLen  int64
	timeout time.Duration
	client  Streamer
	encode  Encoder[T]
	now     func() time.Time
}

func newStreamSink[T any](cfg config.SinkConfig, client Streamer, defaultStream string, encode Encoder[T]) (*StreamSink[T], error) {
	maxLen, err := cfg.OptionInt("maxlen", defaultMaxLen)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &StreamSink[T]{
		name:    cfg.Name,
		stream:  cfg.Option("stream", defaultStream),
		maxLen:  maxLen,
		timeout: timeout,
		client:  client,
		encode:  encode,
		now:     time.Now,
	}, nil
}

// NewMetricSink streams metric payloads, by default to telemetry:metrics
func NewMetricSink(cfg config.SinkConfig, client Streamer) (*StreamSink[models.MetricPayload], error) {
	return newStreamSink(cfg, client, "telemetry:metrics", encodeMetric)
}

// NewLogSink streams log records, by default to telemetry:logs
func NewLogSink(cfg config.SinkConfig, client Streamer) (*StreamSink[models.LogPayload], error) {
	return newStreamSink(cfg, client, "telemetry:logs", encodeLog)
}

// Name implements fanout.Sink
func (s *StreamSink[T]) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *StreamSink[T]) Timeout() time.Duration {
	return s.timeout
}

// Send implements fanout.Sink. Entries already added stay when a later one fails.
func (s *StreamSink[T]) Send(ctx context.Context, items []T) error {
	now := s.now()
	for i, item := range items {
		values, err := s.encode(item, now)
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", i, err)
		}
		err = s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			return fmt.Errorf("XADD %s failed after %d of %d entries: %w", s.stream, i, len(items), err)
		}
	}

	logger.Debug("redis stream entries added",
		zap.String("sink", s.name),
		zap.String("stream", s.stream),
		zap.Int("entries", len(items)),
	)
	return nil
}

// Health pings Redis
func (s *StreamSink[T]) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *StreamSink[T]) Close() error {
	logger.Info("closing redis client", zap.String("sink", s.name))
	return s.client.Close()
}

func encodeMetric(p models.MetricPayload, now time.Time) (map[string]interface{}, error) {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":      string(p.Type),
		"name":      p.Name,
		"value":     p.Value,
		"tags":      string(tags),
		"timestamp": p.TimeOr(now).UnixMilli(),
	}, nil
}

func encodeLog(l models.LogPayload, now time.Time) (map[string]interface{}, error) {
	record, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	ts, ok := l.Time()
	if !ok {
		ts = now
	}
	return map[string]interface{}{
		"level":     l.Level(),
		"record":    string(record),
		"timestamp": ts.UnixMilli(),
	}, nil
}
