package otlp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricpb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/selivandex/telemetry-bridge/internal/adapters/config"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// MetricSink exports metric payloads to /v1/metrics
type MetricSink struct {
	*client
	temporality metricpb.AggregationTemporality

	mu      sync.Mutex
	started time.Time
	last    time.Time
}

// NewMetricSink creates an OTLP metric sink
func NewMetricSink(cfg config.SinkConfig) (*MetricSink, error) {
	c, err := newClient(cfg, "/v1/metrics")
	if err != nil {
		return nil, err
	}

	temporality := metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE
	switch cfg.Option(optionTemporality, "cumulative") {
	case "cumulative":
	case "delta":
		temporality = metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA
	default:
		return nil, fmt.Errorf("otlp sink %s: unknown temporality %q", cfg.Name, cfg.Options[optionTemporality])
	}

	started := c.now()
	return &MetricSink{client: c, temporality: temporality, started: started, last: started}, nil
}

// Name implements fanout.Sink
func (s *MetricSink) Name() string {
	return s.name
}

// Timeout implements fanout.TimeoutSink
func (s *MetricSink) Timeout() time.Duration {
	return s.timeout
}

// Send implements fanout.Sink
func (s *MetricSink) Send(ctx context.Context, items []models.MetricPayload) error {
	if len(items) == 0 {
		return nil
	}

	req := &colmetricpb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricpb.ResourceMetrics{{
			Resource: s.resource,
			ScopeMetrics: []*metricpb.ScopeMetrics{{
				Scope:   scope(),
				Metrics: s.metrics(items),
			}},
		}},
	}

	var resp colmetricpb.ExportMetricsServiceResponse
	if err := s.post(ctx, req, &resp); err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		return fmt.Errorf("partial success: %d points rejected: %s", ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	}

	logger.Debug("otlp metrics sent",
		zap.String("sink", s.name),
		zap.Int("points", len(items)),
	)
	return nil
}

// window returns the start of the interval a sum point covers: the sink's
// start for cumulative export, the previous export for delta.
func (s *MetricSink) window(now time.Time) time.Time {
	if s.temporality != metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA {
		return s.started
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.last
	s.last = now
	return start
}

func (s *MetricSink) metrics(items []models.MetricPayload) []*metricpb.Metric {
	now := s.now()
	start := uint64(s.window(now).UnixNano())
	out := make([]*metricpb.Metric, 0, len(items))
	for _, p := range items {
		dp := &metricpb.NumberDataPoint{
			Attributes:   stringAttributes(p.Tags),
			TimeUnixNano: s.timestamp(p.TimeOr(now)),
			Value:        &metricpb.NumberDataPoint_AsDouble{AsDouble: p.Value},
		}

		m := &metricpb.Metric{Name: p.Name}
		if p.Type == models.TypeCount {
			// COUNT carries no monotonicity; sums are exported as monotonic
			dp.StartTimeUnixNano = min(start, uint64(p.TimeOr(now).UnixNano()))
			m.Data = &metricpb.Metric_Sum{Sum: &metricpb.Sum{
				DataPoints:             []*metricpb.NumberDataPoint{dp},
				AggregationTemporality: s.temporality,
				IsMonotonic:            true,
			}}
		} else {
			m.Data = &metricpb.Metric_Gauge{Gauge: &metricpb.Gauge{
				DataPoints: []*metricpb.NumberDataPoint{dp},
			}}
		}
		out = append(out, m)
	}
	return out
}
