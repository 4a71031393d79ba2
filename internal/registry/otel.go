package registry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// OTel pulls readings from an OpenTelemetry SDK reader
type OTel struct {
	reader sdkmetric.Reader
	now    func() time.Time
}

// NewOTel wraps reader, normally one made by sdkmetric.NewManualReader and
// registered on a MeterProvider with sdkmetric.WithReader.
func NewOTel(reader sdkmetric.Reader) *OTel {
	return &OTel{reader: reader, now: time.Now}
}

// Reader returns the wrapped reader for MeterProvider registration
func (o *OTel) Reader() sdkmetric.Reader {
	return o.reader
}

// Collect implements Registry
func (o *OTel) Collect(ctx context.Context) (*models.Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := o.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCollectionFailed, err)
	}

	snap := Convert(&rm)
	snap.CollectedAt = o.now()

	logger.Debug("registry collected",
		zap.Int("scopes", len(snap.Scopes)),
		zap.Int("points", snap.PointCount()),
	)
	return snap, nil
}

// Shutdown releases the reader. Collect fails afterwards.
func (o *OTel) Shutdown(ctx context.Context) error {
	return o.reader.Shutdown(ctx)
}

// Convert maps SDK metric data onto the snapshot model. Exponential
// histograms and summaries keep their own kinds so translation can skip them.
func Convert(rm *metricdata.ResourceMetrics) *models.Snapshot {
	snap := &models.Snapshot{Scopes: make([]models.ScopeMetrics, 0, len(rm.ScopeMetrics))}

	for _, sm := range rm.ScopeMetrics {
		scope := models.ScopeMetrics{
			Name:    sm.Scope.Name,
			Version: sm.Scope.Version,
			Metrics: make([]models.Metric, 0, len(sm.Metrics)),
		}
		for _, m := range sm.Metrics {
			scope.Metrics = append(scope.Metrics, convertMetric(m))
		}
		snap.Scopes = append(snap.Scopes, scope)
	}
	return snap
}

func convertMetric(m metricdata.Metrics) models.Metric {
	out := models.Metric{
		Descriptor: models.MetricDescriptor{
			Name:        m.Name,
			Unit:        m.Unit,
			Description: m.Description,
		},
	}

	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		out.Descriptor.Kind = models.KindSum
		out.Points = numberPoints(data.DataPoints)
	case metricdata.Sum[float64]:
		out.Descriptor.Kind = models.KindSum
		out.Points = numberPoints(data.DataPoints)
	case metricdata.Gauge[int64]:
		out.Descriptor.Kind = models.KindGauge
		out.Points = numberPoints(data.DataPoints)
	case metricdata.Gauge[float64]:
		out.Descriptor.Kind = models.KindGauge
		out.Points = numberPoints(data.DataPoints)
	case metricdata.Histogram[int64]:
		out.Descriptor.Kind = models.KindHistogram
		out.Points = histogramPoints(data.DataPoints)
	case metricdata.Histogram[float64]:
		out.Descriptor.Kind = models.KindHistogram
		out.Points = histogramPoints(data.DataPoints)
	case metricdata.ExponentialHistogram[int64]:
		out.Descriptor.Kind = models.KindExponentialHistogram
	case metricdata.ExponentialHistogram[float64]:
		out.Descriptor.Kind = models.KindExponentialHistogram
	case metricdata.Summary:
		out.Descriptor.Kind = models.KindSummary
	default:
		out.Descriptor.Kind = models.MetricKind(fmt.Sprintf("%T", m.Data))
	}
	return out
}

func numberPoints[N int64 | float64](dps []metricdata.DataPoint[N]) []models.DataPoint {
	out := make([]models.DataPoint, len(dps))
	for i, dp := range dps {
		out[i] = models.DataPoint{
			Value: float64(dp.Value),
			Tags:  Attributes(dp.Attributes),
			Time:  dp.Time,
		}
	}
	return out
}

func histogramPoints[N int64 | float64](dps []metricdata.HistogramDataPoint[N]) []models.DataPoint {
	out := make([]models.DataPoint, len(dps))
	for i, dp := range dps {
		count := dp.Count
		sum := float64(dp.Sum)
		out[i] = models.DataPoint{
			Tags:         Attributes(dp.Attributes),
			Time:         dp.Time,
			Count:        &count,
			Sum:          &sum,
			Bounds:       append([]float64(nil), dp.Bounds...),
			BucketCounts: append([]uint64(nil), dp.BucketCounts...),
		}
	}
	return out
}

// Attributes converts an attribute set into plain Go values
func Attributes(set attribute.Set) map[string]any {
	out := make(map[string]any, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = attributeValue(kv.Value)
	}
	return out
}

func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	case attribute.BOOLSLICE:
		return v.AsBoolSlice()
	case attribute.INT64SLICE:
		return v.AsInt64Slice()
	case attribute.FLOAT64SLICE:
		return v.AsFloat64Slice()
	case attribute.STRINGSLICE:
		return v.AsStringSlice()
	}
	return v.Emit()
}
