// Package translator converts registry snapshots into backend-agnostic metric payloads.
package translator

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// HistogramMode selects how much of a histogram survives translation
type HistogramMode string

const (
	// HistogramAggregate keeps only _sum and _count
	HistogramAggregate HistogramMode = "aggregate"
	// HistogramBuckets also emits cumulative _bucket counts tagged with le
	HistogramBuckets HistogramMode = "buckets"
)

// ParseHistogramMode accepts "", "aggregate" or "buckets"
func ParseHistogramMode(s string) (HistogramMode, error) {
	switch HistogramMode(s) {
	case "", HistogramAggregate:
		return HistogramAggregate, nil
	case HistogramBuckets:
		return HistogramBuckets, nil
	}
	return "", fmt.Errorf("unknown histogram mode %q", s)
}

// Options controls translation
type Options struct {
	Prefix    string
	Histogram HistogramMode
}

// Skip describes a metric that produced no payloads
type Skip struct {
	Scope  string
	Metric string
	Kind   models.MetricKind
	Reason string
}

// Result is the outcome of translating one snapshot
type Result struct {
	Payloads []models.MetricPayload
	Skipped  []Skip
}

// Translate converts every data point of snap. It does not modify snap.
func Translate(snap *models.Snapshot, opts Options) Result {
	var res Result
	if snap == nil {
		return res
	}

	logger.Debug("translating snapshot",
		zap.Int("scopes", len(snap.Scopes)),
		zap.Int("points", snap.PointCount()),
	)

	for _, scope := range snap.Scopes {
		for _, metric := range scope.Metrics {
			translateMetric(&res, scope.Name, metric, opts)
		}
	}

	if n := len(res.Payloads); n > 0 {
		telemetry.IncrCounter([]string{"translate", "payloads"}, float32(n))
	}
	for _, s := range res.Skipped {
		telemetry.IncrCounter([]string{"translate", "skipped"}, 1,
			telemetry.Label{Name: "kind", Value: string(s.Kind)})
		telemetry.RecordError(string(models.ErrorTranslationSkipped))
	}

	return res
}

func translateMetric(res *Result, scope string, metric models.Metric, opts Options) {
	desc := metric.Descriptor
	name := desc.Name
	if opts.Prefix != "" {
		name = opts.Prefix + desc.Name
	}

	if name == "" {
		res.Skipped = append(res.Skipped, Skip{Scope: scope, Metric: desc.Name, Kind: desc.Kind, Reason: "empty name"})
		logger.Debug("metric skipped",
			zap.String("error_kind", string(models.ErrorTranslationSkipped)),
			zap.String("scope", scope),
			zap.String("reason", "empty name"),
		)
		return
	}

	logger.Debug("dispatching metric",
		zap.String("metric", name),
		zap.String("kind", string(desc.Kind)),
		zap.Int("points", len(metric.Points)),
	)

	switch desc.Kind {
	case models.KindSum:
		for _, dp := range metric.Points {
			res.Payloads = append(res.Payloads, payload(models.TypeCount, name, dp.Value, dp))
		}
	case models.KindGauge:
		for _, dp := range metric.Points {
			res.Payloads = append(res.Payloads, payload(models.TypeGauge, name, dp.Value, dp))
		}
	case models.KindHistogram:
		for _, dp := range metric.Points {
			if dp.Sum != nil {
				res.Payloads = append(res.Payloads, payload(models.TypeGauge, name+"_sum", *dp.Sum, dp))
			}
			if dp.Count != nil {
				res.Payloads = append(res.Payloads, payload(models.TypeCount, name+"_count", float64(*dp.Count), dp))
			}
			if opts.Histogram == HistogramBuckets {
				res.Payloads = append(res.Payloads, buckets(name, dp)...)
			}
		}
	default:
		res.Skipped = append(res.Skipped, Skip{Scope: scope, Metric: name, Kind: desc.Kind, Reason: "unsupported kind"})
		logger.Debug("metric skipped",
			zap.String("error_kind", string(models.ErrorTranslationSkipped)),
			zap.String("scope", scope),
			zap.String("metric", name),
			zap.String("kind", string(desc.Kind)),
		)
	}
}

// buckets emits cumulative bucket counts. BucketCounts has one more entry
// than Bounds; the last one is the overflow bucket.
func buckets(name string, dp models.DataPoint) []models.MetricPayload {
	if len(dp.BucketCounts) == 0 {
		return nil
	}
	out := make([]models.MetricPayload, 0, len(dp.BucketCounts))
	var cumulative uint64
	for i, c := range dp.BucketCounts {
		cumulative += c
		le := "+Inf"
		if i < len(dp.Bounds) {
			le = formatBound(dp.Bounds[i])
		}
		p := payload(models.TypeCount, name+"_bucket", float64(cumulative), dp)
		p.Tags["le"] = le
		out = append(out, p)
	}
	return out
}

func formatBound(b float64) string {
	if math.IsInf(b, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(b, 'g', -1, 64)
}

func payload(typ models.PayloadType, name string, value float64, dp models.DataPoint) models.MetricPayload {
	return models.MetricPayload{
		Type:      typ,
		Name:      name,
		Value:     value,
		Tags:      Tags(dp.Tags),
		Timestamp: dp.Time,
	}
}

// Tags copies attrs into a fresh map with every value stringified
func Tags(attrs map[string]any) map[string]string {
	tags := make(map[string]string, len(attrs))
	for k, v := range attrs {
		tags[k] = Stringify(v)
	}
	return tags
}

// Stringify renders an attribute value the way a JavaScript String() call
// would, so tag values keep their identity across backends. Slices are
// joined with commas.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return formatNumber(val, 64)
	case float32:
		return formatNumber(float64(val), 32)
	case []string:
		return strings.Join(val, ",")
	case fmt.Stringer:
		return val.String()
	}

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = Stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// formatNumber uses plain decimals for 1e-6 <= |f| < 1e21 and a short
// exponent (1e-7, 1e+21) outside that range
func formatNumber(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}

	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, bitSize)
	}

	s := strconv.FormatFloat(f, 'e', -1, bitSize)
	mant, exp, _ := strings.Cut(s, "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits
}
