package models

import "time"

// MetricKind is the aggregation kind of an instrument as reported by the registry
type MetricKind string

const (
	KindSum                  MetricKind = "SUM"
	KindGauge                MetricKind = "GAUGE"
	KindHistogram            MetricKind = "HISTOGRAM"
	KindExponentialHistogram MetricKind = "EXPONENTIAL_HISTOGRAM"
	KindSummary              MetricKind = "SUMMARY"
)

// Snapshot is a read-only view of every instrument at one collection
type Snapshot struct {
	CollectedAt time.Time
	Scopes      []ScopeMetrics
}

// ScopeMetrics groups the metrics of one instrumentation scope
type ScopeMetrics struct {
	Name    string
	Version string
	Metrics []Metric
}

// Metric pairs a descriptor with its data points
type Metric struct {
	Descriptor MetricDescriptor
	Points     []DataPoint
}

// MetricDescriptor describes an instrument
type MetricDescriptor struct {
	Name        string
	Kind        MetricKind
	Unit        string
	Description string
}

// DataPoint is one reading. Count, Sum, Bounds and BucketCounts are only
// populated for histograms; nil Count or Sum means the registry did not report it.
type DataPoint struct {
	Value        float64
	Tags         map[string]any
	Time         time.Time
	Count        *uint64
	Sum          *float64
	Bounds       []float64
	BucketCounts []uint64
}

// PointCount returns the number of data points across all scopes
func (s *Snapshot) PointCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, scope := range s.Scopes {
		for _, m := range scope.Metrics {
			n += len(m.Points)
		}
	}
	return n
}
