// Package telemetry records metrics about the bridge itself using armon/go-metrics.
package telemetry

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
)

const (
	// ServiceName prefixes every key
	ServiceName = "bridge"

	defaultInterval  = 10 * time.Second
	defaultRetention = time.Minute
)

// Label is a key/value pair attached to a measurement
type Label struct {
	Name  string
	Value string
}

// Recorder wraps a go-metrics client backed by an in-memory sink
type Recorder struct {
	client *metrics.Metrics
	inmem  *metrics.InmemSink
}

var current atomic.Pointer[Recorder]

func init() {
	r, err := New(defaultInterval, defaultRetention)
	if err != nil {
		panic("telemetry: recorder initialization failed: " + err.Error())
	}
	current.Store(r)
}

// New builds a recorder aggregating into intervals of the given size
func New(interval, retain time.Duration) (*Recorder, error) {
	inmem := metrics.NewInmemSink(interval, retain)

	conf := metrics.DefaultConfig(ServiceName)
	conf.EnableHostname = false
	conf.EnableHostnameLabel = false
	conf.EnableRuntimeMetrics = false

	client, err := metrics.New(conf, inmem)
	if err != nil {
		return nil, err
	}
	return &Recorder{client: client, inmem: inmem}, nil
}

// Default returns the process-wide recorder
func Default() *Recorder {
	return current.Load()
}

// SetDefault replaces the process-wide recorder
func SetDefault(r *Recorder) {
	if r != nil {
		current.Store(r)
	}
}

// Inmem exposes the backing sink, e.g. for an HTTP dump
func (r *Recorder) Inmem() *metrics.InmemSink {
	return r.inmem
}

// DumpOnSignal writes the current metrics to w on SIGUSR1 until stop is called
func (r *Recorder) DumpOnSignal(w io.Writer) (stop func()) {
	return metrics.NewInmemSignal(r.inmem, metrics.DefaultSignal, w).Stop
}

// IncrCounter adds val to a counter
func (r *Recorder) IncrCounter(key []string, val float32, labels ...Label) {
	r.client.IncrCounterWithLabels(key, val, convertLabels(labels))
}

// SetGauge sets a gauge
func (r *Recorder) SetGauge(key []string, val float32, labels ...Label) {
	r.client.SetGaugeWithLabels(key, val, convertLabels(labels))
}

// MeasureSince records the elapsed time since start as a sample
func (r *Recorder) MeasureSince(key []string, start time.Time, labels ...Label) {
	r.client.MeasureSinceWithLabels(key, start, convertLabels(labels))
}

// Counter sums a counter across retained intervals. name is the flattened
// key including the service prefix and labels, e.g. "bridge.fanout.failed;sink=dd".
func (r *Recorder) Counter(name string) float64 {
	var total float64
	for _, interval := range r.inmem.Data() {
		interval.RLock()
		if v, ok := interval.Counters[name]; ok && v.AggregateSample != nil {
			total += v.Sum
		}
		interval.RUnlock()
	}
	return total
}

// IncrCounter adds val to a counter on the default recorder
func IncrCounter(key []string, val float32, labels ...Label) {
	Default().IncrCounter(key, val, labels...)
}

// SetGauge sets a gauge on the default recorder
func SetGauge(key []string, val float32, labels ...Label) {
	Default().SetGauge(key, val, labels...)
}

// MeasureSince records elapsed time on the default recorder
func MeasureSince(key []string, start time.Time, labels ...Label) {
	Default().MeasureSince(key, start, labels...)
}

// RecordError counts a pipeline error by kind
func RecordError(kind string) {
	Default().IncrCounter([]string{"errors"}, 1, Label{Name: "kind", Value: kind})
}

func convertLabels(labels []Label) []metrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]metrics.Label, len(labels))
	for i, l := range labels {
		out[i] = metrics.Label{Name: l.Name, Value: l.Value}
	}
	return out
}
