// Package aggregator batches metric and log payloads and fans each batch out
// to the sinks configured for its kind.
package aggregator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/batcher"
	"github.com/selivandex/telemetry-bridge/internal/fanout"
	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// Sinks groups sinks by payload kind
type Sinks struct {
	Metrics []fanout.Sink[models.MetricPayload]
	Logs    []fanout.Sink[models.LogPayload]
}

// Options configures the two batchers and fan-out
type Options struct {
	Metrics     batcher.Config
	Logs        batcher.Config
	SinkTimeout time.Duration
}

// Aggregator owns one batcher per kind. Metrics and logs never share a batch.
type Aggregator struct {
	sinks   Sinks
	opts    Options
	metrics *batcher.Batcher[models.MetricPayload]
	logs    *batcher.Batcher[models.LogPayload]

	mu   sync.Mutex
	subs []*transport.Subscription[models.Envelope]
}

// New creates an aggregator
func New(sinks Sinks, opts Options) *Aggregator {
	if opts.Metrics.Name == "" {
		opts.Metrics.Name = "metrics"
	}
	if opts.Logs.Name == "" {
		opts.Logs.Name = "logs"
	}

	a := &Aggregator{sinks: sinks, opts: opts}
	a.metrics = batcher.New(opts.Metrics, deliver(sinks.Metrics, opts.SinkTimeout))
	a.logs = batcher.New(opts.Logs, deliver(sinks.Logs, opts.SinkTimeout))

	logger.Info("aggregator initialized",
		zap.Int("metric_sinks", len(sinks.Metrics)),
		zap.Int("log_sinks", len(sinks.Logs)),
	)
	return a
}

func deliver[T any](sinks []fanout.Sink[T], timeout time.Duration) batcher.FlushFunc[T] {
	return func(ctx context.Context, batch models.Batch[T]) {
		report := fanout.Forward(ctx, batch, sinks, fanout.Options{Timeout: timeout})
		if failed := report.Failed(); len(failed) > 0 {
			logger.Warn("batch delivery incomplete",
				zap.String("reason", string(batch.Reason)),
				zap.Int("items", batch.Len()),
				zap.Int("failed_sinks", len(failed)),
				zap.Int("sinks", len(sinks)),
			)
		}
	}
}

// Subscribe routes envelopes published on ch into the batchers
func (a *Aggregator) Subscribe(ch *transport.Channel[models.Envelope]) {
	sub := ch.Subscribe(a.Handle)

	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
}

// Handle is the transport handler. Invalid envelopes are rejected with an error.
func (a *Aggregator) Handle(_ context.Context, env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	switch env.Kind {
	case models.KindMetric:
		return a.IngestMetric(*env.Metric)
	default:
		return a.IngestLog(env.Log)
	}
}

// IngestMetric buffers one metric payload
func (a *Aggregator) IngestMetric(p models.MetricPayload) error {
	if err := a.metrics.Add(p); err != nil {
		return fmt.Errorf("metric %s not buffered: %w", p.Name, err)
	}
	return nil
}

// IngestLog buffers one log record
func (a *Aggregator) IngestLog(l models.LogPayload) error {
	if err := a.logs.Add(l); err != nil {
		return fmt.Errorf("log record not buffered: %w", err)
	}
	return nil
}

// FlushResult counts items drained by ForceFlush
type FlushResult struct {
	Metrics int `json:"metrics"`
	Logs    int `json:"logs"`
}

// ForceFlush drains both batchers concurrently and waits for delivery
func (a *Aggregator) ForceFlush(ctx context.Context) (FlushResult, error) {
	var (
		res          FlushResult
		metErr, lErr error
		wg           sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Metrics, metErr = a.metrics.ForceFlush(ctx)
	}()
	go func() {
		defer wg.Done()
		res.Logs, lErr = a.logs.ForceFlush(ctx)
	}()
	wg.Wait()

	var result *multierror.Error
	if metErr != nil {
		result = multierror.Append(result, fmt.Errorf("metrics: %w", metErr))
	}
	if lErr != nil {
		result = multierror.Append(result, fmt.Errorf("logs: %w", lErr))
	}
	a.recordPending()
	return res, result.ErrorOrNil()
}

// Shutdown unsubscribes, drains both batchers and closes sinks that hold resources
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	var result *multierror.Error
	if err := a.metrics.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
	}
	if err := a.logs.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("logs: %w", err))
	}

	for _, s := range a.sinks.Metrics {
		result = closeSink(result, s.Name(), s)
	}
	for _, s := range a.sinks.Logs {
		result = closeSink(result, s.Name(), s)
	}

	logger.Info("aggregator stopped", zap.Error(result.ErrorOrNil()))
	return result.ErrorOrNil()
}

func closeSink(result *multierror.Error, name string, s any) *multierror.Error {
	c, ok := s.(io.Closer)
	if !ok {
		return result
	}
	if err := c.Close(); err != nil {
		return multierror.Append(result, fmt.Errorf("close sink %s: %w", name, err))
	}
	return result
}

// Pending returns buffered item counts by kind
func (a *Aggregator) Pending() map[string]int {
	return map[string]int{
		a.metrics.Name(): a.metrics.Len(),
		a.logs.Name():    a.logs.Len(),
	}
}

// Stats returns flush counters by kind
func (a *Aggregator) Stats() map[string]batcher.Stats {
	return map[string]batcher.Stats{
		a.metrics.Name(): a.metrics.Stats(),
		a.logs.Name():    a.logs.Stats(),
	}
}

// HealthCheck probes one sink
type HealthCheck = func(ctx context.Context) error

type healthSink interface {
	Health(ctx context.Context) error
}

// HealthChecks returns a check per sink that can report its own health
func (a *Aggregator) HealthChecks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	for _, s := range a.sinks.Metrics {
		if h, ok := s.(healthSink); ok {
			checks[s.Name()] = h.Health
		}
	}
	for _, s := range a.sinks.Logs {
		if h, ok := s.(healthSink); ok {
			checks[s.Name()] = h.Health
		}
	}
	return checks
}

func (a *Aggregator) recordPending() {
	for kind, n := range a.Pending() {
		telemetry.SetGauge([]string{"aggregator", "pending"}, float32(n), telemetry.Label{Name: "kind", Value: kind})
	}
}
