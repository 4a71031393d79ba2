// Package fanout delivers one batch to many sinks at once.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// Sink is one telemetry backend. Send must treat items as read-only.
type Sink[T any] interface {
	Name() string
	Send(ctx context.Context, items []T) error
}

// TimeoutSink overrides the fan-out timeout for a single sink
type TimeoutSink interface {
	Timeout() time.Duration
}

// Options configures a Forward call
type Options struct {
	Timeout time.Duration // Per-sink deadline; 0 means only the caller ctx applies
}

// Outcome is the result of one sink delivery
type Outcome struct {
	Sink     string
	Items    int
	Duration time.Duration
	Err      error
}

// Report lists outcomes in sink order
type Report struct {
	Outcomes []Outcome
}

// Failed returns the outcomes with an error
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Err aggregates every failure, or nil when all sinks succeeded
func (r Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %s: %w", o.Sink, o.Err))
		}
	}
	return result.ErrorOrNil()
}

// Forward sends batch to every sink concurrently and waits for all of them.
// A failing, slow or panicking sink never affects the others.
func Forward[T any](ctx context.Context, batch models.Batch[T], sinks []Sink[T], opts Options) Report {
	if batch.Len() == 0 || len(sinks) == 0 {
		return Report{}
	}

	report := Report{Outcomes: make([]Outcome, len(sinks))}

	var wg sync.WaitGroup
	for i, sink := range sinks {
		wg.Add(1)
		go func(i int, sink Sink[T]) {
			defer wg.Done()
			report.Outcomes[i] = deliver(ctx, batch.Items, sink, opts)
		}(i, sink)
	}
	wg.Wait()

	for _, o := range report.Outcomes {
		if o.Err != nil {
			logger.Warn("sink delivery failed",
				zap.String("error_kind", string(models.ErrorSinkDeliveryFailed)),
				zap.String("sink", o.Sink),
				zap.Int("items", o.Items),
				zap.Duration("duration", o.Duration),
				zap.Error(o.Err),
			)
			telemetry.IncrCounter([]string{"fanout", "failed"}, 1, telemetry.Label{Name: "sink", Value: o.Sink})
			telemetry.RecordError(string(models.ErrorSinkDeliveryFailed))
			continue
		}
		logger.Debug("sink delivered",
			zap.String("sink", o.Sink),
			zap.Int("items", o.Items),
			zap.Duration("duration", o.Duration),
		)
		telemetry.IncrCounter([]string{"fanout", "delivered"}, float32(o.Items), telemetry.Label{Name: "sink", Value: o.Sink})
	}

	return report
}

func deliver[T any](ctx context.Context, items []T, sink Sink[T], opts Options) Outcome {
	out := Outcome{Sink: sink.Name(), Items: len(items)}
	start := time.Now()

	timeout := opts.Timeout
	if ts, ok := sink.(TimeoutSink); ok && ts.Timeout() > 0 {
		timeout = ts.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// buffered so a sink that ignores ctx can still finish and exit later
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- sink.Send(ctx, items)
	}()

	select {
	case err := <-result:
		if err != nil {
			out.Err = fmt.Errorf("%w: %w", models.ErrSinkDeliveryFailed, err)
		}
	case <-ctx.Done():
		out.Err = fmt.Errorf("%w: abandoned: %w", models.ErrSinkDeliveryFailed, ctx.Err())
	}
	out.Duration = time.Since(start)
	return out
}
