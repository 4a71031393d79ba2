// Package exporter collects registry snapshots, translates them and
// publishes the resulting metric envelopes onto the transport channel.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/registry"
	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/internal/translator"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// ErrShutdown is returned by ForceFlush after Shutdown
var ErrShutdown = errors.New("exporter is shut down")

// Options configures translation of collected snapshots
type Options struct {
	Translate translator.Options
}

// Exporter pulls from a registry on demand. Flushes are serialized.
type Exporter struct {
	reg  registry.Registry
	ch   *transport.Channel[models.Envelope]
	opts Options

	mu     sync.Mutex
	closed bool
}

// New creates an exporter publishing onto ch
func New(reg registry.Registry, ch *transport.Channel[models.Envelope], opts Options) *Exporter {
	return &Exporter{reg: reg, ch: ch, opts: opts}
}

// Name implements worker.Worker
func (e *Exporter) Name() string {
	return "exporter"
}

// Run implements worker.Worker; one run is one flush
func (e *Exporter) Run(ctx context.Context) error {
	return e.ForceFlush(ctx)
}

// ForceFlush collects one snapshot and publishes every translated payload
// in order. A failed collection publishes nothing.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrShutdown
	}
	return e.flush(ctx)
}

// Shutdown performs a final flush. Later flushes return ErrShutdown.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	logger.Info("exporter stopped")
	return nil
}

func (e *Exporter) flush(ctx context.Context) error {
	start := time.Now()

	snap, err := e.reg.Collect(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrCollectionFailed) {
			err = fmt.Errorf("%w: %w", models.ErrCollectionFailed, err)
		}
		logger.Error("metric collection failed",
			zap.String("error_kind", string(models.ErrorCollectionFailed)),
			zap.Error(err),
		)
		telemetry.RecordError(string(models.ErrorCollectionFailed))
		return err
	}

	res := translator.Translate(snap, e.opts.Translate)
	for _, p := range res.Payloads {
		e.ch.Publish(ctx, models.MetricEnvelope(p))
	}

	logger.Debug("snapshot exported",
		zap.String("channel", e.ch.Name()),
		zap.Int("points", snap.PointCount()),
		zap.Int("payloads", len(res.Payloads)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("took", time.Since(start)),
	)
	telemetry.MeasureSince([]string{"exporter", "flush"}, start)
	return nil
}
