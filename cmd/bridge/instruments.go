package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/selivandex/telemetry-bridge/internal/aggregator"
)

// registerInstruments reports the bridge's own buffer state through the
// same meter provider the exporter collects from
func registerInstruments(agg *aggregator.Aggregator) error {
	meter := otel.Meter(serviceName)

	pending, err := meter.Int64ObservableGauge("bridge.pending",
		metric.WithDescription("Items buffered and not yet flushed"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	flushed, err := meter.Int64ObservableCounter("bridge.flushed",
		metric.WithDescription("Items flushed to sinks"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for kind, n := range agg.Pending() {
			o.ObserveInt64(pending, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
		for kind, st := range agg.Stats() {
			o.ObserveInt64(flushed, int64(st.ItemsFlushed), metric.WithAttributes(attribute.String("kind", kind)))
		}
		return nil
	}, pending, flushed)
	return err
}
