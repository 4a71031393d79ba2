package models

import (
	"fmt"
	"strings"
	"time"
)

// PayloadType is the backend-agnostic metric type carried across the transport
type PayloadType string

const (
	TypeCount PayloadType = "COUNT"
	TypeGauge PayloadType = "GAUGE"
)

// Valid reports whether t is one of the known payload types
func (t PayloadType) Valid() bool {
	return t == TypeCount || t == TypeGauge
}

// MetricPayload is a single translated metric reading
type MetricPayload struct {
	Type      PayloadType       `json:"type" cbor:"type"`
	Name      string            `json:"name" cbor:"name"`
	Value     float64           `json:"value" cbor:"value"`
	Tags      map[string]string `json:"tags" cbor:"tags"`
	Timestamp time.Time         `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// Validate checks payload invariants
func (p MetricPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("metric name is empty")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("metric %q has unknown type %q", p.Name, p.Type)
	}
	return nil
}

// TimeOr returns the payload timestamp, or fallback when unset
func (p MetricPayload) TimeOr(fallback time.Time) time.Time {
	if p.Timestamp.IsZero() {
		return fallback
	}
	return p.Timestamp
}

// LogPayload is an opaque structured log record. The pipeline never mutates it.
type LogPayload map[string]any

// Level returns the record's level, lower-cased, or "info" when missing
func (l LogPayload) Level() string {
	for _, key := range []string{"level", "severity", "lvl"} {
		if v, ok := l[key].(string); ok && v != "" {
			return strings.ToLower(v)
		}
	}
	return "info"
}

// Message returns the record's message, or an empty string
func (l LogPayload) Message() string {
	for _, key := range []string{"message", "msg"} {
		if v, ok := l[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Time returns the record's timestamp when one can be parsed
func (l LogPayload) Time() (time.Time, bool) {
	for _, key := range []string{"timestamp", "ts", "time"} {
		switch v := l[key].(type) {
		case time.Time:
			return v, true
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, true
			}
		case float64:
			// epoch milliseconds, as emitted by JS runtimes
			return time.UnixMilli(int64(v)), true
		case int64:
			return time.UnixMilli(v), true
		case uint64:
			return time.UnixMilli(int64(v)), true
		}
	}
	return time.Time{}, false
}

// Attributes returns every key except the ones surfaced by Level, Message and Time
func (l LogPayload) Attributes() map[string]any {
	attrs := make(map[string]any, len(l))
	for k, v := range l {
		switch k {
		case "level", "severity", "lvl", "message", "msg", "timestamp", "ts", "time":
			continue
		}
		attrs[k] = v
	}
	return attrs
}

// EnvelopeKind tells which payload an Envelope carries
type EnvelopeKind string

const (
	KindMetric EnvelopeKind = "metric"
	KindLog    EnvelopeKind = "log"
)

// Envelope is the unit published on the transport channel and accepted by ingest
type Envelope struct {
	Kind   EnvelopeKind   `json:"kind" cbor:"kind"`
	Metric *MetricPayload `json:"metric,omitempty" cbor:"metric,omitempty"`
	Log    LogPayload     `json:"log,omitempty" cbor:"log,omitempty"`
}

// MetricEnvelope wraps a metric payload
func MetricEnvelope(p MetricPayload) Envelope {
	return Envelope{Kind: KindMetric, Metric: &p}
}

// LogEnvelope wraps a log record
func LogEnvelope(l LogPayload) Envelope {
	return Envelope{Kind: KindLog, Log: l}
}

// Validate checks that the envelope carries what its kind says
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindMetric:
		if e.Metric == nil {
			return fmt.Errorf("metric envelope has no metric")
		}
		return e.Metric.Validate()
	case KindLog:
		if e.Log == nil {
			return fmt.Errorf("log envelope has no record")
		}
		return nil
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}

// FlushReason records what caused a batch to be flushed
type FlushReason string

const (
	ReasonSize   FlushReason = "size"
	ReasonTimer  FlushReason = "timer"
	ReasonForced FlushReason = "forced"
)

// Batch is an ordered group of payloads of one kind, flushed together
type Batch[T any] struct {
	Items     []T
	Reason    FlushReason
	CreatedAt time.Time
}

// Len returns the number of items in the batch
func (b Batch[T]) Len() int {
	return len(b.Items)
}
