package translator

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/selivandex/telemetry-bridge/pkg/models"
)

func u64(v uint64) *uint64 { return &v }

func f64(v float64) *float64 { return &v }

func single(m models.Metric) *models.Snapshot {
	return &models.Snapshot{Scopes: []models.ScopeMetrics{{Name: "test", Metrics: []models.Metric{m}}}}
}

var ignoreTime = cmpopts.IgnoreFields(models.MetricPayload{}, "Timestamp")

func TestTranslate_SumAndGauge(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := &models.Snapshot{Scopes: []models.ScopeMetrics{{
		Name: "example",
		Metrics: []models.Metric{
			{
				Descriptor: models.MetricDescriptor{Name: "requests", Kind: models.KindSum},
				Points: []models.DataPoint{
					{Value: 3, Tags: map[string]any{"environment": "staging"}, Time: ts},
					{Value: 4, Tags: map[string]any{"environment": "prod"}, Time: ts},
				},
			},
			{
				Descriptor: models.MetricDescriptor{Name: "queue_depth", Kind: models.KindGauge},
				Points:     []models.DataPoint{{Value: 17.5, Tags: map[string]any{}, Time: ts}},
			},
		},
	}}}

	got := Translate(snap, Options{})
	want := []models.MetricPayload{
		{Type: models.TypeCount, Name: "requests", Value: 3, Tags: map[string]string{"environment": "staging"}, Timestamp: ts},
		{Type: models.TypeCount, Name: "requests", Value: 4, Tags: map[string]string{"environment": "prod"}, Timestamp: ts},
		{Type: models.TypeGauge, Name: "queue_depth", Value: 17.5, Tags: map[string]string{}, Timestamp: ts},
	}
	if diff := cmp.Diff(want, got.Payloads); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
	if len(got.Skipped) != 0 {
		t.Errorf("expected nothing skipped, got %v", got.Skipped)
	}
}

func TestTranslate_Histogram(t *testing.T) {
	t.Run("sum and count", func(t *testing.T) {
		snap := single(models.Metric{
			Descriptor: models.MetricDescriptor{Name: "latency", Kind: models.KindHistogram},
			Points:     []models.DataPoint{{Sum: f64(42), Count: u64(7), Tags: map[string]any{"route": "/"}}},
		})
		got := Translate(snap, Options{})
		want := []models.MetricPayload{
			{Type: models.TypeGauge, Name: "latency_sum", Value: 42, Tags: map[string]string{"route": "/"}},
			{Type: models.TypeCount, Name: "latency_count", Value: 7, Tags: map[string]string{"route": "/"}},
		}
		if diff := cmp.Diff(want, got.Payloads, ignoreTime); diff != "" {
			t.Errorf("payloads mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("count absent", func(t *testing.T) {
		snap := single(models.Metric{
			Descriptor: models.MetricDescriptor{Name: "latency", Kind: models.KindHistogram},
			Points:     []models.DataPoint{{Sum: f64(42)}},
		})
		got := Translate(snap, Options{})
		if len(got.Payloads) != 1 {
			t.Fatalf("expected 1 payload, got %d", len(got.Payloads))
		}
		if got.Payloads[0].Name != "latency_sum" || got.Payloads[0].Type != models.TypeGauge {
			t.Errorf("unexpected payload %+v", got.Payloads[0])
		}
	})

	t.Run("sum absent", func(t *testing.T) {
		snap := single(models.Metric{
			Descriptor: models.MetricDescriptor{Name: "latency", Kind: models.KindHistogram},
			Points:     []models.DataPoint{{Count: u64(2)}},
		})
		got := Translate(snap, Options{})
		if len(got.Payloads) != 1 || got.Payloads[0].Name != "latency_count" {
			t.Fatalf("expected only latency_count, got %+v", got.Payloads)
		}
	})

	t.Run("buckets mode", func(t *testing.T) {
		snap := single(models.Metric{
			Descriptor: models.MetricDescriptor{Name: "latency", Kind: models.KindHistogram},
			Points: []models.DataPoint{{
				Sum:          f64(10),
				Count:        u64(6),
				Bounds:       []float64{0.5, 1},
				BucketCounts: []uint64{1, 2, 3},
			}},
		})
		got := Translate(snap, Options{Histogram: HistogramBuckets})
		want := []models.MetricPayload{
			{Type: models.TypeGauge, Name: "latency_sum", Value: 10, Tags: map[string]string{}},
			{Type: models.TypeCount, Name: "latency_count", Value: 6, Tags: map[string]string{}},
			{Type: models.TypeCount, Name: "latency_bucket", Value: 1, Tags: map[string]string{"le": "0.5"}},
			{Type: models.TypeCount, Name: "latency_bucket", Value: 3, Tags: map[string]string{"le": "1"}},
			{Type: models.TypeCount, Name: "latency_bucket", Value: 6, Tags: map[string]string{"le": "+Inf"}},
		}
		if diff := cmp.Diff(want, got.Payloads, ignoreTime); diff != "" {
			t.Errorf("payloads mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestTranslate_Prefix(t *testing.T) {
	snap := single(models.Metric{
		Descriptor: models.MetricDescriptor{Name: "requests", Kind: models.KindSum},
		Points:     []models.DataPoint{{Value: 1}},
	})

	got := Translate(snap, Options{Prefix: "worker."})
	if got.Payloads[0].Name != "worker.requests" {
		t.Errorf("expected prefixed name, got %q", got.Payloads[0].Name)
	}

	got = Translate(snap, Options{})
	if got.Payloads[0].Name != "requests" {
		t.Errorf("expected bare name, got %q", got.Payloads[0].Name)
	}
}

func TestTranslate_TagStringification(t *testing.T) {
	snap := single(models.Metric{
		Descriptor: models.MetricDescriptor{Name: "g", Kind: models.KindGauge},
		Points: []models.DataPoint{{
			Value: 1,
			Tags: map[string]any{
				"count":   5,
				"enabled": true,
				"ratio":   1.5,
				"big":     int64(9007199254740993),
				"name":    "edge",
				"list":    []string{"a", "b"},
			},
		}},
	})

	got := Translate(snap, Options{}).Payloads[0].Tags
	want := map[string]string{
		"count":   "5",
		"enabled": "true",
		"ratio":   "1.5",
		"big":     "9007199254740993",
		"name":    "edge",
		"list":    "a,b",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslate_UnknownKindSkipped(t *testing.T) {
	snap := &models.Snapshot{Scopes: []models.ScopeMetrics{{
		Name: "s",
		Metrics: []models.Metric{
			{Descriptor: models.MetricDescriptor{Name: "exp", Kind: models.KindExponentialHistogram}, Points: []models.DataPoint{{Value: 1}, {Value: 2}}},
			{Descriptor: models.MetricDescriptor{Name: "ok", Kind: models.KindGauge}, Points: []models.DataPoint{{Value: 2}}},
		},
	}}}

	got := Translate(snap, Options{})
	if len(got.Payloads) != 1 || got.Payloads[0].Name != "ok" {
		t.Errorf("expected only the gauge payload, got %+v", got.Payloads)
	}
	want := []Skip{{Scope: "s", Metric: "exp", Kind: models.KindExponentialHistogram, Reason: "unsupported kind"}}
	if diff := cmp.Diff(want, got.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslate_DoesNotMutateSnapshot(t *testing.T) {
	tags := map[string]any{"k": 1}
	snap := single(models.Metric{
		Descriptor: models.MetricDescriptor{Name: "g", Kind: models.KindGauge},
		Points:     []models.DataPoint{{Value: 1, Tags: tags}},
	})

	got := Translate(snap, Options{Prefix: "p_"})
	got.Payloads[0].Tags["extra"] = "x"

	if snap.Scopes[0].Metrics[0].Descriptor.Name != "g" {
		t.Error("descriptor name was modified")
	}
	if len(tags) != 1 || tags["k"] != 1 {
		t.Errorf("source tags were modified: %v", tags)
	}
}

func TestTranslate_NilAndEmpty(t *testing.T) {
	if got := Translate(nil, Options{}); len(got.Payloads) != 0 {
		t.Errorf("nil snapshot produced payloads: %v", got.Payloads)
	}

	snap := single(models.Metric{Descriptor: models.MetricDescriptor{Kind: models.KindSum}, Points: []models.DataPoint{{Value: 1}}})
	got := Translate(snap, Options{})
	if len(got.Payloads) != 0 || len(got.Skipped) != 1 {
		t.Errorf("empty name should be skipped, got %+v", got)
	}
}

func TestParseHistogramMode(t *testing.T) {
	cases := map[string]HistogramMode{"": HistogramAggregate, "aggregate": HistogramAggregate, "buckets": HistogramBuckets}
	for in, want := range cases {
		got, err := ParseHistogramMode(in)
		if err != nil || got != want {
			t.Errorf("ParseHistogramMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseHistogramMode("quantiles"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string slice", []string{"a", "b"}, "a,b"},
		{"int64 slice", []int64{1, 2}, "1,2"},
		{"float slice", []float64{0.5, 2}, "0.5,2"},
		{"bool slice", []bool{true, false}, "true,false"},
		{"any slice", []any{"x", int64(3), nil}, "x,3,"},
		{"empty slice", []string{}, ""},
		{"small float", 0.000001, "0.000001"},
		{"tiny float", 1e-7, "1e-7"},
		{"tiny fraction", 1.5e-7, "1.5e-7"},
		{"large float", 1e20, "100000000000000000000"},
		{"huge float", 1e21, "1e+21"},
		{"integral float", 3.0, "3"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"nan", math.NaN(), "NaN"},
		{"inf", math.Inf(1), "Infinity"},
		{"negative inf", math.Inf(-1), "-Infinity"},
		{"float32", float32(0.1), "0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.in); got != tt.want {
				t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
