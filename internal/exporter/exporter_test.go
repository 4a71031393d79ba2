package exporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/selivandex/telemetry-bridge/internal/registry"
	"github.com/selivandex/telemetry-bridge/internal/translator"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

type collected struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (c *collected) handle(_ context.Context, env models.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *collected) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.envs))
	for _, env := range c.envs {
		out = append(out, env.Metric.Name)
	}
	return out
}

var ts = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func snapshot() *models.Snapshot {
	return &models.Snapshot{Scopes: []models.ScopeMetrics{{
		Name: "app",
		Metrics: []models.Metric{
			{
				Descriptor: models.MetricDescriptor{Name: "requests", Kind: models.KindSum},
				Points:     []models.DataPoint{{Value: 3, Time: ts}},
			},
			{
				Descriptor: models.MetricDescriptor{Name: "latency", Kind: models.KindHistogram},
				Points: []models.DataPoint{{
					Count: u64(2),
					Sum:   f64(0.5),
					Time:  ts,
				}},
			},
			{
				Descriptor: models.MetricDescriptor{Name: "ignored", Kind: models.KindSummary},
				Points:     []models.DataPoint{{Value: 1, Time: ts}},
			},
		},
	}}}
}

func u64(v uint64) *uint64 { return &v }

func f64(v float64) *float64 { return &v }

func TestExporter_PublishesInOrder(t *testing.T) {
	ch := transport.New[models.Envelope]("telemetry")
	got := &collected{}
	ch.Subscribe(got.handle)

	exp := New(registry.Func(func(context.Context) (*models.Snapshot, error) {
		return snapshot(), nil
	}), ch, Options{Translate: translator.Options{Prefix: "svc."}})

	if err := exp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	want := []string{"svc.requests", "svc.latency_sum", "svc.latency_count"}
	if diff := cmp.Diff(want, got.names()); diff != "" {
		t.Errorf("published names (-want +got):\n%s", diff)
	}
	for _, env := range got.envs {
		if env.Kind != models.KindMetric {
			t.Errorf("kind = %s", env.Kind)
		}
	}
}

func TestExporter_CollectionFailurePublishesNothing(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger.SetLogger(zap.New(core))
	defer logger.SetLogger(zap.NewNop())

	ch := transport.New[models.Envelope]("telemetry")
	got := &collected{}
	ch.Subscribe(got.handle)

	exp := New(registry.Func(func(context.Context) (*models.Snapshot, error) {
		return nil, errors.New("reader is shut down")
	}), ch, Options{})

	err := exp.ForceFlush(context.Background())
	if !errors.Is(err, models.ErrCollectionFailed) {
		t.Fatalf("err = %v, want ErrCollectionFailed", err)
	}
	if n := len(got.names()); n != 0 {
		t.Errorf("published %d envelopes on failure", n)
	}

	entries := logs.FilterField(zap.String("error_kind", string(models.ErrorCollectionFailed))).All()
	if len(entries) != 1 {
		t.Errorf("expected one CollectionFailed log entry, got %d", len(entries))
	}
}

func TestExporter_KeepsWrappedCollectionError(t *testing.T) {
	wrapped := errors.Join(models.ErrCollectionFailed, errors.New("boom"))
	exp := New(registry.Func(func(context.Context) (*models.Snapshot, error) {
		return nil, wrapped
	}), transport.New[models.Envelope]("telemetry"), Options{})

	if err := exp.ForceFlush(context.Background()); err != wrapped {
		t.Errorf("err = %v, want the registry error unchanged", err)
	}
}

func TestExporter_Shutdown(t *testing.T) {
	ch := transport.New[models.Envelope]("telemetry")
	got := &collected{}
	ch.Subscribe(got.handle)

	calls := 0
	exp := New(registry.Func(func(context.Context) (*models.Snapshot, error) {
		calls++
		return snapshot(), nil
	}), ch, Options{})

	if err := exp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if calls != 1 {
		t.Errorf("final flush collected %d times", calls)
	}
	if err := exp.ForceFlush(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("ForceFlush after shutdown = %v", err)
	}
	if err := exp.Run(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Run after shutdown = %v", err)
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if calls != 1 {
		t.Errorf("collected %d times, want 1", calls)
	}
}

func TestExporter_NilSnapshot(t *testing.T) {
	exp := New(registry.Func(func(context.Context) (*models.Snapshot, error) {
		return nil, nil
	}), transport.New[models.Envelope]("telemetry"), Options{})

	if err := exp.ForceFlush(context.Background()); err != nil {
		t.Errorf("ForceFlush: %v", err)
	}
	if exp.Name() != "exporter" {
		t.Errorf("Name = %s", exp.Name())
	}
}
