package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selivandex/telemetry-bridge/pkg/models"
)

type fakeSink struct {
	name    string
	err     error
	delay   time.Duration
	panics  bool
	timeout time.Duration

	mu       sync.Mutex
	received [][]string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(ctx context.Context, items []string) error {
	if s.panics {
		panic("sink bug")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.received = append(s.received, items)
	s.mu.Unlock()
	return s.err
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type timeoutSink struct {
	fakeSink
}

func (s *timeoutSink) Timeout() time.Duration { return s.timeout }

func batchOf(items ...string) models.Batch[string] {
	return models.Batch[string]{Items: items, Reason: models.ReasonForced, CreatedAt: time.Now()}
}

func TestForward_IsolatesFailingSink(t *testing.T) {
	first := &fakeSink{name: "first"}
	second := &fakeSink{name: "second", err: errors.New("backend down")}
	third := &fakeSink{name: "third"}

	report := Forward(context.Background(), batchOf("a", "b"),
		[]Sink[string]{first, second, third}, Options{Timeout: time.Second})

	if first.calls() != 1 || third.calls() != 1 {
		t.Errorf("healthy sinks calls = %d, %d", first.calls(), third.calls())
	}
	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(report.Outcomes))
	}
	for i, name := range []string{"first", "second", "third"} {
		if report.Outcomes[i].Sink != name || report.Outcomes[i].Items != 2 {
			t.Errorf("outcome %d = %+v", i, report.Outcomes[i])
		}
	}

	failed := report.Failed()
	if len(failed) != 1 || failed[0].Sink != "second" {
		t.Fatalf("failed = %+v", failed)
	}
	if !errors.Is(report.Err(), models.ErrSinkDeliveryFailed) {
		t.Errorf("Err() = %v, want ErrSinkDeliveryFailed", report.Err())
	}
}

func TestForward_SlowSinkBoundedByTimeout(t *testing.T) {
	fast := &fakeSink{name: "fast"}
	slow := &fakeSink{name: "slow", delay: time.Minute}

	start := time.Now()
	report := Forward(context.Background(), batchOf("a"),
		[]Sink[string]{fast, slow}, Options{Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Forward took %v, expected to be bounded by the sink timeout", elapsed)
	}
	if fast.calls() != 1 {
		t.Error("fast sink not delivered")
	}
	if err := report.Outcomes[1].Err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("slow outcome err = %v, want deadline exceeded", err)
	}
}

func TestForward_ConcurrentDelivery(t *testing.T) {
	sinks := []Sink[string]{
		&fakeSink{name: "a", delay: 40 * time.Millisecond},
		&fakeSink{name: "b", delay: 40 * time.Millisecond},
		&fakeSink{name: "c", delay: 40 * time.Millisecond},
	}

	start := time.Now()
	report := Forward(context.Background(), batchOf("x"), sinks, Options{})
	elapsed := time.Since(start)

	if report.Err() != nil {
		t.Fatalf("unexpected error: %v", report.Err())
	}
	if elapsed > 110*time.Millisecond {
		t.Errorf("sinks appear to run sequentially: %v", elapsed)
	}
}

func TestForward_SinkTimeoutOverride(t *testing.T) {
	sink := &timeoutSink{fakeSink{name: "override", delay: time.Minute, timeout: 20 * time.Millisecond}}

	report := Forward(context.Background(), batchOf("x"), []Sink[string]{sink}, Options{Timeout: time.Hour})

	if !errors.Is(report.Outcomes[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected per-sink timeout to apply, got %v", report.Outcomes[0].Err)
	}
}

func TestForward_RecoversPanic(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", panics: true}

	report := Forward(context.Background(), batchOf("x"), []Sink[string]{bad, ok}, Options{})

	if ok.calls() != 1 {
		t.Error("healthy sink skipped after panic")
	}
	if !errors.Is(report.Outcomes[0].Err, models.ErrSinkDeliveryFailed) {
		t.Errorf("panic outcome = %v", report.Outcomes[0].Err)
	}
}

func TestForward_EmptyBatch(t *testing.T) {
	sink := &fakeSink{name: "a"}

	report := Forward(context.Background(), batchOf(), []Sink[string]{sink}, Options{})

	if sink.calls() != 0 {
		t.Error("sink invoked for empty batch")
	}
	if len(report.Outcomes) != 0 || report.Err() != nil {
		t.Errorf("expected empty report, got %+v", report)
	}
}

// stuckSink blocks until released, whatever ctx says
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Name() string { return "stuck" }

func (s *stuckSink) Send(context.Context, []string) error {
	<-s.release
	return nil
}

func TestForward_AbandonsSinkIgnoringContext(t *testing.T) {
	stuck := &stuckSink{release: make(chan struct{})}
	defer close(stuck.release)
	healthy := &fakeSink{name: "healthy"}

	start := time.Now()
	report := Forward(context.Background(), batchOf("a"),
		[]Sink[string]{stuck, healthy}, Options{Timeout: 50 * time.Millisecond})
	took := time.Since(start)

	if took > time.Second {
		t.Fatalf("Forward took %v, want it bounded by the sink timeout", took)
	}
	if healthy.calls() != 1 {
		t.Errorf("healthy sink calls = %d", healthy.calls())
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Sink != "stuck" {
		t.Fatalf("failed = %+v", failed)
	}
	if !errors.Is(failed[0].Err, models.ErrSinkDeliveryFailed) || !errors.Is(failed[0].Err, context.DeadlineExceeded) {
		t.Errorf("err = %v", failed[0].Err)
	}
}

func TestForward_CallerContextBoundsStuckSink(t *testing.T) {
	stuck := &stuckSink{release: make(chan struct{})}
	defer close(stuck.release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	report := Forward(ctx, batchOf("a"), []Sink[string]{stuck}, Options{})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Forward took %v", took)
	}
	if err := report.Err(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
