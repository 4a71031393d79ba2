package telemetry

import (
	"testing"
	"time"
)

func TestRecorder_Counter(t *testing.T) {
	r, err := New(time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.IncrCounter([]string{"fanout", "failed"}, 1, Label{Name: "sink", Value: "dd"})
	r.IncrCounter([]string{"fanout", "failed"}, 2, Label{Name: "sink", Value: "dd"})
	r.IncrCounter([]string{"fanout", "failed"}, 5, Label{Name: "sink", Value: "otlp"})

	if got := r.Counter("bridge.fanout.failed;sink=dd"); got != 3 {
		t.Errorf("dd counter = %v, want 3", got)
	}
	if got := r.Counter("bridge.fanout.failed;sink=otlp"); got != 5 {
		t.Errorf("otlp counter = %v, want 5", got)
	}
	if got := r.Counter("bridge.fanout.failed;sink=missing"); got != 0 {
		t.Errorf("missing counter = %v, want 0", got)
	}
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	r, err := New(time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	SetDefault(r)
	RecordError("CollectionFailed")

	if got := r.Counter("bridge.errors;kind=CollectionFailed"); got != 1 {
		t.Errorf("errors counter = %v, want 1", got)
	}

	SetDefault(nil)
	if Default() != r {
		t.Error("SetDefault(nil) must keep the current recorder")
	}
}
