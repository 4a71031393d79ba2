//go:build !windows

package telemetry

import (
	"bytes"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecorder_DumpOnSignal(t *testing.T) {
	r, err := New(time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.IncrCounter([]string{"ingest", "requests"}, 1)

	var out lockedBuffer
	stop := r.DumpOnSignal(&out)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "bridge.ingest.requests") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dump missing counter: %q", out.String())
}
