// Package batcher accumulates payloads and flushes them on size or age.
package batcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// ErrClosed is returned by Add after Close
var ErrClosed = errors.New("batcher closed")

const (
	defaultMaxBufferSize = 10
	defaultFlushTimeout  = 30 * time.Second
)

// FlushFunc receives ownership of a batch. It must not retain the items.
type FlushFunc[T any] func(ctx context.Context, batch models.Batch[T])

// Config configures one batcher
type Config struct {
	Name              string
	MaxBufferSize     int           // Flush when buffer reaches this size
	MaxBufferDuration time.Duration // Flush this long after the first pending item; 0 disables
	FlushTimeout      time.Duration // Deadline for size and timer flushes
}

// Stats counts flushes since construction
type Stats struct {
	SizeFlushes   int64
	TimerFlushes  int64
	ForcedFlushes int64
	ItemsFlushed  int64
}

// Batcher buffers items of one kind. The buffer is EMPTY (nothing pending,
// no timer) or ACCUMULATING (items pending, timer armed when a duration is set).
type Batcher[T any] struct {
	cfg   Config
	flush FlushFunc[T]

	mu     sync.Mutex
	buffer []T
	timer  *time.Timer
	gen    uint64
	closed bool

	inflight tracker

	sizeFlushes   atomic.Int64
	timerFlushes  atomic.Int64
	forcedFlushes atomic.Int64
	itemsFlushed  atomic.Int64
}

// New creates a batcher handing every batch to flush
func New[T any](cfg Config, flush FlushFunc[T]) *Batcher[T] {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = defaultMaxBufferSize
	}
	if cfg.MaxBufferDuration < 0 {
		cfg.MaxBufferDuration = 0
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}

	logger.Info("batcher initialized",
		zap.String("batcher", cfg.Name),
		zap.Int("max_buffer_size", cfg.MaxBufferSize),
		zap.Duration("max_buffer_duration", cfg.MaxBufferDuration),
	)

	return &Batcher[T]{
		cfg:    cfg,
		flush:  flush,
		buffer: make([]T, 0, cfg.MaxBufferSize),
	}
}

// Name returns the configured name
func (b *Batcher[T]) Name() string {
	return b.cfg.Name
}

// Add appends item. Reaching MaxBufferSize flushes in the background.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	b.buffer = append(b.buffer, item)

	if len(b.buffer) >= b.cfg.MaxBufferSize {
		batch := b.takeLocked(models.ReasonSize)
		b.inflight.add()
		b.mu.Unlock()

		go func() {
			defer b.inflight.done()
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
			defer cancel()
			b.run(ctx, batch)
		}()
		return nil
	}

	if len(b.buffer) == 1 && b.cfg.MaxBufferDuration > 0 {
		gen := b.gen
		b.timer = time.AfterFunc(b.cfg.MaxBufferDuration, func() { b.expire(gen) })
	}
	b.mu.Unlock()
	return nil
}

// ForceFlush drains pending items immediately, bypassing the timer, and blocks
// until that flush and every in-flight background flush finish or ctx ends.
// It returns the number of items it flushed itself; 0 means nothing was pending.
func (b *Batcher[T]) ForceFlush(ctx context.Context) (int, error) {
	b.mu.Lock()
	var batch models.Batch[T]
	pending := len(b.buffer) > 0
	if pending {
		batch = b.takeLocked(models.ReasonForced)
		b.inflight.add()
	}
	b.mu.Unlock()

	if pending {
		go func() {
			defer b.inflight.done()
			b.run(ctx, batch)
		}()
	}

	select {
	case <-b.inflight.idle():
		return batch.Len(), nil
	case <-ctx.Done():
		return batch.Len(), ctx.Err()
	}
}

// Close stops accepting items and force-flushes what is left
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	_, err := b.ForceFlush(ctx)
	return err
}

// Len returns the number of pending items
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats returns flush counters
func (b *Batcher[T]) Stats() Stats {
	return Stats{
		SizeFlushes:   b.sizeFlushes.Load(),
		TimerFlushes:  b.timerFlushes.Load(),
		ForcedFlushes: b.forcedFlushes.Load(),
		ItemsFlushed:  b.itemsFlushed.Load(),
	}
}

// expire runs on the timer goroutine. A timer from an older generation has
// already lost its buffer to a size or forced flush.
func (b *Batcher[T]) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(models.ReasonTimer)
	b.inflight.add()
	b.mu.Unlock()

	defer b.inflight.done()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()
	b.run(ctx, batch)
}

// takeLocked swaps the buffer out and returns to EMPTY, releasing the timer
func (b *Batcher[T]) takeLocked(reason models.FlushReason) models.Batch[T] {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++

	items := b.buffer
	b.buffer = make([]T, 0, b.cfg.MaxBufferSize)

	return models.Batch[T]{Items: items, Reason: reason, CreatedAt: time.Now()}
}

func (b *Batcher[T]) run(ctx context.Context, batch models.Batch[T]) {
	switch batch.Reason {
	case models.ReasonSize:
		b.sizeFlushes.Add(1)
	case models.ReasonTimer:
		b.timerFlushes.Add(1)
	case models.ReasonForced:
		b.forcedFlushes.Add(1)
	}
	b.itemsFlushed.Add(int64(batch.Len()))

	logger.Debug("batch flush triggered",
		zap.String("batcher", b.cfg.Name),
		zap.String("reason", string(batch.Reason)),
		zap.Int("items", batch.Len()),
	)
	telemetry.IncrCounter([]string{"batcher", "flush"}, 1,
		telemetry.Label{Name: "kind", Value: b.cfg.Name},
		telemetry.Label{Name: "reason", Value: string(batch.Reason)},
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("flush function panicked",
				zap.String("batcher", b.cfg.Name),
				zap.Any("panic", r),
			)
		}
	}()
	b.flush(ctx, batch)
}

// tracker counts in-flight flushes. Unlike sync.WaitGroup it can be waited
// on with a context while new flushes keep starting.
type tracker struct {
	mu     sync.Mutex
	n      int
	idleCh chan struct{}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idleCh = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idleCh)
	}
}

func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return closedCh
	}
	return t.idleCh
}
