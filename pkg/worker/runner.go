package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

// Worker interface that background workers should implement
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// Observer is told how each run went
type Observer func(name string, took time.Duration, err error)

// PeriodicWorker wraps a Worker with periodic execution
type PeriodicWorker struct {
	worker     Worker
	interval   time.Duration
	runOnStart bool
	observe    Observer
	wg         sync.WaitGroup
	name       string
}

// Option configures a PeriodicWorker
type Option func(*PeriodicWorker)

// WithRunOnStart runs the worker once before the first tick
func WithRunOnStart() Option {
	return func(pw *PeriodicWorker) { pw.runOnStart = true }
}

// WithObserver reports every run to fn
func WithObserver(fn Observer) Option {
	return func(pw *PeriodicWorker) { pw.observe = fn }
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(worker Worker, interval time.Duration, opts ...Option) *PeriodicWorker {
	pw := &PeriodicWorker{
		worker:   worker,
		interval: interval,
		name:     worker.Name(),
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Name returns the wrapped worker's name
func (pw *PeriodicWorker) Name() string {
	return pw.name
}

// Start starts the worker with graceful shutdown support
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop waits for the run loop to exit after its context is cancelled
func (pw *PeriodicWorker) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("✅ Worker stopped gracefully",
			zap.String("worker", pw.name),
		)
		return nil
	case <-time.After(timeout):
		logger.Warn("⚠️ Worker stop timeout",
			zap.String("worker", pw.name),
		)
		return fmt.Errorf("worker %s did not stop within %s", pw.name, timeout)
	}
}

// run executes worker periodically
func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Info("🚀 Worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	if pw.runOnStart {
		pw.once(ctx)
	}

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Worker stopping",
				zap.String("worker", pw.name),
			)
			return

		case <-ticker.C:
			// Continue despite error - don't crash worker
			pw.once(ctx)
		}
	}
}

func (pw *PeriodicWorker) once(ctx context.Context) {
	start := time.Now()
	err := pw.safeRun(ctx)
	took := time.Since(start)

	if err != nil {
		logger.Error("worker execution failed",
			zap.String("worker", pw.name),
			zap.Duration("took", took),
			zap.Error(err),
		)
	}
	if pw.observe != nil {
		pw.observe(pw.name, took, err)
	}
}

func (pw *PeriodicWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return pw.worker.Run(ctx)
}

// WorkerGroup manages multiple workers with graceful shutdown
type WorkerGroup struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewWorkerGroup creates new worker group
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{
		workers: make([]*PeriodicWorker, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add adds worker to group
func (wg *WorkerGroup) Add(worker Worker, interval time.Duration, opts ...Option) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	wg.workers = append(wg.workers, NewPeriodicWorker(worker, interval, opts...))
}

// Len returns the number of workers in the group
func (wg *WorkerGroup) Len() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return len(wg.workers)
}

// Start starts all workers
func (wg *WorkerGroup) Start() {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, worker := range wg.workers {
		worker.Start(wg.ctx)
	}

	logger.Info("🚀 Worker group started",
		zap.Int("workers", len(wg.workers)),
	)
}

// Stop stops all workers gracefully
func (wg *WorkerGroup) Stop(timeout time.Duration) {
	logger.Info("🛑 Stopping worker group...",
		zap.Int("workers", len(wg.workers)),
	)

	// Cancel context first
	wg.cancel()

	// Wait for all workers with timeout
	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, worker := range wg.workers {
		_ = worker.Stop(timeout)
	}

	logger.Info("✅ Worker group stopped")
}
