// Package transport is an in-process publish/subscribe channel between the
// exporter and its consumers.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// Handler consumes one published value
type Handler[T any] func(ctx context.Context, v T) error

// Channel delivers every published value to the handlers subscribed at
// publish time, synchronously and in subscription order. Nothing is queued.
type Channel[T any] struct {
	name   string
	mu     sync.RWMutex
	subs   []*Subscription[T]
	nextID atomic.Uint64
}

// Subscription is a registered handler
type Subscription[T any] struct {
	id      uint64
	handler Handler[T]
	ch      *Channel[T]
	once    sync.Once
}

// New creates an empty channel
func New[T any](name string) *Channel[T] {
	return &Channel[T]{name: name}
}

// Name returns the channel name
func (c *Channel[T]) Name() string {
	return c.name
}

// Subscribe registers h. Values published before this call are not replayed.
func (c *Channel[T]) Subscribe(h Handler[T]) *Subscription[T] {
	sub := &Subscription[T]{id: c.nextID.Add(1), handler: h, ch: c}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	logger.Debug("transport subscriber added",
		zap.String("channel", c.name),
		zap.Uint64("subscription", sub.id),
	)
	return sub
}

// HasSubscribers reports whether a publish would reach anyone
func (c *Channel[T]) HasSubscribers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) > 0
}

// Publish hands v to every current subscriber before returning. Handler
// errors and panics are logged and counted, never returned.
func (c *Channel[T]) Publish(ctx context.Context, v T) {
	c.mu.RLock()
	subs := make([]*Subscription[T], len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.deliver(ctx, v); err != nil {
			logger.Warn("transport handler failed",
				zap.String("error_kind", string(models.ErrorTransportHandlerFailed)),
				zap.String("channel", c.name),
				zap.Uint64("subscription", sub.id),
				zap.Error(err),
			)
			telemetry.IncrCounter([]string{"transport", "handler_failed"}, 1,
				telemetry.Label{Name: "channel", Value: c.name})
			telemetry.RecordError(string(models.ErrorTransportHandlerFailed))
		}
	}
}

// ID returns the subscription id, unique per channel
func (s *Subscription[T]) ID() uint64 {
	return s.id
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		c := s.ch
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub == s {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	})
}

func (s *Subscription[T]) deliver(ctx context.Context, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", models.ErrTransportHandlerFailed, r)
		}
	}()
	if herr := s.handler(ctx, v); herr != nil {
		return fmt.Errorf("%w: %w", models.ErrTransportHandlerFailed, herr)
	}
	return nil
}
