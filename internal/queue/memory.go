package queue

import (
	"context"
	"sync"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Memory is an in-process queue backed by a buffered channel. Events still
// buffered when the process stops are lost; the reconciler picks the work up
// again from the database.
type Memory struct {
	ch      chan Event
	workers int

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*Memory)(nil)

// NewMemory creates a queue with the given buffer and worker count.
func NewMemory(buffer, workers int) *Memory {
	return &Memory{
		ch:      make(chan Event, max(buffer, 1)),
		workers: max(workers, 1),
		done:    make(chan struct{}),
	}
}

// Publish blocks while the buffer is full.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// TryPublish fails with ErrFull instead of waiting for buffer space.
func (m *Memory) TryPublish(ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Run starts the workers and blocks until ctx is done or the queue is closed
// and drained.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for range m.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-m.ch:
					if !ok {
						return nil
					}
					handle(ctx, h, ev)
				}
			}
		})
	}
	return g.Wait()
}

// Close stops accepting events. Workers finish what is buffered.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		// Unblock pending publishers before taking the write lock.
		close(m.done)
		m.mu.Lock()
		m.closed = true
		close(m.ch)
		m.mu.Unlock()
	})
	return nil
}

func handle(ctx context.Context, h Handler, ev Event) {
	lg := zctx.From(ctx).With(zap.String("kind", string(ev.Kind)), zap.String("reference", ev.Reference))
	defer func() {
		if r := recover(); r != nil {
			lg.Error("Event handler panic", zap.Any("panic", r))
		}
	}()
	if err := h(ctx, ev); err != nil {
		lg.Warn("Event handler failed", zap.Error(err))
	}
}
