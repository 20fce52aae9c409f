// Package memory implements the Event Bus Adapter contract entirely in
// process memory, for tests and the in-process Service's own loopback
// command channel. Publish records each event in an in-memory buffer (read
// back through Events); it does not invoke any Subscribe handler. Dispatch
// delivers a command to every Subscribe handler registered at the time of
// the call.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

var errClosed = errors.New("memory event bus: closed")

// Bus is an in-memory ports.EventBus.
type Bus struct {
	mu       sync.Mutex
	handlers []func(context.Context, ports.Command) error
	events   []*model.Event
	closed   bool
}

// New creates an empty in-memory Bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(ctx context.Context, e *model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	clone := *e
	b.events = append(b.events, &clone)
	return nil
}

// Events returns every Event published so far, for test assertions.
func (b *Bus) Events() []*model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Dispatch delivers cmd to every registered Subscribe handler, simulating an
// inbound command arriving over the wire. Tests use this to drive the
// Orchestrator through the bus rather than calling it directly.
func (b *Bus) Dispatch(ctx context.Context, cmd ports.Command) error {
	b.mu.Lock()
	handlers := make([]func(context.Context, ports.Command) error, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler func(context.Context, ports.Command) error) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ ports.EventBus = (*Bus)(nil)
