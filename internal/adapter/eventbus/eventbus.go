// Package eventbus provides in-process event publishers: a local
// subscriber bus, a log-only publisher and a fan-out over several publishers.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rylieai/handover/internal/port/eventbus"
)

// Event is one emitted event as seen by local subscribers.
type Event struct {
	Name    string
	Payload any
}

// Handler receives local events.
type Handler func(ctx context.Context, ev Event)

// Local delivers events synchronously to in-process subscribers.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewLocal creates an empty local bus.
func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Local) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit implements eventbus.Publisher. Handlers run in arbitrary order
// without the lock held.
func (b *Local) Emit(ctx context.Context, name string, payload any) error {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range snapshot {
		h(ctx, ev)
	}
	return nil
}

// Log is the publisher of the "log" driver: events only reach the log.
type Log struct {
	log *slog.Logger
}

// NewLog returns a log publisher. A nil logger uses slog.Default.
func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

// Emit implements eventbus.Publisher.
func (l *Log) Emit(ctx context.Context, name string, payload any) error {
	l.log.InfoContext(ctx, "event emitted", "event", name, "payload", payload)
	return nil
}

// Fanout emits every event to all publishers, collecting their errors.
type Fanout []eventbus.Publisher

// Emit implements eventbus.Publisher.
func (f Fanout) Emit(ctx context.Context, name string, payload any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Emit(ctx, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
