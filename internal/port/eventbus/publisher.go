// Package eventbus defines the port for emitting engine events.
package eventbus

import "context"

// Publisher emits a named event. Delivery is fire-and-forget: an error is
// reported to the caller for logging but nothing is retried.
type Publisher interface {
	Emit(ctx context.Context, name string, payload any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, name string, payload any) error

// Emit calls f.
func (f PublisherFunc) Emit(ctx context.Context, name string, payload any) error {
	return f(ctx, name, payload)
}
