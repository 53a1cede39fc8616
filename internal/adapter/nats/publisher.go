package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rylieai/handover/internal/port/messagequeue"
)

// Publisher emits engine events as JSON on a subject equal to the event name.
type Publisher struct {
	q messagequeue.Queue
}

// NewPublisher returns an event publisher over q.
func NewPublisher(q messagequeue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Emit implements eventbus.Publisher.
func (p *Publisher) Emit(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return p.q.Publish(ctx, name, data)
}
