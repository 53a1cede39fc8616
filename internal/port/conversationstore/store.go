// Package conversationstore defines the port for reading conversation history.
// The chat subsystem owns the data; the handover engine only queries it and
// records its own evaluation bookkeeping.
package conversationstore

import (
	"context"
	"time"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
)

// Store is the query contract used by the detection families.
// Implementations return empty results (not errors) when there is no data.
type Store interface {
	// SelectMessages returns the conversation's messages created at or after
	// since, oldest first.
	SelectMessages(ctx context.Context, conversationID string, since time.Time) ([]conversation.Message, error)

	// SelectLastCustomerMessageTime returns the creation time of the most recent
	// customer message, or nil when the customer never wrote.
	SelectLastCustomerMessageTime(ctx context.Context, conversationID string) (*time.Time, error)

	// MarkEvaluated records that the engine evaluated the conversation and,
	// when triggerType is non-empty, which family triggered a handover.
	MarkEvaluated(ctx context.Context, conversationID string, triggerType handover.TriggerType, at time.Time) error
}
