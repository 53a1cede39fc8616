// Package conversation defines the chat records the handover engine reads.
// Both types are owned by the chat subsystem; the engine never mutates them.
package conversation

import "time"

// Conversation is a customer chat thread at one dealership.
type Conversation struct {
	ID           string    `json:"id"`
	DealershipID string    `json:"dealership_id"`
	CustomerID   string    `json:"customer_id"`
	Status       string    `json:"status"` // "active", "waiting", "escalated", "closed"
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a single immutable message in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	IsFromCustomer bool      `json:"is_from_customer"`
	CreatedAt      time.Time `json:"created_at"`
}

// InboundMessage is the envelope published by the message-ingestion path
// for every new message.
type InboundMessage struct {
	Message      Message      `json:"message"`
	Conversation Conversation `json:"conversation"`
}
