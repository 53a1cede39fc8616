package messagequeue

import (
	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
)

// CustomerMessagePayload is the schema for messages.customer.created.
type CustomerMessagePayload = conversation.InboundMessage

// IntentTriggeredPayload is the schema for handover.intent.triggered.
type IntentTriggeredPayload = handover.IntentTriggeredEvent

// ConfigChangedPayload is the schema for config.global.changed.
type ConfigChangedPayload = handover.ConfigChangedEvent
