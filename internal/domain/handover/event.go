package handover

import "time"

// Event names produced by the engine.
const (
	EventIntentTriggered = "handover.intent.triggered"
	EventConfigChanged   = "config.global.changed"
)

// IntentTriggeredEvent is the payload of handover.intent.triggered.
type IntentTriggeredEvent struct {
	ConversationID string      `json:"conversationId"`
	DealershipID   string      `json:"dealershipId"`
	TriggerType    TriggerType `json:"triggerType"`
	RuleID         string      `json:"ruleId,omitempty"`
	IntentType     string      `json:"intentType,omitempty"`
	Confidence     float64     `json:"confidence"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NewIntentTriggeredEvent builds the event payload for a decision.
func NewIntentTriggeredEvent(d RoutingDecision) IntentTriggeredEvent {
	return IntentTriggeredEvent(d)
}

// ConfigChangedEvent is the payload of config.global.changed.
type ConfigChangedEvent struct {
	Source    string    `json:"source"` // "file", "periodic", "manual", "abtest"
	Version   uint64    `json:"version"`
	ChangedAt time.Time `json:"changedAt"`
}
