package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectCustomerMessage:
		var p CustomerMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.Message.ID == "" || p.Conversation.ID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("message.id and conversation.id are required"))
		}
		if p.Message.ConversationID != "" && p.Message.ConversationID != p.Conversation.ID {
			return fmt.Errorf("schema validation failed for %s: message belongs to conversation %s, envelope carries %s",
				subject, p.Message.ConversationID, p.Conversation.ID)
		}
		if p.Conversation.DealershipID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("conversation.dealership_id is required"))
		}
	case SubjectIntentTriggered:
		var p IntentTriggeredPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	case SubjectConfigChanged:
		var p ConfigChangedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}
