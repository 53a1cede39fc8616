package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rylieai/handover/internal/domain/handover"
)

// BroadcastEvent marshals a typed event and broadcasts it. Events that
// carry a dealership go only to consoles watching it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.broadcast(ctx, dealershipOf(payload), Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// Emit implements eventbus.Publisher so the hub can sit in a fan-out.
func (h *Hub) Emit(ctx context.Context, name string, payload any) error {
	h.BroadcastEvent(ctx, name, payload)
	return nil
}

func dealershipOf(payload any) string {
	switch p := payload.(type) {
	case handover.IntentTriggeredEvent:
		return p.DealershipID
	case *handover.IntentTriggeredEvent:
		return p.DealershipID
	case handover.RoutingDecision:
		return p.DealershipID
	case json.RawMessage:
		var head struct {
			DealershipID string `json:"dealershipId"`
		}
		if json.Unmarshal(p, &head) == nil {
			return head.DealershipID
		}
	}
	return ""
}
