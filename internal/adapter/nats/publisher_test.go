package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/messagequeue"
)

type recordingQueue struct {
	subject string
	data    []byte
}

func (r *recordingQueue) Publish(_ context.Context, subject string, data []byte) error {
	r.subject, r.data = subject, data
	return nil
}

func (r *recordingQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (r *recordingQueue) Close() error      { return nil }
func (r *recordingQueue) IsConnected() bool { return true }

func TestPublisher_EmitUsesEventNameAsSubject(t *testing.T) {
	q := &recordingQueue{}
	p := NewPublisher(q)

	ev := handover.IntentTriggeredEvent{
		ConversationID: "c1",
		DealershipID:   "d1",
		TriggerType:    handover.TriggerRule,
		RuleID:         "R-BUY-1",
		Confidence:     1,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}
	if err := p.Emit(context.Background(), handover.EventIntentTriggered, ev); err != nil {
		t.Fatal(err)
	}

	if q.subject != messagequeue.SubjectIntentTriggered {
		t.Fatalf("subject = %q", q.subject)
	}
	var got map[string]any
	if err := json.Unmarshal(q.data, &got); err != nil {
		t.Fatal(err)
	}
	if got["conversationId"] != "c1" || got["ruleId"] != "R-BUY-1" {
		t.Fatalf("unexpected payload %s", q.data)
	}
}

func TestDurableName(t *testing.T) {
	if got := durableName("messages.customer.created"); got != "handover_messages_customer_created" {
		t.Fatalf("durableName = %q", got)
	}
	if got := durableName("messages.>"); got != "handover_messages_all" {
		t.Fatalf("durableName = %q", got)
	}
}
