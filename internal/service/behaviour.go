package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/conversationstore"
)

const (
	denseAverageRunes     = 80
	denseConfidenceFloor  = 0.8
	denseKeywordsRequired = 2
)

// buyingTerms mark a message as information dense when enough of them occur.
var buyingTerms = []string{
	"price", "payment", "monthly", "down payment", "apr", "interest", "lease",
	"finance", "financing", "trade", "warranty", "insurance", "out the door",
	"otd", "quote", "deposit", "mileage", "vin", "available", "delivery",
}

// BehaviouralMonitor flags conversations where the customer is unusually
// engaged within a trailing window.
type BehaviouralMonitor struct {
	store conversationstore.Store
	now   func() time.Time
}

// NewBehaviouralMonitor creates a monitor reading history from store.
func NewBehaviouralMonitor(store conversationstore.Store, now func() time.Time) *BehaviouralMonitor {
	if now == nil {
		now = time.Now
	}
	return &BehaviouralMonitor{store: store, now: now}
}

// Family implements SignalEngine.
func (m *BehaviouralMonitor) Family() handover.TriggerType { return handover.TriggerBehavioural }

// Detect implements SignalEngine.
func (m *BehaviouralMonitor) Detect(ctx context.Context, msg conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) handover.IntentSignal {
	return m.Evaluate(ctx, msg, conv, cfg.Behavioural)
}

// Evaluate counts customer messages in the trailing window. HasIntent is
// decided by the count alone; dense messages only raise the reported level
// and confidence.
func (m *BehaviouralMonitor) Evaluate(ctx context.Context, _ conversation.Message, conv conversation.Conversation, cfg handover.BehaviouralConfig) handover.IntentSignal {
	if cfg.EngagedReplies < 1 {
		cfg.EngagedReplies = handover.DefaultEngagedReplies
	}
	if cfg.WindowMinutes < 1 {
		cfg.WindowMinutes = handover.DefaultWindowMinutes
	}

	since := m.now().Add(-cfg.Window())
	msgs, err := m.store.SelectMessages(ctx, conv.ID, since)
	if err != nil {
		return handover.Failed(handover.TriggerBehavioural, fmt.Errorf("select messages: %w", err))
	}

	var customer []conversation.Message
	for _, msg := range msgs {
		if msg.IsFromCustomer {
			customer = append(customer, msg)
		}
	}
	count := len(customer)

	level := 0 // low
	switch {
	case count >= cfg.EngagedReplies:
		level = 2
	case count >= (cfg.EngagedReplies+1)/2:
		level = 1
	}

	confidence := float64(count) / float64(cfg.EngagedReplies)
	if confidence > 1 {
		confidence = 1
	}

	dense := isDense(customer)
	if dense {
		if level < 2 {
			level++
		}
		if confidence < denseConfidenceFloor {
			confidence = denseConfidenceFloor
		}
	}

	return handover.IntentSignal{
		HasIntent:       count >= cfg.EngagedReplies,
		TriggerType:     handover.TriggerBehavioural,
		Confidence:      confidence,
		EngagementLevel: []string{handover.EngagementLow, handover.EngagementMedium, handover.EngagementHigh}[level],
		Reasoning:       fmt.Sprintf("%d customer messages in %d minutes (dense=%t)", count, cfg.WindowMinutes, dense),
	}
}

// isDense reports long messages on average or enough buying vocabulary.
func isDense(msgs []conversation.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	runes, hits := 0, 0
	for _, msg := range msgs {
		runes += utf8.RuneCountInString(msg.Content)
		words := " " + strings.Join(tokenize(normalizeText(msg.Content)), " ") + " "
		for _, term := range buyingTerms {
			if strings.Contains(words, " "+term+" ") {
				hits++
			}
		}
	}
	return runes/len(msgs) >= denseAverageRunes || hits >= denseKeywordsRequired
}
