package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/conversationstore"
)

// SLATracker watches for customers left without a response.
type SLATracker struct {
	store     conversationstore.Store
	scheduler *Scheduler
	now       func() time.Time
	onDue     func(ctx context.Context, conv conversation.Conversation)
}

// NewSLATracker creates a tracker. scheduler may be nil when checks are only
// evaluated on demand.
func NewSLATracker(store conversationstore.Store, scheduler *Scheduler, now func() time.Time) *SLATracker {
	if now == nil {
		now = time.Now
	}
	return &SLATracker{store: store, scheduler: scheduler, now: now}
}

// OnDue sets the callback run when a scheduled check fires.
func (t *SLATracker) OnDue(fn func(ctx context.Context, conv conversation.Conversation)) {
	t.onDue = fn
}

// CheckSLA reports whether the time since the customer's last message has
// reached cfg.NoResponseHours. With BusinessHoursOnly the clock only runs
// inside the configured opening hours.
func (t *SLATracker) CheckSLA(ctx context.Context, conv conversation.Conversation, cfg handover.SLAConfig) handover.IntentSignal {
	last, err := t.store.SelectLastCustomerMessageTime(ctx, conv.ID)
	if err != nil {
		return handover.Failed(handover.TriggerSLA, fmt.Errorf("last customer message: %w", err))
	}
	if last == nil {
		return handover.NoIntent(handover.TriggerSLA)
	}

	now := t.now()
	elapsed := now.Sub(*last)
	if cfg.BusinessHoursOnly && cfg.BusinessHours != nil {
		sched, err := cfg.BusinessHours.Compile()
		if err != nil {
			return handover.Failed(handover.TriggerSLA, fmt.Errorf("business hours: %w", err))
		}
		elapsed = businessElapsed(sched, *last, now)
	}
	if elapsed < 0 {
		elapsed = 0
	}

	hours := elapsed.Hours()
	limit := slaLimit(cfg)
	sig := handover.IntentSignal{
		HasIntent:            elapsed >= limit,
		TriggerType:          handover.TriggerSLA,
		HoursWithoutResponse: hours,
		Reasoning:            fmt.Sprintf("%.2fh without response (limit %.0fh)", hours, limit.Hours()),
	}
	if sig.HasIntent {
		sig.Confidence = 1.0
	}
	return sig
}

func slaLimit(cfg handover.SLAConfig) time.Duration {
	if cfg.NoResponseHours <= 0 {
		return time.Duration(handover.DefaultNoResponseHours) * time.Hour
	}
	return time.Duration(cfg.NoResponseHours) * time.Hour
}

// ScheduleSLACheck (re)schedules the check for conv, replacing any pending
// one. Failures are logged, never returned.
func (t *SLATracker) ScheduleSLACheck(conv conversation.Conversation, hoursFromNow float64) {
	t.schedule(conv, time.Duration(hoursFromNow*float64(time.Hour)))
}

// ScheduleAfterRemaining schedules the next check for the moment remaining
// more SLA time will have accrued. With BusinessHoursOnly that moment is
// found by walking the opening hours, so a check never lands while the
// dealership is closed.
func (t *SLATracker) ScheduleAfterRemaining(conv conversation.Conversation, cfg handover.SLAConfig, remaining time.Duration) {
	now := t.now()
	due := now.Add(remaining)
	if cfg.BusinessHoursOnly && cfg.BusinessHours != nil {
		sched, err := cfg.BusinessHours.Compile()
		if err != nil {
			slog.Error("sla business hours", "conversation_id", conv.ID, "error", err)
		} else {
			due = businessDeadline(sched, now, remaining)
		}
	}
	t.schedule(conv, due.Sub(now))
}

// slaRemaining returns how much SLA time is left after sig, rounded up to the
// next whole second.
func slaRemaining(cfg handover.SLAConfig, sig handover.IntentSignal) time.Duration {
	left := slaLimit(cfg) - time.Duration(sig.HoursWithoutResponse*float64(time.Hour))
	if left <= 0 {
		return 0
	}
	return left.Truncate(time.Second) + time.Second
}

func (t *SLATracker) schedule(conv conversation.Conversation, delay time.Duration) {
	if t.scheduler == nil {
		slog.Error("sla check not scheduled: no scheduler", "conversation_id", conv.ID)
		return
	}
	err := t.scheduler.Schedule(conv.ID, delay, func(ctx context.Context) {
		if t.onDue == nil {
			slog.Error("sla check fired without handler", "conversation_id", conv.ID)
			return
		}
		t.onDue(ctx, conv)
	})
	if err != nil {
		slog.Error("schedule sla check", "conversation_id", conv.ID, "delay", delay, "error", err)
		return
	}
	slog.Debug("sla check scheduled", "conversation_id", conv.ID, "delay", delay)
}

// CancelSLACheck drops the pending check for a conversation.
func (t *SLATracker) CancelSLACheck(conversationID string) bool {
	if t.scheduler == nil {
		return false
	}
	return t.scheduler.Cancel(conversationID)
}

// Family reports the SLA trigger family.
func (t *SLATracker) Family() handover.TriggerType { return handover.TriggerSLA }
