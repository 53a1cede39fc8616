// Package handover defines the intent detection and handover routing domain:
// signals produced by each detection family, the routing decision, the
// effective per-dealership configuration and A/B tests over it.
package handover

import (
	"fmt"
	"time"
)

// TriggerType identifies the signal family that produced a signal.
type TriggerType string

const (
	TriggerRule        TriggerType = "rule"
	TriggerML          TriggerType = "ml"
	TriggerBehavioural TriggerType = "behavioural"
	TriggerSLA         TriggerType = "sla"
)

// Engagement levels reported by the behavioural family.
const (
	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"
)

// IntentSignal is the transient result of one detection family for one
// evaluation. A signal carrying Err always has HasIntent false.
type IntentSignal struct {
	HasIntent            bool        `json:"hasIntent"`
	TriggerType          TriggerType `json:"triggerType"`
	Confidence           float64     `json:"confidence,omitempty"`
	RuleID               string      `json:"ruleId,omitempty"`
	IntentType           string      `json:"intentType,omitempty"`
	EngagementLevel      string      `json:"engagementLevel,omitempty"`
	HoursWithoutResponse float64     `json:"hoursWithoutResponse,omitempty"`
	Reasoning            string      `json:"reasoning,omitempty"`
	Err                  error       `json:"-"`
}

// NoIntent returns a negative signal for the family.
func NoIntent(family TriggerType) IntentSignal {
	return IntentSignal{TriggerType: family}
}

// Failed returns a negative signal carrying err. Stages fail open.
func Failed(family TriggerType, err error) IntentSignal {
	return IntentSignal{TriggerType: family, Err: err}
}

// Outcome is the metric label for a signal: triggered, no_trigger or error.
func (s IntentSignal) Outcome() string {
	switch {
	case s.Err != nil:
		return OutcomeError
	case s.HasIntent:
		return OutcomeTriggered
	default:
		return OutcomeNoTrigger
	}
}

// Metric outcome labels.
const (
	OutcomeTriggered = "triggered"
	OutcomeNoTrigger = "no_trigger"
	OutcomeError     = "error"
)

// RoutingDecision is the verdict to stop the AI and hand the conversation to
// a human. It is emitted as an event and never stored by the engine.
type RoutingDecision struct {
	ConversationID string      `json:"conversationId"`
	DealershipID   string      `json:"dealershipId"`
	TriggerType    TriggerType `json:"triggerType"`
	RuleID         string      `json:"ruleId,omitempty"`
	IntentType     string      `json:"intentType,omitempty"`
	Confidence     float64     `json:"confidence"`
	Timestamp      time.Time   `json:"timestamp"`
}

// State is a step of one orchestration call.
type State string

const (
	StatePending      State = "pending"
	StateEvaluating   State = "evaluating"
	StateTriggered    State = "triggered"
	StateNotTriggered State = "not_triggered"
	StateDone         State = "done"
)

var transitions = map[State][]State{
	StatePending:      {StateEvaluating, StateNotTriggered},
	StateEvaluating:   {StateTriggered, StateNotTriggered},
	StateTriggered:    {StateDone},
	StateNotTriggered: {StateDone},
}

// CanTransition reports whether to may directly follow s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends an orchestration call.
func (s State) Terminal() bool {
	return s == StateDone
}

// EvaluationState is the engine's per-conversation bookkeeping.
type EvaluationState struct {
	ConversationID  string      `json:"conversationId"`
	LastEvaluatedAt time.Time   `json:"lastEvaluatedAt"`
	LastTriggeredAt time.Time   `json:"lastTriggeredAt,omitzero"`
	LastTriggerType TriggerType `json:"lastTriggerType,omitempty"`
	Evaluations     int64       `json:"evaluations"`
}

// Outcome reports what one orchestration call decided.
type Outcome struct {
	Verdict   State            `json:"verdict"` // StateTriggered or StateNotTriggered
	States    []State          `json:"states"`  // path walked, ending in StateDone
	Decision  *RoutingDecision `json:"decision,omitempty"`
	Debounced bool             `json:"debounced"`
	Signals   []IntentSignal   `json:"signals"`
	Duration  time.Duration    `json:"duration"`
}

// Advance records the step to next. Reaching StateTriggered or
// StateNotTriggered also sets the verdict.
func (o *Outcome) Advance(next State) error {
	cur := StatePending
	if n := len(o.States); n > 0 {
		cur = o.States[n-1]
	}
	if !cur.CanTransition(next) {
		return fmt.Errorf("handover state %s cannot move to %s", cur, next)
	}
	if len(o.States) == 0 {
		o.States = append(o.States, StatePending)
	}
	o.States = append(o.States, next)
	if next == StateTriggered || next == StateNotTriggered {
		o.Verdict = next
	}
	return nil
}

// Triggered reports whether a handover decision was reached, whether or not
// its emission was debounced.
func (o Outcome) Triggered() bool {
	return o.Verdict == StateTriggered
}
