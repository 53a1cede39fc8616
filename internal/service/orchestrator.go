package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	handotel "github.com/rylieai/handover/internal/adapter/otel"
	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/logger"
	"github.com/rylieai/handover/internal/port/conversationstore"
	"github.com/rylieai/handover/internal/port/eventbus"
	"github.com/rylieai/handover/internal/port/metrics"
)

// SignalEngine is one detection family in the per-message pipeline.
type SignalEngine interface {
	Family() handover.TriggerType
	Detect(ctx context.Context, msg conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) handover.IntentSignal
}

// ConfigProvider resolves effective configuration and feature flags.
type ConfigProvider interface {
	GetDealershipConfig(ctx context.Context, dealershipID string) handover.DealershipConfig
	IsFeatureEnabled(flag, dealershipID string) bool
}

// stageFeatures gates optional families per dealership. Rules always run.
var stageFeatures = map[handover.TriggerType]string{
	handover.TriggerML:          handover.FeatureMLClassifier,
	handover.TriggerBehavioural: handover.FeatureBehaviouralScan,
	handover.TriggerSLA:         handover.FeatureSLAWatchdog,
}

// sideEffectTimeout bounds event emission and bookkeeping after a decision.
// Both run after ProcessMessage has returned.
const sideEffectTimeout = 5 * time.Second

// OrchestratorOptions tunes the decision pipeline.
type OrchestratorOptions struct {
	PipelineTimeout time.Duration // whole decision (default 2s)
	MLTimeout       time.Duration // ML stage cap within the pipeline (default 1.5s)
	Now             func() time.Time
}

// IntentOrchestrator runs the detection families for each customer message
// and emits at most one handover per conversation per debounce window.
type IntentOrchestrator struct {
	config   ConfigProvider
	stages   []SignalEngine
	store    conversationstore.Store
	events   eventbus.Publisher
	metrics  metrics.Sink
	debounce *DebounceGuard
	sla      *SLATracker
	opts     OrchestratorOptions
	inflight sync.WaitGroup
}

// NewIntentOrchestrator creates an orchestrator. Stages run in slice order
// and the first one reporting intent wins.
func NewIntentOrchestrator(
	config ConfigProvider,
	stages []SignalEngine,
	store conversationstore.Store,
	events eventbus.Publisher,
	sink metrics.Sink,
	debounce *DebounceGuard,
	opts OrchestratorOptions,
) *IntentOrchestrator {
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = 2 * time.Second
	}
	if opts.MLTimeout <= 0 {
		opts.MLTimeout = 1500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if debounce == nil {
		debounce = NewDebounceGuard(10 * time.Second)
	}

	for name, kind := range map[string]metrics.Kind{
		metrics.IntentDetectionTotal:   metrics.KindCounter,
		metrics.IntentDetectionLatency: metrics.KindHistogram,
		metrics.HandoverTriggersTotal:  metrics.KindCounter,
		metrics.HandoverDebouncedTotal: metrics.KindCounter,
		metrics.SLAChecksScheduled:     metrics.KindCounter,
	} {
		if err := sink.RegisterMetric(name, kind); err != nil {
			slog.Error("register metric", "metric", name, "error", err)
		}
	}

	return &IntentOrchestrator{
		config:   config,
		stages:   stages,
		store:    store,
		events:   events,
		metrics:  sink,
		debounce: debounce,
		opts:     opts,
	}
}

// SetSLATracker enables SLA scheduling. Fired checks re-enter EvaluateSLA.
func (o *IntentOrchestrator) SetSLATracker(t *SLATracker) {
	o.sla = t
	t.OnDue(func(ctx context.Context, conv conversation.Conversation) {
		o.EvaluateSLA(ctx, conv)
	})
}

// ProcessMessage decides whether msg should hand conv over to a human. It
// never fails: stage errors are logged and count as no intent.
func (o *IntentOrchestrator) ProcessMessage(ctx context.Context, msg conversation.Message, conv conversation.Conversation) handover.Outcome {
	start := time.Now()
	out := handover.Outcome{Verdict: handover.StateNotTriggered}
	if !msg.IsFromCustomer {
		o.advance(ctx, &out, handover.StateNotTriggered, handover.StateDone)
		return out
	}

	ctx = logger.WithConversation(ctx, conv.ID, conv.DealershipID)
	ctx, span := handotel.StartDecisionSpan(ctx, "message", conv.ID, conv.DealershipID)
	defer span.End()

	pipeCtx, cancel := context.WithTimeout(ctx, o.opts.PipelineTimeout)
	cfg := o.config.GetDealershipConfig(pipeCtx, conv.DealershipID)

	o.advance(ctx, &out, handover.StateEvaluating)
	var winner *handover.IntentSignal
	for _, st := range o.stages {
		if pipeCtx.Err() != nil {
			slog.WarnContext(ctx, "decision budget exhausted", "skipped_from", st.Family())
			break
		}
		if !o.familyEnabled(st.Family(), conv.DealershipID) {
			continue
		}
		sig := o.runStage(pipeCtx, st, msg, conv, cfg)
		out.Signals = append(out.Signals, sig)
		if sig.HasIntent {
			winner = &out.Signals[len(out.Signals)-1]
			break
		}
	}
	cancel()

	var (
		triggered handover.TriggerType
		emit      *handover.RoutingDecision
	)
	if winner != nil {
		triggered = winner.TriggerType
		emit = o.decide(ctx, conv, *winner, &out)
	} else {
		o.advance(ctx, &out, handover.StateNotTriggered)
	}

	if o.sla != nil && o.familyEnabled(handover.TriggerSLA, conv.DealershipID) {
		o.sla.ScheduleAfterRemaining(conv, cfg.SLA, slaLimit(cfg.SLA))
		o.metrics.IncrementMetric(ctx, metrics.SLAChecksScheduled, metrics.Labels{"dealership_id": conv.DealershipID})
	}
	o.finish(ctx, conv.ID, triggered, emit)

	out.Duration = time.Since(start)
	o.advance(ctx, &out, handover.StateDone)
	slog.DebugContext(ctx, "message evaluated",
		"message_id", msg.ID,
		"verdict", out.Verdict,
		"debounced", out.Debounced,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}

// EvaluateSLA runs the SLA family for conv. It shares emission and debounce
// with ProcessMessage.
func (o *IntentOrchestrator) EvaluateSLA(ctx context.Context, conv conversation.Conversation) handover.Outcome {
	start := time.Now()
	out := handover.Outcome{Verdict: handover.StateNotTriggered}
	if o.sla == nil || !o.familyEnabled(handover.TriggerSLA, conv.DealershipID) {
		o.advance(ctx, &out, handover.StateNotTriggered, handover.StateDone)
		return out
	}

	ctx = logger.WithConversation(ctx, conv.ID, conv.DealershipID)
	ctx, span := handotel.StartDecisionSpan(ctx, "sla", conv.ID, conv.DealershipID)
	defer span.End()

	pipeCtx, cancel := context.WithTimeout(ctx, o.opts.PipelineTimeout)
	cfg := o.config.GetDealershipConfig(pipeCtx, conv.DealershipID)
	o.advance(ctx, &out, handover.StateEvaluating)
	sig := o.runStage(pipeCtx, slaStage{o.sla}, conversation.Message{}, conv, cfg)
	cancel()
	out.Signals = []handover.IntentSignal{sig}

	var (
		triggered handover.TriggerType
		emit      *handover.RoutingDecision
	)
	if sig.HasIntent {
		triggered = handover.TriggerSLA
		emit = o.decide(ctx, conv, sig, &out)
	} else {
		o.advance(ctx, &out, handover.StateNotTriggered)
		// Paused business hours: check again once the remainder of the
		// limit can have accrued, which may be after the next opening.
		if sig.Err == nil && sig.HoursWithoutResponse > 0 {
			if remaining := slaRemaining(cfg.SLA, sig); remaining > 0 {
				o.sla.ScheduleAfterRemaining(conv, cfg.SLA, remaining)
				o.metrics.IncrementMetric(ctx, metrics.SLAChecksScheduled, metrics.Labels{"dealership_id": conv.DealershipID})
			}
		}
	}
	o.finish(ctx, conv.ID, triggered, emit)

	out.Duration = time.Since(start)
	o.advance(ctx, &out, handover.StateDone)
	return out
}

// Wait blocks until every event emission and evaluation write started by
// ProcessMessage or EvaluateSLA has completed.
func (o *IntentOrchestrator) Wait() {
	o.inflight.Wait()
}

// finish emits the decision, if any, and records the evaluation without
// holding up the caller.
func (o *IntentOrchestrator) finish(ctx context.Context, conversationID string, triggered handover.TriggerType, emit *handover.RoutingDecision) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		side, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		if emit != nil && o.events != nil {
			if err := o.events.Emit(side, handover.EventIntentTriggered, handover.NewIntentTriggeredEvent(*emit)); err != nil {
				slog.ErrorContext(side, "emit handover event", "error", err)
			}
		}
		o.markEvaluated(side, conversationID, triggered)
	}()
}

func (o *IntentOrchestrator) advance(ctx context.Context, out *handover.Outcome, steps ...handover.State) {
	for _, next := range steps {
		if err := out.Advance(next); err != nil {
			slog.ErrorContext(ctx, "decision state", "error", err)
		}
	}
}

// runStage runs one family with panic recovery, a stage span and metrics.
func (o *IntentOrchestrator) runStage(ctx context.Context, st SignalEngine, msg conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) (sig handover.IntentSignal) {
	family := st.Family()
	stageCtx := ctx
	if family == handover.TriggerML {
		budget := o.opts.MLTimeout
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < budget {
			budget = time.Until(dl)
		}
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	stageCtx, span := handotel.StartStageSpan(stageCtx, string(family))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			sig = handover.Failed(family, fmt.Errorf("%s stage panic: %v", family, r))
		}
		if sig.Err != nil {
			sig.HasIntent = false
			slog.WarnContext(ctx, "signal stage failed", "family", family, "error", sig.Err)
		}
		handotel.EndStageSpan(span, sig.HasIntent, sig.Err)
		o.metrics.IncrementMetric(ctx, metrics.IntentDetectionTotal, metrics.Labels{
			"family":        string(family),
			"dealership_id": conv.DealershipID,
			"outcome":       sig.Outcome(),
		})
		o.metrics.RecordLatency(ctx, metrics.IntentDetectionLatency,
			float64(time.Since(start).Microseconds())/1000, metrics.Labels{"family": string(family)})
	}()

	return st.Detect(stageCtx, msg, conv, cfg)
}

// decide records a routing decision and returns it for emission, or nil
// when the debounce window suppresses it.
func (o *IntentOrchestrator) decide(ctx context.Context, conv conversation.Conversation, sig handover.IntentSignal, out *handover.Outcome) *handover.RoutingDecision {
	now := o.opts.Now()
	decision := handover.RoutingDecision{
		ConversationID: conv.ID,
		DealershipID:   conv.DealershipID,
		TriggerType:    sig.TriggerType,
		RuleID:         sig.RuleID,
		IntentType:     sig.IntentType,
		Confidence:     sig.Confidence,
		Timestamp:      now,
	}
	o.advance(ctx, out, handover.StateTriggered)
	out.Decision = &decision

	o.metrics.IncrementMetric(ctx, metrics.HandoverTriggersTotal, metrics.Labels{
		"trigger_type":  string(sig.TriggerType),
		"dealership_id": conv.DealershipID,
	})

	if !o.debounce.ShouldEmit(conv.ID, now) {
		out.Debounced = true
		o.metrics.IncrementMetric(ctx, metrics.HandoverDebouncedTotal, metrics.Labels{
			"trigger_type":  string(sig.TriggerType),
			"dealership_id": conv.DealershipID,
		})
		slog.InfoContext(ctx, "handover debounced", "trigger_type", sig.TriggerType)
		return nil
	}

	slog.InfoContext(ctx, "handover triggered",
		"trigger_type", sig.TriggerType,
		"rule_id", sig.RuleID,
		"intent_type", sig.IntentType,
		"confidence", sig.Confidence,
	)
	return &decision
}

func (o *IntentOrchestrator) markEvaluated(ctx context.Context, conversationID string, triggered handover.TriggerType) {
	if o.store == nil {
		return
	}
	if err := o.store.MarkEvaluated(ctx, conversationID, triggered, o.opts.Now()); err != nil {
		slog.WarnContext(ctx, "mark conversation evaluated", "error", err)
	}
}

func (o *IntentOrchestrator) familyEnabled(family handover.TriggerType, dealershipID string) bool {
	flag, ok := stageFeatures[family]
	if !ok {
		return true
	}
	return o.config.IsFeatureEnabled(flag, dealershipID)
}

// HandleInbound is the queue handler for customer message envelopes.
func (o *IntentOrchestrator) HandleInbound(ctx context.Context, subject string, data []byte) error {
	var in conversation.InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode %s: %w", subject, err)
	}
	if in.Message.ConversationID == "" {
		in.Message.ConversationID = in.Conversation.ID
	}
	o.ProcessMessage(ctx, in.Message, in.Conversation)
	return nil
}

// RunJanitor sweeps expired debounce entries every interval until ctx ends.
func (o *IntentOrchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.debounce.Sweep(o.opts.Now()); n > 0 {
				slog.Debug("debounce entries swept", "count", n)
			}
		}
	}
}

// slaStage adapts the tracker to the stage runner.
type slaStage struct{ t *SLATracker }

func (s slaStage) Family() handover.TriggerType { return handover.TriggerSLA }

func (s slaStage) Detect(ctx context.Context, _ conversation.Message, conv conversation.Conversation, cfg handover.DealershipConfig) handover.IntentSignal {
	return s.t.CheckSLA(ctx, conv, cfg.SLA)
}
