package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/metrics"
	"github.com/rylieai/handover/internal/service"
)

type pipelineFixture struct {
	store   *convMockStore
	llm     *completerMock
	events  *eventRecorder
	metrics *metricsRecorder
	config  *staticConfig
	orch    *service.IntentOrchestrator
	sched   *service.Scheduler
}

func newPipeline(t *testing.T, opts service.OrchestratorOptions, extra ...service.SignalEngine) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:   newConvMockStore(),
		llm:     &completerMock{args: verdictArgs(false, 0.1)},
		events:  &eventRecorder{},
		metrics: newMetricsRecorder(),
		config:  &staticConfig{cfg: handover.SafeDefault(), disabled: map[string]bool{}},
		sched:   service.NewScheduler(),
	}
	t.Cleanup(f.sched.Stop)

	now := func() time.Time { return fixedNow }
	stages := append([]service.SignalEngine{}, extra...)
	stages = append(stages,
		service.NewRuleEngine(staticCatalog(handover.DefaultRuleCatalog()), nil),
		service.NewMLClassifier(f.llm, nil, service.ClassifierOptions{Timeout: time.Second}),
		service.NewBehaviouralMonitor(f.store, now),
	)
	if opts.Now == nil {
		opts.Now = now
	}
	f.orch = service.NewIntentOrchestrator(f.config, stages, f.store, f.events, f.metrics,
		service.NewDebounceGuard(10*time.Second), opts)
	f.orch.SetSLATracker(service.NewSLATracker(f.store, f.sched, now))
	return f
}

// triggered waits for pending emissions and returns the handover events.
func (f *pipelineFixture) triggered() []handover.IntentTriggeredEvent {
	f.orch.Wait()
	var out []handover.IntentTriggeredEvent
	for _, e := range f.events.named(handover.EventIntentTriggered) {
		out = append(out, e.payload.(handover.IntentTriggeredEvent))
	}
	return out
}

func TestOrchestrator_RuleTriggerShortCircuits(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})

	out := f.orch.ProcessMessage(context.Background(), customerMsg("I want to buy this car today"), testConv)

	if !out.Triggered() || out.Debounced {
		t.Fatalf("outcome = %+v, want emitted trigger", out)
	}
	wantStates := []handover.State{handover.StatePending, handover.StateEvaluating, handover.StateTriggered, handover.StateDone}
	if !reflect.DeepEqual(out.States, wantStates) {
		t.Errorf("states = %v, want %v", out.States, wantStates)
	}
	events := f.triggered()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.TriggerType != handover.TriggerRule || ev.RuleID != "R-BUY-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ConversationID != testConv.ID || ev.DealershipID != testConv.DealershipID {
		t.Errorf("event ids = %+v", ev)
	}
	if !ev.Timestamp.Equal(fixedNow) {
		t.Errorf("timestamp = %v", ev.Timestamp)
	}

	if f.llm.calls.Load() != 0 {
		t.Error("ML stage ran after a rule match")
	}
	if f.store.selectCalls != 0 {
		t.Error("behavioural stage ran after a rule match")
	}
	if n := f.metrics.count(metrics.IntentDetectionTotal, metrics.Labels{"family": "rule", "outcome": "triggered", "dealership_id": "dealer-1"}); n != 1 {
		t.Errorf("rule detection metric = %d, want 1", n)
	}
	if n := f.metrics.count(metrics.IntentDetectionTotal, metrics.Labels{"family": "ml"}); n != 0 {
		t.Errorf("ml metric recorded for skipped stage: %d", n)
	}
	f.orch.Wait()
	if tt, ok := f.store.evaluatedAs(testConv.ID); !ok || tt != handover.TriggerRule {
		t.Errorf("evaluated bookkeeping = %q, %v", tt, ok)
	}
}

func TestOrchestrator_MLTrigger(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		want      bool
	}{
		{"above threshold", 0.8, true},
		{"below threshold", 0.95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, service.OrchestratorOptions{})
			f.llm.args = verdictArgs(true, 0.92)
			f.config.cfg.MLThreshold = tt.threshold

			out := f.orch.ProcessMessage(context.Background(), customerMsg("What APR can you offer?"), testConv)
			if out.Triggered() != tt.want {
				t.Fatalf("triggered = %v, want %v (%+v)", out.Triggered(), tt.want, out)
			}
			events := f.triggered()
			if !tt.want {
				if len(events) != 0 {
					t.Fatalf("unexpected events: %+v", events)
				}
				return
			}
			if len(events) != 1 || events[0].TriggerType != handover.TriggerML || events[0].Confidence != 0.92 {
				t.Fatalf("events = %+v", events)
			}
		})
	}
}

func TestOrchestrator_BehaviouralTrigger(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.config.cfg.Behavioural = handover.BehaviouralConfig{EngagedReplies: 3, WindowMinutes: 30}
	seedMessages(f.store, testConv.ID, 3, true, "hmm ok", 10*time.Minute)

	out := f.orch.ProcessMessage(context.Background(), customerMsg("hmm ok"), testConv)
	if !out.Triggered() {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Decision.TriggerType != handover.TriggerBehavioural {
		t.Fatalf("trigger = %q", out.Decision.TriggerType)
	}
	if len(out.Signals) != 3 {
		t.Errorf("signals = %d, want rule, ml and behavioural", len(out.Signals))
	}
	for _, family := range []string{"rule", "ml", "behavioural"} {
		if n := f.metrics.count(metrics.IntentDetectionTotal, metrics.Labels{"family": family}); n != 1 {
			t.Errorf("%s detection metric = %d, want 1", family, n)
		}
		if n := f.metrics.count(metrics.IntentDetectionLatency, metrics.Labels{"family": family}); n != 1 {
			t.Errorf("%s latency metric = %d, want 1", family, n)
		}
	}
}

func TestOrchestrator_Debounce(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	msg := customerMsg("I want to buy this car today")

	first := f.orch.ProcessMessage(context.Background(), msg, testConv)
	second := f.orch.ProcessMessage(context.Background(), msg, testConv)

	if first.Debounced || !second.Debounced {
		t.Fatalf("debounced = %v/%v, want false/true", first.Debounced, second.Debounced)
	}
	if !second.Triggered() {
		t.Fatal("a debounced call still reaches the decision")
	}
	if n := len(f.triggered()); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
	if n := f.metrics.count(metrics.HandoverTriggersTotal, nil); n != 2 {
		t.Errorf("handover_triggers_total = %d, want 2", n)
	}
	if n := f.metrics.count(metrics.HandoverDebouncedTotal, nil); n != 1 {
		t.Errorf("handover_debounced_total = %d, want 1", n)
	}

	other := testConv
	other.ID = "conv-2"
	f.orch.ProcessMessage(context.Background(), msg, other)
	if n := len(f.triggered()); n != 2 {
		t.Fatalf("events = %d, want 2 across conversations", n)
	}
}

type panicEngine struct{}

func (panicEngine) Family() handover.TriggerType { return "custom" }

func (panicEngine) Detect(context.Context, conversation.Message, conversation.Conversation, handover.DealershipConfig) handover.IntentSignal {
	panic("nil map write")
}

func TestOrchestrator_StagePanicIsolated(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{}, panicEngine{})

	out := f.orch.ProcessMessage(context.Background(), customerMsg("I want to buy this car today"), testConv)
	if !out.Triggered() || out.Decision.TriggerType != handover.TriggerRule {
		t.Fatalf("outcome = %+v, want rule trigger after panicking stage", out)
	}
	if out.Signals[0].Err == nil {
		t.Error("panicking stage should report an error signal")
	}
	if n := f.metrics.count(metrics.IntentDetectionTotal, metrics.Labels{"family": "custom", "outcome": "error"}); n != 1 {
		t.Errorf("error metric = %d, want 1", n)
	}
}

func TestOrchestrator_PipelineBudget(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{PipelineTimeout: 200 * time.Millisecond, MLTimeout: 150 * time.Millisecond})
	f.llm.delay = 5 * time.Second
	f.llm.args = verdictArgs(true, 0.99)

	start := time.Now()
	out := f.orch.ProcessMessage(context.Background(), customerMsg("What APR can you offer?"), testConv)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("pipeline took %v, want bounded by its budget", elapsed)
	}
	if out.Triggered() {
		t.Fatal("timed-out ML stage must fail open")
	}
	if n := f.metrics.count(metrics.IntentDetectionTotal, metrics.Labels{"family": "ml", "outcome": "error"}); n != 1 {
		t.Errorf("ml error metric = %d, want 1", n)
	}
}

func TestOrchestrator_FeatureFlagSkipsStage(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.config.disabled[handover.FeatureMLClassifier] = true
	f.llm.args = verdictArgs(true, 0.99)

	out := f.orch.ProcessMessage(context.Background(), customerMsg("What APR can you offer?"), testConv)
	if out.Triggered() {
		t.Fatalf("disabled ML stage triggered: %+v", out)
	}
	if f.llm.calls.Load() != 0 {
		t.Fatal("disabled ML stage was called")
	}
}

func TestOrchestrator_NonCustomerMessageSkipped(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	msg := customerMsg("I want to buy this car today")
	msg.IsFromCustomer = false

	out := f.orch.ProcessMessage(context.Background(), msg, testConv)
	if out.Triggered() || len(out.Signals) != 0 {
		t.Fatalf("outcome = %+v, want skipped", out)
	}
	if want := []handover.State{handover.StatePending, handover.StateNotTriggered, handover.StateDone}; !reflect.DeepEqual(out.States, want) {
		t.Errorf("states = %v, want %v", out.States, want)
	}
	if n := f.metrics.count(metrics.IntentDetectionTotal, nil); n != 0 {
		t.Errorf("metrics recorded for skipped message: %d", n)
	}
	if f.sched.Len() != 0 {
		t.Error("agent messages must not schedule SLA checks")
	}
}

func TestOrchestrator_SchedulesSLACheck(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.store.markErr = errors.New("read-only replica")

	f.orch.ProcessMessage(context.Background(), customerMsg("Does it have heated seats?"), testConv)

	due, ok := f.sched.Pending(testConv.ID)
	if !ok {
		t.Fatal("no SLA check scheduled")
	}
	if time.Until(due) < 23*time.Hour {
		t.Errorf("SLA check due in %v, want ~24h", time.Until(due))
	}
	if n := f.metrics.count(metrics.SLAChecksScheduled, nil); n != 1 {
		t.Errorf("sla_checks_scheduled_total = %d", n)
	}
}

func TestOrchestrator_EvaluateSLA(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  bool
	}{
		{"breached at 24h", 24, true},
		{"not breached at 48h", 48, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, service.OrchestratorOptions{})
			f.config.cfg.SLA.NoResponseHours = tt.limit
			f.store.add(conversation.Message{ID: "m", ConversationID: testConv.ID, IsFromCustomer: true, CreatedAt: fixedNow.Add(-24 * time.Hour)})

			out := f.orch.EvaluateSLA(context.Background(), testConv)
			if out.Triggered() != tt.want {
				t.Fatalf("triggered = %v, want %v", out.Triggered(), tt.want)
			}
			events := f.triggered()
			if tt.want && (len(events) != 1 || events[0].TriggerType != handover.TriggerSLA) {
				t.Fatalf("events = %+v", events)
			}
			if !tt.want {
				if len(events) != 0 {
					t.Fatalf("unexpected events %+v", events)
				}
				if _, ok := f.sched.Pending(testConv.ID); !ok {
					t.Error("unbreached SLA should be re-checked later")
				}
			}
		})
	}
}

func TestOrchestrator_SLARecheckWaitsForOpening(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.config.cfg.SLA = handover.SLAConfig{
		NoResponseHours:   1,
		BusinessHoursOnly: true,
		BusinessHours: &handover.BusinessHours{
			Start:    "09:00",
			End:      "15:00",
			Timezone: "UTC",
			Days:     []string{"mon", "tue", "wed", "thu", "fri"},
		},
	}
	// fixedNow is Wednesday 15:00, the moment the dealership closes, with a
	// fraction of a second of the limit still to accrue.
	f.store.add(conversation.Message{ID: "m", ConversationID: testConv.ID, IsFromCustomer: true, CreatedAt: fixedNow.Add(-time.Hour + 500*time.Millisecond)})

	out := f.orch.EvaluateSLA(context.Background(), testConv)
	if out.Triggered() {
		t.Fatalf("outcome = %+v, want not breached", out)
	}
	due, ok := f.sched.Pending(testConv.ID)
	if !ok {
		t.Fatal("no SLA re-check scheduled")
	}
	// Thursday 09:00 is 18h after fixedNow.
	if wait := time.Until(due); wait < 18*time.Hour-time.Minute {
		t.Errorf("re-check due in %v, want at or after the next opening", wait)
	}
	if wait := time.Until(due); wait > 18*time.Hour+time.Minute {
		t.Errorf("re-check due in %v, want shortly after the next opening", wait)
	}
}

func TestOrchestrator_SLAScheduleSkipsClosedHours(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.config.cfg.SLA = handover.SLAConfig{
		NoResponseHours:   2,
		BusinessHoursOnly: true,
		BusinessHours:     &handover.BusinessHours{Start: "09:00", End: "15:00", Timezone: "UTC", Days: []string{"wed", "thu"}},
	}

	f.orch.ProcessMessage(context.Background(), customerMsg("Does it have heated seats?"), testConv)

	due, ok := f.sched.Pending(testConv.ID)
	if !ok {
		t.Fatal("no SLA check scheduled")
	}
	// Two opening hours from Wednesday 15:00 end Thursday 11:00.
	if wait := time.Until(due); wait < 20*time.Hour-time.Minute || wait > 20*time.Hour+time.Minute {
		t.Errorf("SLA check due in %v, want ~20h", wait)
	}
}

func TestOrchestrator_SLASharesDebounce(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.store.add(conversation.Message{ID: "m", ConversationID: testConv.ID, IsFromCustomer: true, CreatedAt: fixedNow.Add(-30 * time.Hour)})

	f.orch.ProcessMessage(context.Background(), customerMsg("I want to buy this car today"), testConv)
	out := f.orch.EvaluateSLA(context.Background(), testConv)
	if !out.Triggered() || !out.Debounced {
		t.Fatalf("outcome = %+v, want debounced SLA trigger", out)
	}
	if n := len(f.triggered()); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
}

func TestOrchestrator_EmitErrorDoesNotFail(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	f.events.err = errors.New("nats: no responders")
	out := f.orch.ProcessMessage(context.Background(), customerMsg("I want to buy this car today"), testConv)
	if !out.Triggered() {
		t.Fatal("emission failure must not change the decision")
	}
}

// slowPublisher holds every Emit until release is closed.
type slowPublisher struct {
	release chan struct{}
	rec     eventRecorder
}

func (p *slowPublisher) Emit(ctx context.Context, name string, payload any) error {
	<-p.release
	return p.rec.Emit(ctx, name, payload)
}

func TestOrchestrator_EmitDoesNotBlockDecision(t *testing.T) {
	pub := &slowPublisher{release: make(chan struct{})}
	store := newConvMockStore()
	orch := service.NewIntentOrchestrator(
		&staticConfig{cfg: handover.SafeDefault(), disabled: map[string]bool{}},
		[]service.SignalEngine{service.NewRuleEngine(staticCatalog(handover.DefaultRuleCatalog()), nil)},
		store, pub, nil, nil,
		service.OrchestratorOptions{Now: func() time.Time { return fixedNow }},
	)

	done := make(chan handover.Outcome, 1)
	go func() {
		done <- orch.ProcessMessage(context.Background(), customerMsg("I want to buy this car today"), testConv)
	}()
	select {
	case out := <-done:
		if !out.Triggered() || out.Debounced {
			t.Fatalf("outcome = %+v, want emitted trigger", out)
		}
	case <-time.After(time.Second):
		close(pub.release)
		t.Fatal("ProcessMessage waited for the event publisher")
	}
	if n := len(pub.rec.named(handover.EventIntentTriggered)); n != 0 {
		t.Fatalf("events before release = %d", n)
	}

	close(pub.release)
	orch.Wait()
	if n := len(pub.rec.named(handover.EventIntentTriggered)); n != 1 {
		t.Fatalf("events after release = %d, want 1", n)
	}
	if tt, ok := store.evaluatedAs(testConv.ID); !ok || tt != handover.TriggerRule {
		t.Errorf("evaluated bookkeeping = %q, %v", tt, ok)
	}
}

func TestOrchestrator_HandleInbound(t *testing.T) {
	f := newPipeline(t, service.OrchestratorOptions{})
	payload, _ := json.Marshal(conversation.InboundMessage{
		Message:      conversation.Message{ID: "m1", Content: "can I schedule a test drive", IsFromCustomer: true},
		Conversation: testConv,
	})
	if err := f.orch.HandleInbound(context.Background(), "messages.customer.created", payload); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	events := f.triggered()
	if len(events) != 1 || events[0].RuleID != "R-TESTDRIVE-1" {
		t.Fatalf("events = %+v", events)
	}

	if err := f.orch.HandleInbound(context.Background(), "messages.customer.created", []byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOrchestrator_Janitor(t *testing.T) {
	guard := service.NewDebounceGuard(10 * time.Millisecond)
	orch := service.NewIntentOrchestrator(&staticConfig{cfg: handover.SafeDefault()}, nil, nil, nil, nil, guard, service.OrchestratorOptions{})
	guard.ShouldEmit("c1", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.RunJanitor(ctx, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for guard.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if guard.Len() != 0 {
		t.Fatal("janitor did not sweep expired entries")
	}
}
