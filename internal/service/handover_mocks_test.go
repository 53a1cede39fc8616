package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/port/eventbus"
	"github.com/rylieai/handover/internal/port/metrics"
)

// convMockStore is an in-memory conversationstore.Store.
type convMockStore struct {
	mu           sync.Mutex
	messages     map[string][]conversation.Message
	lastCustomer map[string]time.Time
	evaluated    map[string]handover.TriggerType
	err          error
	markErr      error
	selectCalls  int
}

func newConvMockStore() *convMockStore {
	return &convMockStore{
		messages:     make(map[string][]conversation.Message),
		lastCustomer: make(map[string]time.Time),
		evaluated:    make(map[string]handover.TriggerType),
	}
}

func (m *convMockStore) add(msg conversation.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if msg.IsFromCustomer && msg.CreatedAt.After(m.lastCustomer[msg.ConversationID]) {
		m.lastCustomer[msg.ConversationID] = msg.CreatedAt
	}
}

func (m *convMockStore) SelectMessages(_ context.Context, conversationID string, since time.Time) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectCalls++
	if m.err != nil {
		return nil, m.err
	}
	var out []conversation.Message
	for _, msg := range m.messages[conversationID] {
		if !msg.CreatedAt.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *convMockStore) SelectLastCustomerMessageTime(_ context.Context, conversationID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.lastCustomer[conversationID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *convMockStore) MarkEvaluated(_ context.Context, conversationID string, triggerType handover.TriggerType, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.evaluated[conversationID] = triggerType
	return nil
}

func (m *convMockStore) evaluatedAs(conversationID string) (handover.TriggerType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tt, ok := m.evaluated[conversationID]
	return tt, ok
}

type emittedEvent struct {
	name    string
	payload any
}

// eventRecorder captures emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []emittedEvent
	err    error
}

var _ eventbus.Publisher = (*eventRecorder)(nil)

func (r *eventRecorder) Emit(_ context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{name: name, payload: payload})
	return r.err
}

func (r *eventRecorder) named(name string) []emittedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emittedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type metricPoint struct {
	name   string
	value  float64
	labels metrics.Labels
}

// metricsRecorder is an in-memory metrics.Sink.
type metricsRecorder struct {
	mu         sync.Mutex
	registered map[string]metrics.Kind
	points     []metricPoint
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{registered: make(map[string]metrics.Kind)}
}

func (r *metricsRecorder) RegisterMetric(name string, kind metrics.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[name] = kind
	return nil
}

func (r *metricsRecorder) IncrementMetric(_ context.Context, name string, labels metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, metricPoint{name: name, value: 1, labels: labels})
}

func (r *metricsRecorder) RecordLatency(_ context.Context, name string, valueMs float64, labels metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, metricPoint{name: name, value: valueMs, labels: labels})
}

// count returns how many points of name carry all the given labels.
func (r *metricsRecorder) count(name string, want metrics.Labels) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.points {
		if p.name != name {
			continue
		}
		match := true
		for k, v := range want {
			if p.labels[k] != v {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

// staticConfig serves one configuration to every dealership.
type staticConfig struct {
	cfg      handover.DealershipConfig
	disabled map[string]bool
}

func (s staticConfig) GetDealershipConfig(context.Context, string) handover.DealershipConfig {
	return s.cfg.Clone()
}

func (s staticConfig) IsFeatureEnabled(flag, _ string) bool {
	return !s.disabled[flag]
}

// staticCatalog serves a fixed rule catalog at version 1.
type staticCatalog []handover.Rule

func (c staticCatalog) RuleCatalog() (uint64, []handover.Rule) { return 1, c }

// flagGate enables exactly the listed flags.
type flagGate map[string]bool

func (g flagGate) IsFeatureEnabled(flag, _ string) bool { return g[flag] }
