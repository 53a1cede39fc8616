// Package metrics defines the port for emitting engine metrics.
package metrics

import "context"

// Kind is the instrument type of a metric.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindHistogram Kind = "histogram"
)

// Metric names emitted by the engine.
const (
	IntentDetectionTotal   = "intent_detection_total"
	IntentDetectionLatency = "intent_detection_latency_ms"
	HandoverTriggersTotal  = "handover_triggers_total"
	HandoverDebouncedTotal = "handover_debounced_total"
	ConfigErrorsTotal      = "config_errors_total"
	ConfigReloadsTotal     = "config_reloads_total"
	SLAChecksScheduled     = "sla_checks_scheduled_total"
	LogRecordsDropped      = "log_records_dropped_total"
)

// Labels are metric attributes.
type Labels map[string]string

// Sink records metrics. Registration is idempotent.
type Sink interface {
	RegisterMetric(name string, kind Kind) error
	IncrementMetric(ctx context.Context, name string, labels Labels)
	RecordLatency(ctx context.Context, name string, valueMs float64, labels Labels)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RegisterMetric(string, Kind) error                      { return nil }
func (Nop) IncrementMetric(context.Context, string, Labels)        {}
func (Nop) RecordLatency(context.Context, string, float64, Labels) {}
