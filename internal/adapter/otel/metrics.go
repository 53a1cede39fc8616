package otel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rylieai/handover/internal/port/metrics"
)

const meterName = "github.com/rylieai/handover"

// latencyBuckets cover the 2s decision budget in milliseconds.
var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 1500, 2000, 5000}

// Sink implements metrics.Sink over an OpenTelemetry meter. Instruments are
// created lazily and cached by name.
type Sink struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewSink creates a sink on the given meter; nil uses the global provider.
func NewSink(meter metric.Meter) *Sink {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	return &Sink{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RegisterMetric creates the instrument for name. Registering the same
// name and kind again is a no-op; a different kind is an error.
func (s *Sink) RegisterMetric(name string, kind metrics.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, isCounter := s.counters[name]
	_, isHistogram := s.histograms[name]

	switch kind {
	case metrics.KindCounter:
		if isCounter {
			return nil
		}
		if isHistogram {
			return fmt.Errorf("metric %s already registered as histogram", name)
		}
		c, err := s.meter.Int64Counter(name)
		if err != nil {
			return fmt.Errorf("register counter %s: %w", name, err)
		}
		s.counters[name] = c
	case metrics.KindHistogram:
		if isHistogram {
			return nil
		}
		if isCounter {
			return fmt.Errorf("metric %s already registered as counter", name)
		}
		h, err := s.meter.Float64Histogram(name,
			metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...))
		if err != nil {
			return fmt.Errorf("register histogram %s: %w", name, err)
		}
		s.histograms[name] = h
	default:
		return fmt.Errorf("metric %s: unknown kind %q", name, kind)
	}
	return nil
}

// IncrementMetric adds one to a counter, registering it on first use.
func (s *Sink) IncrementMetric(ctx context.Context, name string, labels metrics.Labels) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		if err := s.RegisterMetric(name, metrics.KindCounter); err != nil {
			slog.Warn("metric increment dropped", "metric", name, "error", err)
			return
		}
		s.mu.RLock()
		c = s.counters[name]
		s.mu.RUnlock()
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs(labels)...))
}

// RecordLatency records a histogram observation, registering it on first use.
func (s *Sink) RecordLatency(ctx context.Context, name string, valueMs float64, labels metrics.Labels) {
	s.mu.RLock()
	h, ok := s.histograms[name]
	s.mu.RUnlock()
	if !ok {
		if err := s.RegisterMetric(name, metrics.KindHistogram); err != nil {
			slog.Warn("metric observation dropped", "metric", name, "error", err)
			return
		}
		s.mu.RLock()
		h = s.histograms[name]
		s.mu.RUnlock()
	}
	h.Record(ctx, valueMs, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels metrics.Labels) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, labels[k]))
	}
	return out
}
