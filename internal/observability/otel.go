package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
)

// OTelMetrics bridges the Metrics interface onto an OpenTelemetry meter.
// Instruments are created lazily and cached per metric name.
type OTelMetrics struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewOTelMetrics constructs a metrics bridge over the provided meter.
func NewOTelMetrics(meter apimetric.Meter) *OTelMetrics {
	m := new(OTelMetrics)
	m.meter = meter
	m.counters = make(map[string]apimetric.Float64Counter)
	m.histograms = make(map[string]apimetric.Float64Histogram)
	m.gauges = make(map[string]apimetric.Float64Gauge)
	return m
}

// IncCounter adds value to the named counter with the given labels.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram records a histogram observation with the given labels.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	hist, err := m.histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

// SetGauge records the latest gauge value with the given labels.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	gauge, err := m.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func (m *OTelMetrics) counter(name string) (apimetric.Float64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *OTelMetrics) histogram(name string) (apimetric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func (m *OTelMetrics) gauge(name string) (apimetric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g, nil
	}
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = g
	return g, nil
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for _, k := range sortedLabelKeys(labels) {
		out = append(out, attribute.String(k, labels[k]))
	}
	return out
}
