package node

import (
	"sync/atomic"
	"time"
)

// Metrics holds node processing counters.
type Metrics struct {
	// ItemsProcessed counts items that reached DONE.
	ItemsProcessed int64
	// ResultsWritten counts results written to the output.
	ResultsWritten int64
	// Errors counts items reported to the error hook.
	Errors int64
	// ProcessingTimeNs is the total item processing time in nanoseconds.
	ProcessingTimeNs int64
}

// MetricsCollector collects node processing metrics.
type MetricsCollector interface {
	RecordProcessed(d time.Duration)
	RecordResult()
	RecordError()
	GetMetrics() Metrics
}

// DefaultMetricsCollector is a thread-safe MetricsCollector.
type DefaultMetricsCollector struct {
	processed atomic.Int64
	results   atomic.Int64
	errors    atomic.Int64
	totalTime atomic.Int64
}

// NewMetricsCollector creates a metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

func (m *DefaultMetricsCollector) RecordProcessed(d time.Duration) {
	m.processed.Add(1)
	m.totalTime.Add(d.Nanoseconds())
}

func (m *DefaultMetricsCollector) RecordResult() { m.results.Add(1) }

func (m *DefaultMetricsCollector) RecordError() { m.errors.Add(1) }

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		ItemsProcessed:   m.processed.Load(),
		ResultsWritten:   m.results.Load(),
		Errors:           m.errors.Load(),
		ProcessingTimeNs: m.totalTime.Load(),
	}
}

// AverageProcessingTime returns the mean processing time per item.
func (m *DefaultMetricsCollector) AverageProcessingTime() time.Duration {
	processed := m.processed.Load()
	if processed == 0 {
		return 0
	}
	return time.Duration(m.totalTime.Load() / processed)
}

// ErrorRate returns the share of processed items that failed, as a percentage.
func (m *DefaultMetricsCollector) ErrorRate() float64 {
	processed := m.processed.Load()
	if processed == 0 {
		return 0
	}
	return float64(m.errors.Load()) / float64(processed) * 100
}

var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector discards metrics.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordProcessed(time.Duration) {}
func (NoOpMetricsCollector) RecordResult()                 {}
func (NoOpMetricsCollector) RecordError()                  {}
func (NoOpMetricsCollector) GetMetrics() Metrics           { return Metrics{} }

var _ MetricsCollector = NoOpMetricsCollector{}
