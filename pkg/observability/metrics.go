package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection.
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string)
}

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing.
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordTimer implements MetricsClient.RecordTimer
func (c *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// RecordOperation implements MetricsClient.RecordOperation
func (c *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}

// InMemoryMetricsClient accumulates counters in memory. It backs tests and
// the CLI's end-of-run summary.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string][]time.Duration
}

// NewInMemoryMetricsClient creates an in-memory metrics client.
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		timers:   make(map[string][]time.Duration),
	}
}

// RecordCounter implements MetricsClient.RecordCounter
func (c *InMemoryMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += value
}

// RecordGauge implements MetricsClient.RecordGauge
func (c *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = value
}

// RecordTimer implements MetricsClient.RecordTimer
func (c *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[name] = append(c.timers[name], duration)
}

// RecordOperation implements MetricsClient.RecordOperation
func (c *InMemoryMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	name := component + "." + operation
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
	if !success {
		c.counters[name+".failures"]++
	}
}

// Counter returns the accumulated value for a counter name.
func (c *InMemoryMetricsClient) Counter(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Counters returns a snapshot of all counters.
func (c *InMemoryMetricsClient) Counters() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}
