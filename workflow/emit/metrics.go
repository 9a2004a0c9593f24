package emit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters/gauges/histograms for the
// executor, job queue, and sub-schedulers, all namespaced "swisspipe".
//
//   - active_steps (gauge): steps currently dispatching.
//   - queue_depth (gauge): pending jobs in the durable queue.
//   - step_latency_ms (histogram, labels execution_id,node_id,status):
//     node execution duration from dispatch to completion.
//   - retries_total (counter, labels execution_id,node_id,reason):
//     retry attempts per node.
//   - fanin_conflicts_total (counter, labels execution_id,node_id):
//     fan-in merges that raced a second input past ExpectedInputCount.
//   - backpressure_events_total (counter, labels reason): worker pool or
//     queue throttling events.
type Metrics struct {
	activeSteps prometheus.Gauge
	queueDepth  prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	faninConflicts *prometheus.CounterVec
	backpressure   *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers every metric with registry (prometheus.
// DefaultRegisterer if nil) and returns the collector.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.activeSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "swisspipe",
		Name:      "active_steps",
		Help:      "Execution steps currently dispatching",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "swisspipe",
		Name:      "queue_depth",
		Help:      "Pending jobs waiting for a worker",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swisspipe",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"execution_id", "node_id", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swisspipe",
		Name:      "retries_total",
		Help:      "Node retry attempts",
	}, []string{"execution_id", "node_id", "reason"})

	m.faninConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swisspipe",
		Name:      "fanin_conflicts_total",
		Help:      "Fan-in merges that raced a duplicate or late input",
	}, []string{"execution_id", "node_id"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swisspipe",
		Name:      "backpressure_events_total",
		Help:      "Worker pool or queue throttling events",
	}, []string{"reason"})

	return m
}

func (m *Metrics) RecordStepLatency(executionID, nodeID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(executionID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(executionID, nodeID, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(executionID, nodeID, reason).Inc()
}

func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) UpdateActiveSteps(count int) {
	if !m.isEnabled() {
		return
	}
	m.activeSteps.Set(float64(count))
}

func (m *Metrics) IncrementFaninConflicts(executionID, nodeID string) {
	if !m.isEnabled() {
		return
	}
	m.faninConflicts.WithLabelValues(executionID, nodeID).Inc()
}

func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(reason).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording without unregistering collectors; useful in
// tests that don't want to pay histogram/counter overhead.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
