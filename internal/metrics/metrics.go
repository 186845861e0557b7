// Package metrics defines the Prometheus collectors exported by the sync agent and the backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetsync"

// Dispatch outcomes.
const (
	OutcomeExecuted      = "executed"
	OutcomeQueuedOffline = "queued_offline"
	OutcomeQueuedFailure = "queued_failure"
	OutcomeInvalid       = "invalid"
)

// SyncMetrics tracks the client-side sync core. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	dispatches    *prometheus.CounterVec
	pending       prometheus.Gauge
	flushed       prometheus.Counter
	flushFailures *prometheus.CounterVec
	deadLetters   prometheus.Counter
}

// NewSyncMetrics registers the sync collectors with registerer.
func NewSyncMetrics(registerer prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Mutations passed through the dispatch gate by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records waiting in the action log after the last flush.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_total",
			Help:      "Records replayed successfully by the queue flusher.",
		}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Record replays that failed, by failure class.",
		}, []string{"failure"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Records moved to the dead-letter list after repeated rejections.",
		}),
	}
	collectors := []prometheus.Collector{m.dispatches, m.pending, m.flushed, m.flushFailures, m.deadLetters}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *SyncMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *SyncMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

func (m *SyncMetrics) AddFlushed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.flushed.Add(float64(count))
}

func (m *SyncMetrics) ObserveFlushFailure(failure string) {
	if m == nil {
		return
	}
	m.flushFailures.WithLabelValues(failure).Inc()
}

func (m *SyncMetrics) AddDeadLetters(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.deadLetters.Add(float64(count))
}

// BackendMetrics tracks writes accepted by the row store HTTP surface.
type BackendMetrics struct {
	writes *prometheus.CounterVec
}

// NewBackendMetrics registers the backend collectors with registerer.
func NewBackendMetrics(registerer prometheus.Registerer) (*BackendMetrics, error) {
	m := &BackendMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_rows_written_total",
			Help:      "Rows changed by backend writes, by table and operation.",
		}, []string{"table", "op"}),
	}
	if err := registerer.Register(m.writes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BackendMetrics) AddWrites(table, op string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.writes.WithLabelValues(table, op).Add(float64(count))
}
