// Package observability exposes Prometheus collectors for the dispatch
// pipeline.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/queue"
	"github.com/joshsymonds/conductor/internal/tasks"
)

const namespace = "conductor"

// Metrics records admission, buffering, execution and session activity. A
// nil *Metrics is a valid no-op observer.
type Metrics struct {
	admissions  *prometheus.CounterVec
	flushes     *prometheus.CounterVec
	unitParts   prometheus.Histogram
	executions  *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	panics      *prometheus.CounterVec
	buffersOpen prometheus.Gauge
	reg         prometheus.Registerer
}

var _ queue.Observer = (*Metrics)(nil)

// MustNewMetrics creates the collectors and registers them with reg. It
// panics on any registration error other than an identical collector
// already being registered, in which case the existing one is reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}

	m.admissions = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "events_total",
		Help:      "Inbound events by admission verdict.",
	}, []string{"verdict"}))

	m.flushes = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "flushes_total",
		Help:      "Buffer flushes by reason.",
	}, []string{"reason"}))

	m.unitParts = mustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "unit_parts",
		Help:      "Number of events merged into each flushed unit.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
	}))

	m.buffersOpen = mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "open",
		Help:      "Conversations with an open aggregation window.",
	}))

	m.executions = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "runs_total",
		Help:      "Dispatched units by outcome.",
	}, []string{"outcome"}))

	m.runDuration = mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "run_duration_seconds",
		Help:      "Wall time of each dispatched unit.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"}))

	m.transitions = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session state transitions.",
	}, []string{"from", "to"}))

	m.panics = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "panics_total",
		Help:      "Recovered panics in tracked tasks.",
	}, []string{"task"}))

	return m
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Admission implements queue.Observer.
func (m *Metrics) Admission(verdict admission.VerdictKind) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(verdict.String()).Inc()
}

// Flushed implements queue.Observer.
func (m *Metrics) Flushed(reason queue.FlushReason, parts int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(string(reason)).Inc()
	m.unitParts.Observe(float64(parts))
}

// Executed implements queue.Observer.
func (m *Metrics) Executed(outcome queue.Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(outcome)).Inc()
	if outcome != queue.OutcomeCancelled && outcome != queue.OutcomeBusy {
		m.runDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
	}
}

// BuffersOpen implements queue.Observer.
func (m *Metrics) BuffersOpen(n int) {
	if m == nil {
		return
	}
	m.buffersOpen.Set(float64(n))
}

// SessionTransition counts a registry state change. It matches
// conversation.TransitionHook.
func (m *Metrics) SessionTransition(_ string, from, to conversation.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// TaskPanic counts a recovered task panic. It matches the callback taken
// by tasks.NewMetricsPanicHandler.
func (m *Metrics) TaskPanic(info tasks.TaskInfo, _ any) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(info.Name).Inc()
}

// WatchGate exports the gate's backlog and concurrency as gauges sampled
// at scrape time.
func (m *Metrics) WatchGate(g *admission.Gate) {
	if m == nil || g == nil {
		return
	}
	m.gaugeFunc("admission", "queue_depth", "Admitted events not yet running.", func() float64 {
		return float64(g.QueueDepth())
	})
	m.gaugeFunc("admission", "in_flight", "Units holding a concurrency slot.", func() float64 {
		return float64(g.InFlight())
	})
	m.gaugeFunc("admission", "waiting", "Units waiting for a concurrency slot.", func() float64 {
		return float64(g.Waiting())
	})
	m.gaugeFunc("admission", "capacity", "Configured concurrency ceiling.", func() float64 {
		return float64(g.Capacity())
	})
}

// WatchRegistry exports session counts as gauges sampled at scrape time.
func (m *Metrics) WatchRegistry(r *conversation.Registry) {
	if m == nil || r == nil {
		return
	}
	m.gaugeFunc("session", "active", "Sessions that are pending or active.", func() float64 {
		return float64(r.ActiveCount())
	})
	m.gaugeFunc("session", "known", "Sessions held by the registry.", func() float64 {
		return float64(r.Len())
	})
}

// WatchTracker exports the number of live tasks.
func (m *Metrics) WatchTracker(t *tasks.Tracker) {
	if m == nil || t == nil {
		return
	}
	m.gaugeFunc("tasks", "running", "Tracked tasks that have not finished.", func() float64 {
		return float64(t.Len())
	})
}

func (m *Metrics) gaugeFunc(subsystem, name, help string, fn func() float64) {
	mustRegister(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}
