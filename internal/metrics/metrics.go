// Package metrics exports Prometheus collectors for handled task events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Recorder counts outcomes and observes handling latency.
type Recorder struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	fatal    prometheus.Counter
}

// New registers the collectors with reg, reusing collectors that are already
// registered under the same names.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskwatch",
			Subsystem: "events",
			Name:      "outcomes_total",
			Help:      "Task state change events by target, outcome and drop reason",
		}, []string{"target", "kind", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskwatch",
			Subsystem: "events",
			Name:      "handle_duration_seconds",
			Help:      "Latency distribution of task event handling",
			Buckets:   histogramBuckets,
		}, []string{"target", "kind"}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskwatch",
			Subsystem: "events",
			Name:      "store_inconsistencies_total",
			Help:      "Events that failed because a record changed or vanished mid-update",
		}),
	}
	if reg == nil {
		return r
	}

	if err := reg.Register(r.outcomes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				r.outcomes = existing
			}
		}
	}
	if err := reg.Register(r.latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				r.latency = existing
			}
		}
	}
	if err := reg.Register(r.fatal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				r.fatal = existing
			}
		}
	}
	return r
}

// Observe records one handled event.
func (r *Recorder) Observe(_ domain.TaskStateChangeEvent, out reconcile.Outcome, elapsed time.Duration) {
	target := out.Target
	if target == "" {
		target = "unknown"
	}
	kind := string(out.Kind)
	r.outcomes.With(prometheus.Labels{"target": target, "kind": kind, "reason": out.Reason}).Inc()
	r.latency.With(prometheus.Labels{"target": target, "kind": kind}).Observe(elapsed.Seconds())
	if out.Fatal() {
		r.fatal.Inc()
	}
}
