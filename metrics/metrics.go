// Package metrics exposes prometheus collectors for video generation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videogen"

// Generation outcomes.
const (
	StatusOK      = "ok"
	StatusAborted = "aborted"
	StatusError   = "error"
)

func newCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
}

// Collector holds the generation metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	generations *prometheus.CounterVec
	steps       *prometheus.CounterVec
	forwards    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	stepTime    *prometheus.HistogramVec
	queued      prometheus.Gauge
	running     prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry:    reg,
		generations: newCounterVec("generation", "total", "Generations by solver and outcome.", "solver", "status"),
		steps:       newCounterVec("generation", "steps_total", "Completed sampling steps.", "solver"),
		forwards:    newCounterVec("generation", "forwards_total", "Denoiser calls.", "solver"),
	}
	reg.MustRegister(c.generations, c.steps, c.forwards)

	factory := promauto.With(reg)
	c.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "duration_seconds",
		Help:      "Wall time of completed generations.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{"solver"})
	c.stepTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "step_seconds",
		Help:      "Average wall time per sampling step.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"solver"})
	c.queued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "queued_requests",
		Help:      "Requests waiting for the pipeline.",
	})
	c.running = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "running_requests",
		Help:      "Requests currently generating.",
	})
	return c
}

// ObserveGeneration records one finished generation. steps counts the
// sampling steps that completed.
func (c *Collector) ObserveGeneration(solver, status string, steps, forwards int, d time.Duration) {
	c.generations.WithLabelValues(solver, status).Inc()
	c.steps.WithLabelValues(solver).Add(float64(steps))
	c.forwards.WithLabelValues(solver).Add(float64(forwards))

	if status != StatusOK {
		return
	}
	c.duration.WithLabelValues(solver).Observe(d.Seconds())
	if steps > 0 {
		c.stepTime.WithLabelValues(solver).Observe(d.Seconds() / float64(steps))
	}
}

// RequestQueued, RequestStarted and RequestDone move a server request
// through the queue and running gauges.
func (c *Collector) RequestQueued() { c.queued.Inc() }

func (c *Collector) RequestStarted() {
	c.queued.Dec()
	c.running.Inc()
}

func (c *Collector) RequestDone() { c.running.Dec() }

// RequestDropped removes a queued request that never started.
func (c *Collector) RequestDropped() { c.queued.Dec() }

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Generations returns the counter of generations with solver and status.
func (c *Collector) Generations(solver, status string) prometheus.Counter {
	return c.generations.WithLabelValues(solver, status)
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
