// Package metrics exposes pool and arbiter activity to Prometheus. It
// observes through hooks only; nothing in the execution path depends on it.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/hooks"
	"github.com/mattjoyce/testhive/internal/worker"
)

const (
	MetricsNamespace = "testhive"

	// pluginName identifies the collector's hooks.
	pluginName = "metrics"
)

// Outcome labels.
const (
	OutcomePass  = "pass"
	OutcomeFail  = "fail"
	OutcomeCrash = "crash"
)

// Collector owns a registry and the testhive metrics in it.
type Collector struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	testsTotal      *prometheus.CounterVec
	testDuration    prometheus.Histogram
	workersLive     prometheus.Gauge
	workerSpawns    prometheus.Counter
	workerExits     *prometheus.CounterVec
	allocationsLive prometheus.Gauge
	allocations     *prometheus.CounterVec

	live sync.Map
}

// New registers the testhive metrics plus the Go and process collectors on
// a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "attempts_total",
			Help:      "Test execution attempts by outcome",
		}, []string{"outcome"}),
		testsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tests_total",
			Help:      "Tests finished, after retries, by outcome",
		}, []string{"outcome"}),
		testDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a single test attempt",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		workersLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "workers_live",
			Help:      "Workers currently holding a pool slot",
		}),
		workerSpawns: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "worker_spawns_total",
			Help:      "Workers that reported ready",
		}),
		workerExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits by final state",
		}, []string{"state"}),
		allocationsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "file_allocations_live",
			Help:      "Arbiter allocations not yet released",
		}),
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "file_allocations_total",
			Help:      "Arbiter allocation events",
		}, []string{"event"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// AttachPool observes attempts, results and worker lifecycle.
func (c *Collector) AttachPool(p *worker.Pool) {
	p.ResultHooks().MustHook(worker.OnAttempt).ReadHook(pluginName, func(_ context.Context, r worker.Result, _ ...any) error {
		c.attemptsTotal.WithLabelValues(outcome(r)).Inc()
		c.testDuration.Observe(r.Duration.Seconds())
		return nil
	})
	p.ResultHooks().MustHook(worker.OnResult).ReadHook(pluginName, func(_ context.Context, r worker.Result, _ ...any) error {
		c.testsTotal.WithLabelValues(outcome(r)).Inc()
		return nil
	})
	p.LifecycleHooks().MustHook(worker.OnSpawn).ReadHook(pluginName, func(_ context.Context, s worker.Snapshot, _ ...any) error {
		c.workerSpawns.Inc()
		c.workersLive.Inc()
		c.live.Store(s.ID, struct{}{})
		return nil
	})
	p.LifecycleHooks().MustHook(worker.OnExit).ReadHook(pluginName, func(_ context.Context, s worker.Snapshot, _ ...any) error {
		c.workerExits.WithLabelValues(string(s.State)).Inc()
		// Workers that never reported ready were not counted as live.
		if _, ok := c.live.LoadAndDelete(s.ID); ok {
			c.workersLive.Dec()
		}
		return nil
	})
}

// AttachArbiter observes file allocation and release.
func (c *Collector) AttachArbiter(a *arbiter.Arbiter) {
	a.Hooks().MustHook(hooks.OnFilename).ReadHook(pluginName, func(context.Context, string, ...any) error {
		c.allocations.WithLabelValues("allocated").Inc()
		c.allocationsLive.Inc()
		return nil
	})
	a.Hooks().MustHook(hooks.OnRelease).ReadHook(pluginName, func(context.Context, string, ...any) error {
		c.allocations.WithLabelValues("released").Inc()
		c.allocationsLive.Dec()
		return nil
	})
}

func outcome(r worker.Result) string {
	switch {
	case r.Crashed:
		return OutcomeCrash
	case r.Status == worker.StatusSuccess:
		return OutcomePass
	default:
		return OutcomeFail
	}
}
