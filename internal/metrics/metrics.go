// Package metrics defines the Prometheus collectors exported by a build
// environment.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kiln"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunningExecutions   prometheus.Gauge
	PropertyComputes    prometheus.Counter
	PropertyFailures    prometheus.Counter
	PropertyInvalidated prometheus.Counter
	LoadedClasspaths    prometheus.Gauge
	ContextsCreated     prometheus.Counter
	ContextsReused      prometheus.Counter
	ContextsReclaimed   prometheus.Counter
	LiveRepositories    prometheus.Gauge
	DataCacheHits       prometheus.Counter
	DataCacheMisses     prometheus.Counter
	DataCacheReleased   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunningExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "barrier", Name: "running_executions",
			Help: "Build executions currently registered with the environment.",
		}),
		PropertyComputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "property", Name: "computations_total",
			Help: "Environment property computations performed.",
		}),
		PropertyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "property", Name: "failures_total",
			Help: "Environment property computations that failed.",
		}),
		PropertyInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "property", Name: "invalidated_total",
			Help: "Memoized environment property results removed by invalidation.",
		}),
		LoadedClasspaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "classpath", Name: "loaded",
			Help: "Classpaths with a non-zero reference count.",
		}),
		ContextsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classpath", Name: "contexts_created_total",
			Help: "Code-loading contexts created from scratch.",
		}),
		ContextsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classpath", Name: "contexts_reused_total",
			Help: "Reclaimable code-loading contexts revived on reload.",
		}),
		ContextsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classpath", Name: "contexts_reclaimed_total",
			Help: "Code-loading contexts destroyed by the garbage collector.",
		}),
		LiveRepositories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "classpath", Name: "live_repositories",
			Help: "Instantiated repository plugins.",
		}),
		DataCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datacache", Name: "hits_total",
			Help: "Cached data lookups served from memory.",
		}),
		DataCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datacache", Name: "misses_total",
			Help: "Cached data lookups that allocated the resource.",
		}),
		DataCacheReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datacache", Name: "released_total",
			Help: "Cached resources released by invalidation or clear.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RunningExecutions,
			m.PropertyComputes,
			m.PropertyFailures,
			m.PropertyInvalidated,
			m.LoadedClasspaths,
			m.ContextsCreated,
			m.ContextsReused,
			m.ContextsReclaimed,
			m.LiveRepositories,
			m.DataCacheHits,
			m.DataCacheMisses,
			m.DataCacheReleased,
		)
	}
	return m
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func add(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

func (m *Metrics) ExecutionStarted() {
	if m != nil {
		add(m.RunningExecutions, 1)
	}
}

func (m *Metrics) ExecutionEnded() {
	if m != nil {
		add(m.RunningExecutions, -1)
	}
}

// PropertyComputed records one computation and whether it failed.
func (m *Metrics) PropertyComputed(failed bool) {
	if m == nil {
		return
	}
	inc(m.PropertyComputes)
	if failed {
		inc(m.PropertyFailures)
	}
}

func (m *Metrics) PropertiesInvalidated(n int) {
	if m != nil && m.PropertyInvalidated != nil {
		m.PropertyInvalidated.Add(float64(n))
	}
}

func (m *Metrics) ClasspathLoaded() {
	if m != nil {
		add(m.LoadedClasspaths, 1)
	}
}

func (m *Metrics) ClasspathUnloaded() {
	if m != nil {
		add(m.LoadedClasspaths, -1)
	}
}

// ContextAcquired records whether a code-loading context was revived or built.
func (m *Metrics) ContextAcquired(reused bool) {
	if m == nil {
		return
	}
	if reused {
		inc(m.ContextsReused)
	} else {
		inc(m.ContextsCreated)
	}
}

func (m *Metrics) ContextReclaimed() {
	if m != nil {
		inc(m.ContextsReclaimed)
	}
}

func (m *Metrics) RepositoryOpened() {
	if m != nil {
		add(m.LiveRepositories, 1)
	}
}

func (m *Metrics) RepositoryClosed() {
	if m != nil {
		add(m.LiveRepositories, -1)
	}
}

// DataCacheLookup records a cache hit or miss.
func (m *Metrics) DataCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		inc(m.DataCacheHits)
	} else {
		inc(m.DataCacheMisses)
	}
}

func (m *Metrics) DataReleased(n int) {
	if m != nil && m.DataCacheReleased != nil {
		m.DataCacheReleased.Add(float64(n))
	}
}
