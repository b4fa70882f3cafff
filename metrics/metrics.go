package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	IncAdmitted(entryPoint string)
	IncRejected(entryPoint, kind string)
	IncEvicted(entryPoint, reason string)
	IncBundles(entryPoint, outcome string)

	SetPoolSize(entryPoint string, size int)

	ObserveSimulation(entryPoint string, elapsed time.Duration)
}

// UopoolMetrics contains instrumented metrics that should be incremented by the pool using the methods below
type UopoolMetrics struct {
	admitted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	evicted  *prometheus.CounterVec
	bundles  *prometheus.CounterVec

	poolSize *prometheus.GaugeVec

	simulationLatency *prometheus.HistogramVec
}

const uopoolNamespace = "uopool"

func NewUopoolMetrics(reg prometheus.Registerer) *UopoolMetrics {
	return &UopoolMetrics{
		admitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: uopoolNamespace,
				Name:      "ops_admitted_total",
				Help:      "The number of user operations admitted into the pool",
			}, []string{"entrypoint"}),

		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: uopoolNamespace,
				Name:      "ops_rejected_total",
				Help:      "The number of user operations refused at admission, by error kind",
			}, []string{"entrypoint", "kind"}),

		evicted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: uopoolNamespace,
				Name:      "ops_evicted_total",
				Help:      "The number of pooled operations dropped without being included",
			}, []string{"entrypoint", "reason"}),

		bundles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: uopoolNamespace,
				Name:      "bundles_total",
				Help:      "The number of bundles by outcome: created, included or failed",
			}, []string{"entrypoint", "outcome"}),

		poolSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: uopoolNamespace,
				Name:      "pool_size",
				Help:      "The number of operations currently pooled",
			}, []string{"entrypoint"}),

		simulationLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: uopoolNamespace,
				Name:      "simulation_seconds",
				Help:      "Latency of simulateValidation calls",
				Buckets:   prometheus.DefBuckets,
			}, []string{"entrypoint"}),
	}
}

func (m *UopoolMetrics) IncAdmitted(entryPoint string) {
	m.admitted.WithLabelValues(entryPoint).Inc()
}

func (m *UopoolMetrics) IncRejected(entryPoint, kind string) {
	m.rejected.WithLabelValues(entryPoint, kind).Inc()
}

func (m *UopoolMetrics) IncEvicted(entryPoint, reason string) {
	m.evicted.WithLabelValues(entryPoint, reason).Inc()
}

func (m *UopoolMetrics) IncBundles(entryPoint, outcome string) {
	m.bundles.WithLabelValues(entryPoint, outcome).Inc()
}

func (m *UopoolMetrics) SetPoolSize(entryPoint string, size int) {
	m.poolSize.WithLabelValues(entryPoint).Set(float64(size))
}

func (m *UopoolMetrics) ObserveSimulation(entryPoint string, elapsed time.Duration) {
	m.simulationLatency.WithLabelValues(entryPoint).Observe(elapsed.Seconds())
}

// NoopMetrics discards everything, used when metrics are not wired
type NoopMetrics struct{}

func (NoopMetrics) IncAdmitted(string)                      {}
func (NoopMetrics) IncRejected(string, string)              {}
func (NoopMetrics) IncEvicted(string, string)               {}
func (NoopMetrics) IncBundles(string, string)               {}
func (NoopMetrics) SetPoolSize(string, int)                 {}
func (NoopMetrics) ObserveSimulation(string, time.Duration) {}
