package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUopoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewUopoolMetrics(reg)

	m.IncAdmitted("0xep")
	m.IncAdmitted("0xep")
	m.IncRejected("0xep", "nonce_conflict")
	m.SetPoolSize("0xep", 7)
	m.ObserveSimulation("0xep", 20*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.admitted.WithLabelValues("0xep")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rejected.WithLabelValues("0xep", "nonce_conflict")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.poolSize.WithLabelValues("0xep")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.simulationLatency))
}

func TestNoopMetricsSatisfiesGenerator(t *testing.T) {
	var m MetricsGenerator = NoopMetrics{}
	m.IncBundles("0xep", "created")
}
