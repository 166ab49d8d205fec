package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	computationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devflow",
			Name:      "metric_computation_seconds",
			Help:      "Latency of one aggregated metric computation, partitioned by metric.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"metric"},
	)

	fetchDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "source_fetch_degraded_total",
			Help:      "Listing calls that degraded to an empty result, partitioned by source type and operation.",
		},
		[]string{"source_type", "operation"},
	)

	sourcesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devflow",
			Name:      "sources_registered",
			Help:      "Live adapter instances currently held by the registry.",
		},
	)
)

// Register attaches devflow collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		computationSeconds,
		fetchDegradedTotal,
		sourcesRegistered,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveComputation records the latency of one metric computation.
func ObserveComputation(metric string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	computationSeconds.WithLabelValues(metric).Observe(duration.Seconds())
}

// IncFetchDegraded counts one degraded listing call.
func IncFetchDegraded(sourceType, operation string) {
	fetchDegradedTotal.WithLabelValues(sourceType, operation).Inc()
}

// SetSourcesRegistered tracks the registry's live instance count.
func SetSourcesRegistered(n int) {
	sourcesRegistered.Set(float64(n))
}
