package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_completed_total", Help: "Jobs that reached the completed stage"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_failed_total", Help: "Jobs that ended failed with a retryable error"})
	PermanentFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_permanent_total", Help: "Jobs that ended failed with a permanent error"})
	RetriesScheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_retries_scheduled_total", Help: "Failed jobs re-entered into the pipeline"})
	RotationSignals   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_circuit_rotations_total", Help: "Rotation signals sent on the proxy control channel"})
	IdentityRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_identity_rejects_total", Help: "Exit identities rejected as cooling or failed today"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_jobs_inflight", Help: "Jobs currently being processed"})
	CoolingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_identities_cooling", Help: "Exit identities currently inside the cooldown window"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCompleted,
			JobsFailed,
			PermanentFailures,
			RetriesScheduled,
			RotationSignals,
			IdentityRejects,
			InFlightGauge,
			CoolingGauge,
		)
	})
	return promhttp.Handler()
}
