// Package metrics exposes Prometheus collectors for the supervisor.
// Helpers are no-ops until Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "service_core"

//nolint:gochecknoglobals // Package-level collectors registered via Register.
var (
	regOK atomic.Bool

	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Number of update checks by result (new, current, failed).",
		}, []string{"service", "result"},
	)
	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "installs_total",
			Help:      "Number of install attempts by result (ok, failed).",
		}, []string{"service", "result"},
	)
	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "starts_total",
			Help:      "Number of successful version starts.",
		}, []string{"service"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "start_failures_total",
			Help:      "Number of failed version start attempts.",
		}, []string{"service"},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "rollbacks_total",
			Help:      "Number of starts that succeeded on an older version than the newest installed.",
		}, []string{"service"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "start_duration_seconds",
			Help:      "Time from launch to a passed health check.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "running",
			Help:      "1 when the service has a running version, 0 otherwise.",
		}, []string{"service"},
	)
)

// Register registers all collectors with r.
// Calling it again after success is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}

	cs := []prometheus.Collector{updateChecks, installs, starts, startFailures, rollbacks, startDuration, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}

			return err
		}
	}

	regOK.Store(true)

	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// IncUpdateCheck counts an update check.
func IncUpdateCheck(service, result string) {
	if regOK.Load() {
		updateChecks.WithLabelValues(service, result).Inc()
	}
}

// IncInstall counts an install attempt.
func IncInstall(service, result string) {
	if regOK.Load() {
		installs.WithLabelValues(service, result).Inc()
	}
}

// IncStart counts a successful start.
func IncStart(service string) {
	if regOK.Load() {
		starts.WithLabelValues(service).Inc()
	}
}

// IncStartFailure counts a failed start attempt.
func IncStartFailure(service string) {
	if regOK.Load() {
		startFailures.WithLabelValues(service).Inc()
	}
}

// IncRollback counts a start that landed on an older version.
func IncRollback(service string) {
	if regOK.Load() {
		rollbacks.WithLabelValues(service).Inc()
	}
}

// ObserveStartDuration records how long a start took.
func ObserveStartDuration(service string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(service).Observe(seconds)
	}
}

// SetRunning sets the running gauge of a service.
func SetRunning(service string, up bool) {
	if regOK.Load() {
		var v float64
		if up {
			v = 1
		}

		running.WithLabelValues(service).Set(v)
	}
}
