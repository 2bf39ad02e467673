// Package metrics provides Prometheus metrics collection for the Embark
// failure pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter metrics
	uncaughtDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embark_failure_uncaught_total",
			Help: "Total number of uncaught failures delivered to a context registry",
		},
		[]string{"context"},
	)

	uncaughtForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embark_failure_forwarded_total",
			Help: "Total number of uncaught failures forwarded to a parent handler",
		},
		[]string{"context"},
	)

	runFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "embark_failure_run_total",
			Help: "Total number of application run failures handled",
		},
	)

	reporterOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embark_failure_reporter_total",
			Help: "Total number of reporter invocations by outcome",
		},
		[]string{"outcome"},
	)

	exitCodesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embark_failure_exit_code_total",
			Help: "Total number of non-zero exit codes resolved",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		uncaughtDeliveries,
		uncaughtForwarded,
		runFailures,
		reporterOutcomes,
		exitCodesResolved,
	)
}

// RecordUncaught records an uncaught-failure delivery for a context
func RecordUncaught(contextKey string) {
	uncaughtDeliveries.WithLabelValues(contextKey).Inc()
}

// RecordForwarded records a forward to a parent handler
func RecordForwarded(contextKey string) {
	uncaughtForwarded.WithLabelValues(contextKey).Inc()
}

// RecordRunFailure records a handled application run failure
func RecordRunFailure() {
	runFailures.Inc()
}

// RecordReporter records a reporter invocation outcome: "handled",
// "skipped", or "panicked"
func RecordReporter(outcome string) {
	reporterOutcomes.WithLabelValues(outcome).Inc()
}

// RecordExitCode records a resolved non-zero exit code from either the
// handler chain ("handler") or the cause-chain walk ("cause")
func RecordExitCode(source string) {
	exitCodesResolved.WithLabelValues(source).Inc()
}
