package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renewalAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewer_attempts_total",
			Help: "Renewal attempts by terminal state",
		},
		[]string{"state"}, // Succeeded, TooEarly, Failed
	)

	renewalDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renewer_attempt_duration_seconds",
			Help:    "Renewal attempt duration in seconds",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"state"},
	)

	captchaSolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewer_captcha_solves_total",
			Help: "Captcha solve outcomes by method",
		},
		[]string{"method", "status"}, // status: solved, failed
	)

	classifierCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewer_classifier_calls_total",
			Help: "Classifier calls by mode and status",
		},
		[]string{"mode", "status"}, // mode: ensemble, variant; status: success, error, timeout, nomatch
	)

	classifierDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renewer_classifier_duration_seconds",
			Help:    "Classifier call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)
)

// RecordAttempt records a finished renewal attempt.
func RecordAttempt(state string, d time.Duration) {
	renewalAttemptsTotal.WithLabelValues(state).Inc()
	renewalDurationSeconds.WithLabelValues(state).Observe(d.Seconds())
}

// RecordSolve records the outcome of one captcha solve.
func RecordSolve(method, status string) {
	if method == "" {
		method = "none"
	}
	captchaSolvesTotal.WithLabelValues(method, status).Inc()
}

// RecordClassifierCall records one classifier invocation.
func RecordClassifierCall(mode, status string, d time.Duration) {
	classifierCallsTotal.WithLabelValues(mode, status).Inc()
	classifierDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// WriteMetricsTextfile dumps the default registry in the node-exporter
// textfile format. An empty path is a no-op.
func WriteMetricsTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
