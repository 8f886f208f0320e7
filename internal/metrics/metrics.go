// Package metrics re-namespaces the teacher's prometheus registration
// idiom (package-level CounterVec/HistogramVec/GaugeVec vars, created
// and registered in init()) to the gateway's own exchange/session/
// code-mode concerns.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExchangesTotal *prometheus.CounterVec

	ExchangeDuration *prometheus.HistogramVec

	CodemodeExecutionsTotal *prometheus.CounterVec

	CodemodeDuration *prometheus.HistogramVec

	ServerHealth *prometheus.GaugeVec

	CaptureWriteErrorsTotal *prometheus.CounterVec
)

func init() {
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "exchanges_total",
			Help:      "Total number of proxied JSON-RPC exchanges",
		},
		[]string{"server", "method", "status"},
	)

	ExchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "exchange_duration_seconds",
			Help:      "Time spent forwarding one exchange to an upstream server",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "method"},
	)

	CodemodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "codemode",
			Name:      "executions_total",
			Help:      "Total code-mode script executions",
		},
		[]string{"status"},
	)

	CodemodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "codemode",
			Name:      "execution_duration_seconds",
			Help:      "Code-mode script execution wall time",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	ServerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "registry",
			Name:      "server_health",
			Help:      "Last observed health of a registered server (0=down, 0.5=unknown, 1=up)",
		},
		[]string{"server"},
	)

	CaptureWriteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "capture",
			Name:      "write_errors_total",
			Help:      "Capture store append/rename failures",
		},
		[]string{"server"},
	)

	prometheus.MustRegister(
		ExchangesTotal,
		ExchangeDuration,
		CodemodeExecutionsTotal,
		CodemodeDuration,
		ServerHealth,
		CaptureWriteErrorsTotal,
	)
}

// RecordExchange records one completed proxy exchange.
func RecordExchange(server, method, status string, durationSec float64) {
	ExchangesTotal.WithLabelValues(server, method, status).Inc()
	ExchangeDuration.WithLabelValues(server, method).Observe(durationSec)
}

// RecordCodemodeExecution records one code-mode script execution.
func RecordCodemodeExecution(status string, durationSec float64) {
	CodemodeExecutionsTotal.WithLabelValues(status).Inc()
	CodemodeDuration.WithLabelValues(status).Observe(durationSec)
}

// SetServerHealth mirrors a registry health observation into a gauge.
func SetServerHealth(server string, health string) {
	var val float64
	switch health {
	case "up":
		val = 1.0
	case "unknown":
		val = 0.5
	default:
		val = 0.0
	}
	ServerHealth.WithLabelValues(server).Set(val)
}

// RecordCaptureWriteError records a capture-io failure.
func RecordCaptureWriteError(server string) {
	CaptureWriteErrorsTotal.WithLabelValues(server).Inc()
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
