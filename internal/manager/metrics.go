package manager

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeRemote    = "remote_error"
	outcomeTransport = "transport_error"
)

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_launches_total",
			Help: "Total number of worker launches, by outcome.",
		},
		[]string{"outcome"},
	)

	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tarn_launch_seconds",
			Help:    "Time from starting a worker until it accepted a connection, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tarn_active_workers",
			Help: "Number of launched workers.",
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_remote_calls_total",
			Help: "Total number of remote function calls, by outcome.",
		},
		[]string{"outcome"},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tarn_remote_call_seconds",
			Help:    "Round trip time of remote function calls, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(launchesTotal, launchDuration, activeWorkers, callsTotal, callDuration)

	for _, o := range []string{outcomeSuccess, outcomeFailure} {
		launchesTotal.WithLabelValues(o)
	}
	for _, o := range []string{outcomeSuccess, outcomeRemote, outcomeTransport} {
		callsTotal.WithLabelValues(o)
	}
}
