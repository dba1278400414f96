package shell

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeFatal   = "fatal"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_shell_commands_total",
			Help: "Total number of scripts run to completion, by outcome.",
		},
		[]string{"outcome"},
	)

	commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tarn_shell_command_seconds",
			Help:    "Wall time of scripts run to completion, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(commandDuration)

	for _, o := range []string{outcomeSuccess, outcomeFailure, outcomeFatal} {
		commandsTotal.WithLabelValues(o)
	}
}
