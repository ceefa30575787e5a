package session

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picturear",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Device session state transitions by target state.",
		},
		[]string{"state"},
	)
	opensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "picturear",
		Subsystem: "session",
		Name:      "opens_total",
		Help:      "Device open attempts.",
	})
	closesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "picturear",
		Subsystem: "session",
		Name:      "closes_total",
		Help:      "Device close completions.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, opensTotal, closesTotal)
}
