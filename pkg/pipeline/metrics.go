package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	framesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "picturear",
		Subsystem: "pipeline",
		Name:      "frames_total",
		Help:      "Frames delivered to the pipeline.",
	})
	annotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "picturear",
		Subsystem: "pipeline",
		Name:      "frames_annotated_total",
		Help:      "Frames run through the overlay routine.",
	})
	passthroughTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "picturear",
		Subsystem: "pipeline",
		Name:      "frames_passthrough_total",
		Help:      "Frames returned without running the overlay routine.",
	})
	overlaySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "picturear",
		Subsystem: "pipeline",
		Name:      "overlay_seconds",
		Help:      "Time spent in the overlay routine per frame.",
		Buckets:   []float64{.001, .0025, .005, .01, .02, .033, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(framesTotal, annotatedTotal, passthroughTotal, overlaySeconds)
}
