// Package observability holds the Prometheus collectors shared by a session.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pklctl",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames written to or read from the engine.",
		},
		[]string{"direction", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pklctl",
			Subsystem: "evaluator",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code", "outcome"},
	)
	callbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pklctl",
			Subsystem: "evaluator",
			Name:      "callbacks_total",
			Help:      "Read and list callbacks served for the engine.",
		},
		[]string{"code", "success"},
	)
	evaluatorsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pklctl",
			Subsystem: "evaluator",
			Name:      "open",
			Help:      "Evaluators created and not yet closed.",
		},
	)
)

// Outcome labels for RecordRequest.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeFailed  = "failed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, requestDuration, callbacksTotal, evaluatorsOpen)
	})
}

func RecordFrameSent(code string) {
	RegisterMetrics()
	framesTotal.WithLabelValues("sent", code).Inc()
}

func RecordFrameReceived(code string) {
	RegisterMetrics()
	framesTotal.WithLabelValues("received", code).Inc()
}

func RecordRequest(code, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(code, outcome).Observe(duration.Seconds())
}

func RecordCallback(code string, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
	}
	callbacksTotal.WithLabelValues(code, label).Inc()
}

func EvaluatorOpened() {
	RegisterMetrics()
	evaluatorsOpen.Inc()
}

func EvaluatorClosed() {
	RegisterMetrics()
	evaluatorsOpen.Dec()
}

// FramesTotal reads the frame counter, for diagnostics and tests.
func FramesTotal(direction, code string) float64 {
	return counterValue(framesTotal.WithLabelValues(direction, code))
}

func CallbacksTotal(code string, success bool) float64 {
	label := "false"
	if success {
		label = "true"
	}
	return counterValue(callbacksTotal.WithLabelValues(code, label))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
