package emit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusEmitter translates engine events into Prometheus metrics,
// namespaced "contd". It is an Emitter like any other; callers that want
// both metrics and logging can write a small Emitter that calls both.
//
// Metrics:
//   - step_latency_ms (histogram, labels step_id/status): step duration.
//   - step_retries_total (counter, labels step_id): retry attempts.
//   - steps_completed_total / steps_failed_total (counters): terminal
//     outcomes per workflow.
//   - leases_acquired_total / leases_lost_total (counters): ownership
//     churn.
//   - distill_cycles_total (counter, labels result): sidecar distill runs.
type PrometheusEmitter struct {
	stepLatency    *prometheus.HistogramVec
	stepRetries    *prometheus.CounterVec
	stepsCompleted prometheus.Counter
	stepsFailed    prometheus.Counter
	leasesAcquired prometheus.Counter
	leasesLost     prometheus.Counter
	distillCycles  *prometheus.CounterVec
}

// NewPrometheusEmitter registers and returns a PrometheusEmitter against
// registry (prometheus.DefaultRegisterer if nil).
func NewPrometheusEmitter(registry prometheus.Registerer) *PrometheusEmitter {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusEmitter{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contd",
			Name:      "step_latency_ms",
			Help:      "Step user-function duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"step_id", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "step_retries_total",
			Help:      "Cumulative retry attempts per step",
		}, []string{"step_id"}),
		stepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "steps_completed_total",
			Help:      "Steps that completed successfully",
		}),
		stepsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "steps_failed_total",
			Help:      "Step attempts that exhausted retries",
		}),
		leasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "leases_acquired_total",
			Help:      "Successful workflow lease acquisitions",
		}),
		leasesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "leases_lost_total",
			Help:      "Leases lost to a heartbeat failure or takeover",
		}),
		distillCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contd",
			Name:      "distill_cycles_total",
			Help:      "Reasoning sidecar distill cycles, by outcome",
		}, []string{"result"}),
	}
}

func (p *PrometheusEmitter) Emit(event Event) {
	switch event.Msg {
	case "step_completed":
		p.stepsCompleted.Inc()
		if ms, ok := event.Meta["duration_ms"].(int64); ok {
			p.stepLatency.WithLabelValues(event.StepID, "success").Observe(float64(ms))
		}
	case "step_failed":
		if ms, ok := event.Meta["duration_ms"].(int64); ok {
			p.stepLatency.WithLabelValues(event.StepID, "error").Observe(float64(ms))
		}
	case "step_retry":
		p.stepRetries.WithLabelValues(event.StepID).Inc()
	case "step_exhausted":
		p.stepsFailed.Inc()
	case "lease_acquired":
		p.leasesAcquired.Inc()
	case "lease_lost":
		p.leasesLost.Inc()
	case "distill_cycle":
		result := "ok"
		if failed, _ := event.Meta["distill_failed"].(bool); failed {
			result = "failed"
		}
		p.distillCycles.WithLabelValues(result).Inc()
	}
}

func (p *PrometheusEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		p.Emit(e)
	}
	return nil
}

// Flush is a no-op: Prometheus metrics are pulled, not pushed.
func (p *PrometheusEmitter) Flush(_ context.Context) error { return nil }
