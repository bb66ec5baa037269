// Package metrics exports search progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dartsearch"

const (
	PhaseTrain = "train"
	PhaseValid = "valid"
)

// Recorder publishes training-loop telemetry. A nil *Recorder records
// nothing.
type Recorder struct {
	learningRate  prometheus.Gauge
	loss          *prometheus.GaugeVec
	top1          *prometheus.GaugeVec
	top5          *prometheus.GaugeVec
	bestValidTop1 prometheus.Gauge
	steps         *prometheus.CounterVec
	epochs        prometheus.Counter
	duration      *prometheus.HistogramVec
}

// New registers the search metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		learningRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Weight learning rate of the latest step",
		}),
		loss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_loss",
			Help:      "Running average loss of the current pass",
		}, []string{"phase"}),
		top1: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_top1",
			Help:      "Running average top-1 accuracy of the current pass",
		}, []string{"phase"}),
		top5: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_top5",
			Help:      "Running average top-5 accuracy of the current pass",
		}, []string{"phase"}),
		bestValidTop1: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_valid_top1",
			Help:      "Best validation top-1 accuracy so far",
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Batches processed by phase",
		}, []string{"phase"}),
		epochs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Completed search epochs",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "substep_duration_seconds",
			Help:      "Duration of bilevel sub-steps and evaluations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"substep"}),
	}
}

// ObserveStep records one processed batch and the running averages after it.
func (r *Recorder) ObserveStep(phase string, loss, top1, top5 float64) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(phase).Inc()
	r.loss.WithLabelValues(phase).Set(loss)
	r.top1.WithLabelValues(phase).Set(top1)
	r.top5.WithLabelValues(phase).Set(top5)
}

func (r *Recorder) SetLearningRate(lr float64) {
	if r == nil {
		return
	}
	r.learningRate.Set(lr)
}

// ObserveEpoch records a completed epoch.
func (r *Recorder) ObserveEpoch(bestValidTop1 float64) {
	if r == nil {
		return
	}
	r.epochs.Inc()
	r.bestValidTop1.Set(bestValidTop1)
}

// Time returns a func that records the elapsed time of substep when called.
func (r *Recorder) Time(substep string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.duration.WithLabelValues(substep).Observe(time.Since(start).Seconds())
	}
}
