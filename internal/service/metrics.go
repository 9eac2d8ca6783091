package service

import (
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strategy_generator_duration_seconds",
		Help:    "Duration of generator invocations",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
	}, []string{"kind", "outcome"})

	generatorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_generator_attempts_total",
		Help: "Total generator invocation attempts",
	}, []string{"kind"})

	generatorSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_generator_skipped_total",
		Help: "Generator invocations skipped because the output already existed",
	}, []string{"kind"})

	generatorResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_generator_results_total",
		Help: "Final generator outcomes after retries, by kind",
	}, []string{"kind", "outcome"})

	pipelineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_pipeline_transitions_total",
		Help: "Phase transitions by target phase",
	}, []string{"phase"})

	pipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_pipeline_failures_total",
		Help: "Failed pipelines by phase and error kind",
	}, []string{"phase", "kind"})

	pipelineStuck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strategy_pipeline_stuck_total",
		Help: "Pipelines failed by the supervisor",
	})
)

func outcome(res domain.Result) string {
	if res.Failure != nil {
		return string(res.Failure.Kind)
	}
	return "ok"
}

func observeAttempt(res domain.Result, elapsed time.Duration) {
	generatorAttempts.WithLabelValues(string(res.Kind)).Inc()
	generatorDuration.WithLabelValues(string(res.Kind), outcome(res)).Observe(elapsed.Seconds())
}

// observeResult counts the outcome a stage settled on after its retries.
func observeResult(res domain.Result) {
	generatorResults.WithLabelValues(string(res.Kind), outcome(res)).Inc()
}
