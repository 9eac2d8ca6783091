package ai

import (
	"context"

	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "strategy_generator_tokens_total",
	Help: "Model tokens by generator kind and direction",
}, []string{"kind", "direction"})

// recordUsage adds one exchange's token counts under the calling generator's kind.
func recordUsage(ctx context.Context, prompt, completion int) {
	kind := string(port.GeneratorKindFrom(ctx))
	if kind == "" {
		kind = "unknown"
	}
	if prompt > 0 {
		tokensUsed.WithLabelValues(kind, "in").Add(float64(prompt))
	}
	if completion > 0 {
		tokensUsed.WithLabelValues(kind, "out").Add(float64(completion))
	}
}
