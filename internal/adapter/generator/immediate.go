package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const immediateSystem = "You are a rideshare strategy expert analyzing current market conditions."

const immediateTask = `Give the driver a tactical strategy for the next hour.
Cover the demand pattern and surge likelihood, where to position and why, and one pro tip.
Write 80-150 words of plain text.`

// Immediate produces the fast tactical strategy.
type Immediate struct {
	ai port.AIProvider
}

// NewImmediate creates the immediate strategy generator.
func NewImmediate(ai port.AIProvider) *Immediate {
	return &Immediate{ai: ai}
}

func (g *Immediate) Kind() domain.GeneratorKind { return domain.KindImmediate }

func (g *Immediate) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	reply, err := g.ai.Chat(ctx, immediateSystem, immediateTask, []string{driverContext(in.Snapshot)})
	if err != nil {
		return nil, fmt.Errorf("immediate: %w", err)
	}
	strategy := strings.TrimSpace(reply)
	if strategy == "" {
		return nil, fmt.Errorf("immediate: %w: empty strategy", ErrInvalidOutput)
	}
	return domain.ImmediatePayload{Strategy: strategy, Model: g.ai.ModelName()}, nil
}
