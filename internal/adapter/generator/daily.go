package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const dailySystem = "You are a rideshare strategy expert planning a driver's whole shift."

const dailyTask = `Consolidate the tactical strategy and the briefing into a plan for the rest of the day.
Cover expected demand windows, events and closures to plan around, and an earnings estimate.
Write 200-300 words of plain text.`

// Daily consolidates the immediate strategy and the briefing.
type Daily struct {
	ai port.AIProvider
}

// NewDaily creates the daily consolidator.
func NewDaily(ai port.AIProvider) *Daily {
	return &Daily{ai: ai}
}

func (g *Daily) Kind() domain.GeneratorKind { return domain.KindDaily }

func (g *Daily) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	if in.Strategy == nil {
		return nil, fmt.Errorf("daily: strategy: %w", errMissingInput)
	}

	chunks := []string{driverContext(in.Snapshot), "TACTICAL STRATEGY:\n" + in.Strategy.Strategy}
	if b := briefingContext(in.Briefing); b != "" {
		chunks = append(chunks, b)
	}
	reply, err := g.ai.Chat(ctx, dailySystem, dailyTask, chunks)
	if err != nil {
		return nil, fmt.Errorf("daily: %w", err)
	}
	text := strings.TrimSpace(reply)
	if text == "" {
		return nil, fmt.Errorf("daily: %w: empty plan", ErrInvalidOutput)
	}
	return domain.DailyPayload{Consolidated: text, Model: g.ai.ModelName()}, nil
}
