package generator

import (
	"context"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const plannerSystem = "You are a tactical planning expert creating specific venue recommendations. Reply with JSON only."

const plannerTask = `Create a tactical plan with 4-6 specific venue recommendations near the driver.

REQUIREMENTS:
1. Staging area: centrally positioned, 1-2 minutes from every venue
2. Venues spread 2-3 minutes apart
3. Each venue: name, full street address, category, coordinates, reasoning (at least 15 words)

Respond with JSON:
{
  "staging_area": {"name": "string", "address": "string", "reasoning": "string"},
  "venues": [
    {"name": "string", "address": "string", "category": "string", "lat": number, "lng": number,
     "distance_miles": number, "drive_time_minutes": number, "reasoning": "string"}
  ]
}`

// VenuePlanner turns the tactical strategy into a staging area and venues.
type VenuePlanner struct {
	ai port.AIProvider
}

// NewVenuePlanner creates the venue planner.
func NewVenuePlanner(ai port.AIProvider) *VenuePlanner {
	return &VenuePlanner{ai: ai}
}

func (g *VenuePlanner) Kind() domain.GeneratorKind { return domain.KindVenuePlanner }

func (g *VenuePlanner) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	if in.Strategy == nil {
		return nil, fmt.Errorf("venue planner: strategy: %w", errMissingInput)
	}

	chunks := []string{"STRATEGIC ANALYSIS:\n" + in.Strategy.Strategy, driverContext(in.Snapshot)}
	reply, err := g.ai.Chat(ctx, plannerSystem, plannerTask, chunks)
	if err != nil {
		return nil, fmt.Errorf("venue planner: %w", err)
	}

	var plan domain.VenuePlanPayload
	if err := decodeReply(reply, &plan); err != nil {
		return nil, fmt.Errorf("venue planner: %w", err)
	}
	if len(plan.Venues) == 0 {
		return nil, fmt.Errorf("venue planner: %w: no venues", ErrInvalidOutput)
	}
	return plan, nil
}
