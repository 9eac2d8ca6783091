package generator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const briefingSystem = "You are a local conditions analyst for rideshare drivers. Reply with JSON only."

const briefingTask = `Summarize current local conditions that affect rideshare demand.
Respond with a JSON object with these keys, each either a short object or null when unknown:
{"traffic": ..., "news": ..., "events": ..., "school_closures": ..., "airport": ...}`

// Briefing produces the briefing categories. Weather comes from the snapshot
// itself; the remaining categories come from the model.
type Briefing struct {
	ai port.AIProvider
}

// NewBriefing creates the briefing generator.
func NewBriefing(ai port.AIProvider) *Briefing {
	return &Briefing{ai: ai}
}

func (g *Briefing) Kind() domain.GeneratorKind { return domain.KindBriefing }

func (g *Briefing) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	reply, err := g.ai.Chat(ctx, briefingSystem, briefingTask, []string{driverContext(in.Snapshot)})
	if err != nil {
		return nil, fmt.Errorf("briefing: %w", err)
	}

	var out struct {
		Traffic        json.RawMessage `json:"traffic"`
		News           json.RawMessage `json:"news"`
		Events         json.RawMessage `json:"events"`
		SchoolClosures json.RawMessage `json:"school_closures"`
		Airport        json.RawMessage `json:"airport"`
	}
	if err := decodeReply(reply, &out); err != nil {
		return nil, fmt.Errorf("briefing: %w", err)
	}

	return domain.BriefingPayload{
		Weather:        in.Snapshot.Weather,
		Traffic:        out.Traffic,
		News:           out.News,
		Events:         out.Events,
		SchoolClosures: out.SchoolClosures,
		Airport:        out.Airport,
	}, nil
}
