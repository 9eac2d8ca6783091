package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const verifierSystem = "You are a quality assurance validator for rideshare recommendations. Reply with JSON only."

const verifierTask = `Check the venue plan against the briefing.
List events happening at or near the venues during the next few hours, and any inconsistency
(closed venue, wrong address, event already over).
Respond with JSON: {"events": ["string"], "issues": ["string"]}`

// VerifierRules are the structural requirements on the final venue plan.
type VerifierRules struct {
	MinVenues         int
	MinReasoningWords int // 0 disables the check
}

// Verifier checks the enriched venue plan and, when a model is configured,
// cross-checks it for events and inconsistencies.
type Verifier struct {
	rules VerifierRules
	ai    port.AIProvider
}

// NewVerifier creates the verifier. ai may be nil.
func NewVerifier(rules VerifierRules, ai port.AIProvider) *Verifier {
	return &Verifier{rules: rules, ai: ai}
}

func (g *Verifier) Kind() domain.GeneratorKind { return domain.KindVerifier }

func (g *Verifier) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	if in.VenuePlan == nil {
		return nil, fmt.Errorf("verifier: venue plan: %w", errMissingInput)
	}

	venues := Enrich(in.VenuePlan.Venues, in.Routes)
	if err := g.rules.Check(in.VenuePlan.StagingArea, venues); err != nil {
		return nil, Permanent(fmt.Errorf("verifier: %w", err))
	}

	out := domain.VerificationPayload{Verified: true}
	if in.Places != nil {
		for _, d := range in.Places.Details {
			if !d.Verified {
				out.Issues = append(out.Issues, fmt.Sprintf("%s: place not confirmed", d.Venue))
			}
		}
	}
	if g.ai == nil {
		return out, nil
	}

	plan, err := json.Marshal(domain.VenuePlanPayload{StagingArea: in.VenuePlan.StagingArea, Venues: venues})
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	chunks := []string{driverContext(in.Snapshot), "VENUE PLAN:\n" + string(plan)}
	if b := briefingContext(in.Briefing); b != "" {
		chunks = append(chunks, b)
	}
	reply, err := g.ai.Chat(ctx, verifierSystem, verifierTask, chunks)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	var check struct {
		Events []string `json:"events"`
		Issues []string `json:"issues"`
	}
	if err := decodeReply(reply, &check); err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	out.Events = check.Events
	out.Issues = append(out.Issues, check.Issues...)
	return out, nil
}

// Check enforces the venue plan invariants.
func (r VerifierRules) Check(staging *domain.StagingArea, venues []domain.Venue) error {
	if len(venues) < r.MinVenues {
		return fmt.Errorf("%w: need at least %d venues, got %d", ErrInvalidOutput, r.MinVenues, len(venues))
	}
	for i, v := range venues {
		var missing []string
		for _, f := range []struct {
			name string
			ok   bool
		}{
			{"name", v.Name != ""},
			{"address", v.Address != ""},
			{"category", v.Category != ""},
			{"distance_miles", v.DistanceMiles != nil},
			{"drive_time_minutes", v.DriveTimeMinutes != nil},
			{"reasoning", v.Reasoning != ""},
		} {
			if !f.ok {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: venue %d missing fields %v", ErrInvalidOutput, i, missing)
		}
		if r.MinReasoningWords > 0 {
			if n := len(strings.Fields(v.Reasoning)); n < r.MinReasoningWords {
				return fmt.Errorf("%w: venue %d reasoning too short (%d words, need %d)", ErrInvalidOutput, i, n, r.MinReasoningWords)
			}
		}
	}
	if staging == nil || staging.Name == "" {
		return fmt.Errorf("%w: staging area required", ErrInvalidOutput)
	}
	return nil
}

// Enrich copies routed distances and drive times onto the planned venues.
func Enrich(venues []domain.Venue, routes *domain.RoutingPayload) []domain.Venue {
	out := make([]domain.Venue, len(venues))
	copy(out, venues)
	if routes == nil {
		return out
	}
	byName := make(map[string]domain.DriveTime, len(routes.DriveTimes))
	for _, dt := range routes.DriveTimes {
		byName[dt.Venue] = dt
	}
	for i := range out {
		if dt, ok := byName[out[i].Name]; ok {
			miles, minutes := dt.DistanceMiles, dt.DriveTimeMinutes
			out[i].DistanceMiles = &miles
			out[i].DriveTimeMinutes = &minutes
		}
	}
	return out
}
