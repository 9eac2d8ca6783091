package generator

import (
	"context"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// Routing estimates the drive from the snapshot location to every venue.
type Routing struct {
	routes port.RouteEstimator
}

// NewRouting creates the drive-time enrichment generator.
func NewRouting(routes port.RouteEstimator) *Routing {
	return &Routing{routes: routes}
}

func (g *Routing) Kind() domain.GeneratorKind { return domain.KindRouting }

func (g *Routing) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	if in.VenuePlan == nil {
		return nil, fmt.Errorf("routing: venue plan: %w", errMissingInput)
	}

	out := domain.RoutingPayload{DriveTimes: make([]domain.DriveTime, 0, len(in.VenuePlan.Venues))}
	for _, v := range in.VenuePlan.Venues {
		dt := domain.DriveTime{Venue: v.Name}
		switch {
		case v.Lat != nil && v.Lng != nil:
			miles, minutes, err := g.routes.Estimate(ctx, in.Snapshot.Lat, in.Snapshot.Lng, *v.Lat, *v.Lng)
			if err != nil {
				return nil, fmt.Errorf("routing %q: %w", v.Name, err)
			}
			dt.DistanceMiles, dt.DriveTimeMinutes = miles, minutes
		case v.DistanceMiles != nil && v.DriveTimeMinutes != nil:
			// No coordinates; keep the planner's own estimate.
			dt.DistanceMiles, dt.DriveTimeMinutes = *v.DistanceMiles, *v.DriveTimeMinutes
		default:
			return nil, fmt.Errorf("routing %q: %w: no coordinates or estimate", v.Name, ErrInvalidOutput)
		}
		out.DriveTimes = append(out.DriveTimes, dt)
	}
	return out, nil
}
