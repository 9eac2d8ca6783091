package port

import (
	"context"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
)

// GeneratorInput is what the controller hands to a generator. Upstream
// outputs are nil until their stage has produced them.
type GeneratorInput struct {
	Snapshot  *domain.Snapshot
	Briefing  *domain.BriefingPayload
	Strategy  *domain.ImmediatePayload
	VenuePlan *domain.VenuePlanPayload
	Routes    *domain.RoutingPayload
	Places    *domain.PlacesPayload
}

// Generator is one external content producer. Implementations return a
// payload of their own kind or an error; the invocation boundary turns
// errors, timeouts and panics into a typed domain.Result.
type Generator interface {
	// Kind returns the generator kind this implementation serves.
	Kind() domain.GeneratorKind

	// Generate produces the payload for in.
	Generate(ctx context.Context, in GeneratorInput) (domain.Payload, error)
}

// GeneratorRegistry maps every kind to its generator.
type GeneratorRegistry map[domain.GeneratorKind]Generator

// NewGeneratorRegistry indexes generators by kind.
func NewGeneratorRegistry(gens ...Generator) GeneratorRegistry {
	r := make(GeneratorRegistry, len(gens))
	for _, g := range gens {
		r[g.Kind()] = g
	}
	return r
}

// RouteEstimator estimates drive distance and time between two points.
type RouteEstimator interface {
	Estimate(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (distanceMiles, minutes float64, err error)
}

// PlaceLookup resolves a venue name near a location into place details.
type PlaceLookup interface {
	Lookup(ctx context.Context, name, address string, lat, lng float64) (*domain.PlaceDetail, error)
}
