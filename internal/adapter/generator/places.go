package generator

import (
	"context"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// Places resolves every planned venue against the place lookup.
type Places struct {
	lookup port.PlaceLookup
}

// NewPlaces creates the place-detail enrichment generator.
func NewPlaces(lookup port.PlaceLookup) *Places {
	return &Places{lookup: lookup}
}

func (g *Places) Kind() domain.GeneratorKind { return domain.KindPlaces }

func (g *Places) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := requireSnapshot(in); err != nil {
		return nil, err
	}
	if in.VenuePlan == nil {
		return nil, fmt.Errorf("places: venue plan: %w", errMissingInput)
	}

	out := domain.PlacesPayload{Details: make([]domain.PlaceDetail, 0, len(in.VenuePlan.Venues))}
	for _, v := range in.VenuePlan.Venues {
		lat, lng := in.Snapshot.Lat, in.Snapshot.Lng
		if v.Lat != nil && v.Lng != nil {
			lat, lng = *v.Lat, *v.Lng
		}
		d, err := g.lookup.Lookup(ctx, v.Name, v.Address, lat, lng)
		if err != nil {
			return nil, fmt.Errorf("places %q: %w", v.Name, err)
		}
		if d == nil {
			// Not found is a result, not a failure.
			d = &domain.PlaceDetail{Address: v.Address}
		}
		d.Venue = v.Name
		out.Details = append(out.Details, *d)
	}
	return out, nil
}
