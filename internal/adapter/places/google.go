package places

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// DefaultEndpoint is the Places API text search endpoint.
const DefaultEndpoint = "https://places.googleapis.com/v1/places:searchText"

const fieldMask = "places.id,places.formattedAddress,places.currentOpeningHours"

// biasRadiusMeters keeps text search results near the venue coordinates.
const biasRadiusMeters = 2000.0

// GoogleLookup implements port.PlaceLookup with Places text search.
type GoogleLookup struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

var _ port.PlaceLookup = (*GoogleLookup)(nil)

// NewGoogleLookup creates a lookup. An empty endpoint uses DefaultEndpoint.
func NewGoogleLookup(apiKey, endpoint string) *GoogleLookup {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &GoogleLookup{apiKey: apiKey, endpoint: endpoint, httpClient: &http.Client{}}
}

type searchRequest struct {
	TextQuery      string `json:"textQuery"`
	MaxResultCount int    `json:"maxResultCount"`
	LocationBias   struct {
		Circle struct {
			Center struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"center"`
			Radius float64 `json:"radius"`
		} `json:"circle"`
	} `json:"locationBias"`
}

type searchResponse struct {
	Places []struct {
		ID                  string `json:"id"`
		FormattedAddress    string `json:"formattedAddress"`
		CurrentOpeningHours *struct {
			OpenNow             *bool    `json:"openNow"`
			WeekdayDescriptions []string `json:"weekdayDescriptions"`
		} `json:"currentOpeningHours"`
	} `json:"places"`
}

// Lookup searches for the venue near lat/lng. It returns nil, nil when
// nothing matches.
func (g *GoogleLookup) Lookup(ctx context.Context, name, address string, lat, lng float64) (*domain.PlaceDetail, error) {
	var body searchRequest
	body.TextQuery = strings.TrimSpace(name + " " + address)
	body.MaxResultCount = 1
	body.LocationBias.Circle.Center.Latitude = lat
	body.LocationBias.Circle.Center.Longitude = lng
	body.LocationBias.Circle.Radius = biasRadiusMeters

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", g.apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("places API error (%d): %s", resp.StatusCode, string(msg))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("places decode: %w", err)
	}
	if len(out.Places) == 0 {
		return nil, nil
	}

	p := out.Places[0]
	d := &domain.PlaceDetail{PlaceID: p.ID, Address: p.FormattedAddress, Verified: true}
	if h := p.CurrentOpeningHours; h != nil {
		d.OpenNow = h.OpenNow
		d.Hours = strings.Join(h.WeekdayDescriptions, "; ")
	}
	return d, nil
}

// Passthrough is the offline lookup: it echoes the planned address and
// marks the venue unverified.
type Passthrough struct{}

var _ port.PlaceLookup = Passthrough{}

// Lookup implements port.PlaceLookup.
func (Passthrough) Lookup(ctx context.Context, name, address string, lat, lng float64) (*domain.PlaceDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.PlaceDetail{Venue: name, Address: address}, nil
}
