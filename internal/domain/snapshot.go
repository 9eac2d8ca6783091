package domain

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable point-in-time capture of a driver's request context.
// Every field is required; a snapshot that cannot be fully resolved is never persisted.
type Snapshot struct {
	ID               string          `json:"id"                db:"id"                validate:"required"`
	UserID           string          `json:"user_id"           db:"user_id"           validate:"required"`
	Lat              float64         `json:"lat"               db:"lat"               validate:"latitude"`
	Lng              float64         `json:"lng"               db:"lng"               validate:"longitude"`
	FormattedAddress string          `json:"formatted_address" db:"formatted_address" validate:"required"`
	City             string          `json:"city"              db:"city"              validate:"required"`
	State            string          `json:"state"             db:"state"             validate:"required"`
	Timezone         string          `json:"timezone"          db:"timezone"          validate:"required,timezone"`
	MarketID         string          `json:"market_id"         db:"market_id"         validate:"required"`
	LocalTime        time.Time       `json:"local_time"        db:"local_time"        validate:"required"`
	DayOfWeek        string          `json:"day_of_week"       db:"day_of_week"       validate:"required"`
	Hour             int             `json:"hour"              db:"hour"              validate:"gte=0,lte=23"`
	Weather          json.RawMessage `json:"weather"           db:"weather"           validate:"required"`
	AirQuality       json.RawMessage `json:"air_quality"       db:"air_quality"       validate:"required"`
	CreatedAt        time.Time       `json:"created_at"        db:"created_at"`
}

// LocationInput is what a client submits to request a new snapshot.
// Place identity must already be resolved by the caller's geocoding step.
type LocationInput struct {
	Lat              *float64        `json:"lat"               validate:"required,latitude"`
	Lng              *float64        `json:"lng"               validate:"required,longitude"`
	FormattedAddress string          `json:"formatted_address" validate:"required"`
	City             string          `json:"city"              validate:"required"`
	State            string          `json:"state"             validate:"required"`
	Timezone         string          `json:"timezone"          validate:"required,timezone"`
	MarketID         string          `json:"market_id"         validate:"required"`
	Weather          json.RawMessage `json:"weather"           validate:"required"`
	AirQuality       json.RawMessage `json:"air_quality"       validate:"required"`
}

// Clone returns a deep copy so callers can never mutate a stored snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Weather = cloneRaw(s.Weather)
	c.AirQuality = cloneRaw(s.AirQuality)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
