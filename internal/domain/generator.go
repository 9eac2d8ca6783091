package domain

import (
	"encoding/json"
	"fmt"
)

// GeneratorKind identifies one external content generator.
type GeneratorKind string

const (
	KindBriefing     GeneratorKind = "briefing"
	KindImmediate    GeneratorKind = "immediate"
	KindDaily        GeneratorKind = "daily"
	KindVenuePlanner GeneratorKind = "venue_planner"
	KindRouting      GeneratorKind = "routing"
	KindPlaces       GeneratorKind = "places"
	KindVerifier     GeneratorKind = "verifier"
)

// Kinds lists every generator kind.
var Kinds = []GeneratorKind{
	KindBriefing, KindImmediate, KindDaily, KindVenuePlanner, KindRouting, KindPlaces, KindVerifier,
}

// Payload is the closed set of generator outputs. Only types in this
// package implement it.
type Payload interface {
	Kind() GeneratorKind
	sealed()
}

// BriefingPayload carries the briefing categories. Nil categories were not produced.
type BriefingPayload struct {
	Weather        json.RawMessage `json:"weather,omitempty"`
	Traffic        json.RawMessage `json:"traffic,omitempty"`
	News           json.RawMessage `json:"news,omitempty"`
	Events         json.RawMessage `json:"events,omitempty"`
	SchoolClosures json.RawMessage `json:"school_closures,omitempty"`
	Airport        json.RawMessage `json:"airport,omitempty"`
}

// ImmediatePayload is the fast tactical strategy shown first.
type ImmediatePayload struct {
	Strategy string `json:"strategy"`
	Model    string `json:"model,omitempty"`
}

// DailyPayload is the consolidated strategy for the rest of the day.
type DailyPayload struct {
	Consolidated string `json:"consolidated"`
	Model        string `json:"model,omitempty"`
}

// StagingArea is where the driver should wait between rides.
type StagingArea struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Reasoning string `json:"reasoning"`
}

// Venue is one recommended pickup location.
type Venue struct {
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	Category         string   `json:"category"`
	Lat              *float64 `json:"lat,omitempty"`
	Lng              *float64 `json:"lng,omitempty"`
	DistanceMiles    *float64 `json:"distance_miles,omitempty"`
	DriveTimeMinutes *float64 `json:"drive_time_minutes,omitempty"`
	Reasoning        string   `json:"reasoning"`
}

// VenuePlanPayload is the venue planner output.
type VenuePlanPayload struct {
	StagingArea *StagingArea `json:"staging_area"`
	Venues      []Venue      `json:"venues"`
}

// DriveTime is the estimated trip from the snapshot location to a venue.
type DriveTime struct {
	Venue            string  `json:"venue"`
	DistanceMiles    float64 `json:"distance_miles"`
	DriveTimeMinutes float64 `json:"drive_time_minutes"`
}

// RoutingPayload is the drive-time enrichment output.
type RoutingPayload struct {
	DriveTimes []DriveTime `json:"drive_times"`
}

// PlaceDetail is the place lookup result for a venue.
type PlaceDetail struct {
	Venue    string `json:"venue"`
	PlaceID  string `json:"place_id,omitempty"`
	Address  string `json:"address"`
	OpenNow  *bool  `json:"open_now,omitempty"`
	Hours    string `json:"hours,omitempty"`
	Verified bool   `json:"verified"`
}

// PlacesPayload is the place-detail enrichment output.
type PlacesPayload struct {
	Details []PlaceDetail `json:"details"`
}

// VerificationPayload is the event and consistency verification output.
type VerificationPayload struct {
	Verified bool     `json:"verified"`
	Issues   []string `json:"issues,omitempty"`
	Events   []string `json:"events,omitempty"`
}

func (BriefingPayload) Kind() GeneratorKind     { return KindBriefing }
func (ImmediatePayload) Kind() GeneratorKind    { return KindImmediate }
func (DailyPayload) Kind() GeneratorKind        { return KindDaily }
func (VenuePlanPayload) Kind() GeneratorKind    { return KindVenuePlanner }
func (RoutingPayload) Kind() GeneratorKind      { return KindRouting }
func (PlacesPayload) Kind() GeneratorKind       { return KindPlaces }
func (VerificationPayload) Kind() GeneratorKind { return KindVerifier }

func (BriefingPayload) sealed()     {}
func (ImmediatePayload) sealed()    {}
func (DailyPayload) sealed()        {}
func (VenuePlanPayload) sealed()    {}
func (RoutingPayload) sealed()      {}
func (PlacesPayload) sealed()       {}
func (VerificationPayload) sealed() {}

// Normalize returns p as its value type. The payload structs also satisfy
// Payload through their pointers; a nil pointer normalizes to nil.
func Normalize(p Payload) Payload {
	switch v := p.(type) {
	case *BriefingPayload:
		if v != nil {
			return *v
		}
	case *ImmediatePayload:
		if v != nil {
			return *v
		}
	case *DailyPayload:
		if v != nil {
			return *v
		}
	case *VenuePlanPayload:
		if v != nil {
			return *v
		}
	case *RoutingPayload:
		if v != nil {
			return *v
		}
	case *PlacesPayload:
		if v != nil {
			return *v
		}
	case *VerificationPayload:
		if v != nil {
			return *v
		}
	default:
		return p
	}
	return nil
}

// DecodePayload decodes a stored output back into its typed payload.
func DecodePayload(kind GeneratorKind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindBriefing:
		var v BriefingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindImmediate:
		var v ImmediatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindDaily:
		var v DailyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindVenuePlanner:
		var v VenuePlanPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindRouting:
		var v RoutingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPlaces:
		var v PlacesPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindVerifier:
		var v VerificationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown generator kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// FailureKind classifies a generator failure.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureGenerator     FailureKind = "generator"
	FailureInvalidOutput FailureKind = "invalid_output"
	FailurePanic         FailureKind = "panic"
)

// Failure describes why a generator produced no payload.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Detail    string      `json:"detail"`
	Retryable bool        `json:"retryable"`
}

// ErrorKind maps the failure onto the persisted error taxonomy.
func (f *Failure) ErrorKind() string {
	switch f.Kind {
	case FailureTimeout:
		return ErrorKindTimeout
	case FailureInvalidOutput:
		return ErrorKindInvalidOutput
	}
	return ErrorKindGenerator
}

// Result is the tagged outcome of one generator invocation: exactly one of
// Payload or Failure is set.
type Result struct {
	Kind    GeneratorKind
	Payload Payload
	Failure *Failure
	// Skipped is set when the output already existed and no call was made.
	Skipped bool
}

// OK reports whether the result carries a payload.
func (r Result) OK() bool { return r.Failure == nil && r.Payload != nil }

// Succeeded builds a successful result.
func Succeeded(p Payload) Result { return Result{Kind: p.Kind(), Payload: p} }

// Failed builds a failed result.
func Failed(kind GeneratorKind, fk FailureKind, retryable bool, format string, args ...any) Result {
	return Result{Kind: kind, Failure: &Failure{Kind: fk, Detail: fmt.Sprintf(format, args...), Retryable: retryable}}
}
