package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase is a named stage of the strategy pipeline.
type Phase string

// Phases in their fixed total order.
const (
	PhaseStarting  Phase = "starting"
	PhaseResolving Phase = "resolving"
	PhaseAnalyzing Phase = "analyzing"
	PhaseImmediate Phase = "immediate"
	PhaseVenues    Phase = "venues"
	PhaseRouting   Phase = "routing"
	PhasePlaces    Phase = "places"
	PhaseVerifying Phase = "verifying"
	PhaseComplete  Phase = "complete"
)

// Phases lists every phase in order.
var Phases = []Phase{
	PhaseStarting, PhaseResolving, PhaseAnalyzing, PhaseImmediate,
	PhaseVenues, PhaseRouting, PhasePlaces, PhaseVerifying, PhaseComplete,
}

// Index returns the position of p in the total order, or -1 for an unknown phase.
func (p Phase) Index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Before reports whether p comes strictly before q.
func (p Phase) Before(q Phase) bool { return p.Index() < q.Index() }

// Next returns the phase that follows p. Complete has no successor.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(Phases) {
		return "", false
	}
	return Phases[i+1], true
}

// Status is the coarse summary of a pipeline record.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusOK            Status = "ok"
	StatusPendingBlocks Status = "pending_blocks"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further writes may follow.
func (s Status) Terminal() bool { return s == StatusOK || s == StatusFailed }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusOK, StatusPendingBlocks, StatusFailed:
		return true
	}
	return false
}

// Error kinds persisted on a failed record.
const (
	ErrorKindTimeout            = "generator_timeout"
	ErrorKindGenerator          = "generator_failure"
	ErrorKindInvalidOutput      = "invalid_output"
	ErrorKindPipelineStuck      = "pipeline_stuck"
	ErrorKindLocationUnresolved = "location_unresolved"
)

// PipelineError is the failure recorded on a pipeline record.
type PipelineError struct {
	Kind    string `json:"kind"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

// PipelineRecord accumulates generator outputs for one snapshot.
// Output fields stay nil until their generator produces a payload.
type PipelineRecord struct {
	SnapshotID           string          `json:"snapshot_id"                     db:"snapshot_id"`
	Status               Status          `json:"status"                          db:"status"`
	Phase                Phase           `json:"phase"                           db:"phase"`
	PhaseStartedAt       time.Time       `json:"phase_started_at"                db:"phase_started_at"`
	Version              int             `json:"version"                         db:"version"`
	StrategyForNow       json.RawMessage `json:"strategy_for_now,omitempty"      db:"strategy_for_now"`
	ConsolidatedStrategy json.RawMessage `json:"consolidated_strategy,omitempty" db:"consolidated_strategy"`
	Venues               json.RawMessage `json:"venues,omitempty"                db:"venues"`
	Routes               json.RawMessage `json:"routes,omitempty"                db:"routes"`
	PlaceDetails         json.RawMessage `json:"place_details,omitempty"         db:"place_details"`
	Verification         json.RawMessage `json:"verification,omitempty"          db:"verification"`
	Error                *PipelineError  `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"                      db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"                      db:"updated_at"`
}

// NewPipelineRecord returns the initial record for a snapshot.
func NewPipelineRecord(snapshotID string, now time.Time) *PipelineRecord {
	return &PipelineRecord{
		SnapshotID:     snapshotID,
		Status:         StatusPending,
		Phase:          PhaseStarting,
		PhaseStartedAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Output returns the stored payload for kind, or nil when not yet produced.
// Briefing output lives on BriefingRecord and is never returned here.
func (r *PipelineRecord) Output(kind GeneratorKind) json.RawMessage {
	switch kind {
	case KindImmediate:
		return r.StrategyForNow
	case KindDaily:
		return r.ConsolidatedStrategy
	case KindVenuePlanner:
		return r.Venues
	case KindRouting:
		return r.Routes
	case KindPlaces:
		return r.PlaceDetails
	case KindVerifier:
		return r.Verification
	}
	return nil
}

func (r *PipelineRecord) setOutput(kind GeneratorKind, raw json.RawMessage) error {
	switch kind {
	case KindImmediate:
		r.StrategyForNow = raw
	case KindDaily:
		r.ConsolidatedStrategy = raw
	case KindVenuePlanner:
		r.Venues = raw
	case KindRouting:
		r.Routes = raw
	case KindPlaces:
		r.PlaceDetails = raw
	case KindVerifier:
		r.Verification = raw
	default:
		return fmt.Errorf("kind %q has no pipeline output field", kind)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *PipelineRecord) Clone() *PipelineRecord {
	c := *r
	c.StrategyForNow = cloneRaw(r.StrategyForNow)
	c.ConsolidatedStrategy = cloneRaw(r.ConsolidatedStrategy)
	c.Venues = cloneRaw(r.Venues)
	c.Routes = cloneRaw(r.Routes)
	c.PlaceDetails = cloneRaw(r.PlaceDetails)
	c.Verification = cloneRaw(r.Verification)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// PipelineUpdate is one transactional mutation of a pipeline record.
// Nil fields are left unchanged.
type PipelineUpdate struct {
	// ExpectPhase, when set, makes the update conditional on the current phase.
	ExpectPhase *Phase
	// ExpectVersion, when non-zero, makes the update conditional on the current version.
	ExpectVersion int

	Phase  *Phase
	Status *Status
	Output Payload
	Error  *PipelineError
}

// Update validation errors. Stores wrap the port-level sentinels around these.
var (
	ErrUpdateTerminal   = errors.New("pipeline record is terminal")
	ErrUpdateRegression = errors.New("phase regression")
	ErrUpdateConflict   = errors.New("pipeline record changed concurrently")
)

// Apply mutates r according to u. It is called by stores inside their
// transaction boundary; the record is unchanged when an error is returned.
func (r *PipelineRecord) Apply(u PipelineUpdate, now time.Time) error {
	if r.Status.Terminal() {
		return ErrUpdateTerminal
	}
	if u.ExpectPhase != nil && *u.ExpectPhase != r.Phase {
		return fmt.Errorf("%w: expected phase %s, found %s", ErrUpdateConflict, *u.ExpectPhase, r.Phase)
	}
	if u.ExpectVersion != 0 && u.ExpectVersion != r.Version {
		return fmt.Errorf("%w: expected version %d, found %d", ErrUpdateConflict, u.ExpectVersion, r.Version)
	}
	if u.Phase != nil {
		if !u.Phase.Valid() {
			return fmt.Errorf("unknown phase %q", *u.Phase)
		}
		if u.Phase.Before(r.Phase) {
			return fmt.Errorf("%w: %s -> %s", ErrUpdateRegression, r.Phase, *u.Phase)
		}
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("unknown status %q", *u.Status)
	}

	next := r.Clone()
	if u.Output != nil {
		raw, err := json.Marshal(u.Output)
		if err != nil {
			return fmt.Errorf("encode %s output: %w", u.Output.Kind(), err)
		}
		if err := next.setOutput(u.Output.Kind(), raw); err != nil {
			return err
		}
	}
	if u.Phase != nil && *u.Phase != next.Phase {
		next.Phase = *u.Phase
		next.PhaseStartedAt = now
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.Error != nil {
		e := *u.Error
		next.Error = &e
	}
	next.Version++
	next.UpdatedAt = now
	*r = *next
	return nil
}

// PhaseEvent is the notification published after every record write.
// Record is the record as written and only travels in process; events
// decoded from NOTIFY carry the phase, status and version alone.
type PhaseEvent struct {
	SnapshotID string          `json:"snapshot_id"`
	Phase      Phase           `json:"phase,omitempty"`
	Status     Status          `json:"status,omitempty"`
	Version    int             `json:"version,omitempty"`
	Kind       string          `json:"kind"`
	Record     *PipelineRecord `json:"-"`
}

// Event kinds carried on PhaseEvent.Kind.
const (
	EventKindPipeline = "pipeline"
	EventKindBriefing = "briefing"
	EventKindResync   = "resync"
)

// EventFor builds the notification for a freshly written record.
func EventFor(r *PipelineRecord) PhaseEvent {
	return PhaseEvent{
		SnapshotID: r.SnapshotID,
		Phase:      r.Phase,
		Status:     r.Status,
		Version:    r.Version,
		Kind:       EventKindPipeline,
		Record:     r.Clone(),
	}
}

// writtenAt is the phase a stage output is stored with: each stage writes
// its output in the same update that advances to the next phase.
var writtenAt = map[GeneratorKind]Phase{
	KindImmediate:    PhaseVenues,
	KindVenuePlanner: PhaseRouting,
	KindRouting:      PhasePlaces,
	KindPlaces:       PhaseVerifying,
	KindVerifier:     PhaseComplete,
}

// AsOf rebuilds the view of an earlier transition from r and the event
// announcing it. Stage outputs stored after evt's phase are dropped. The
// daily consolidation is kept because it is not tied to a phase, and
// PhaseStartedAt keeps r's value.
func (r *PipelineRecord) AsOf(evt PhaseEvent) *PipelineRecord {
	v := r.Clone()
	if !evt.Phase.Valid() || !evt.Status.Valid() {
		return v
	}
	v.Phase, v.Status, v.Version = evt.Phase, evt.Status, evt.Version
	for kind, at := range writtenAt {
		if v.Phase.Before(at) {
			_ = v.setOutput(kind, nil)
		}
	}
	if v.Status != StatusFailed {
		v.Error = nil
	}
	return v
}
