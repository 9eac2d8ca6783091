package domain

import (
	"encoding/json"
	"time"
)

// BriefingRecord holds the per-snapshot briefing. GeneratedAt is set once
// enough categories are populated to be shown.
type BriefingRecord struct {
	SnapshotID     string          `json:"snapshot_id"               db:"snapshot_id"`
	Weather        json.RawMessage `json:"weather,omitempty"         db:"weather"`
	Traffic        json.RawMessage `json:"traffic,omitempty"         db:"traffic"`
	News           json.RawMessage `json:"news,omitempty"            db:"news"`
	Events         json.RawMessage `json:"events,omitempty"          db:"events"`
	SchoolClosures json.RawMessage `json:"school_closures,omitempty" db:"school_closures"`
	Airport        json.RawMessage `json:"airport,omitempty"         db:"airport"`
	GeneratedAt    *time.Time      `json:"generated_at,omitempty"    db:"generated_at"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                db:"updated_at"`
}

// Merge copies every non-null category of p into b. Existing data is never
// cleared. GeneratedAt is set the first time at least minFields categories
// are present.
func (b *BriefingRecord) Merge(p BriefingPayload, minFields int, now time.Time) {
	set := func(dst *json.RawMessage, src json.RawMessage) {
		if Present(src) {
			*dst = cloneRaw(src)
		}
	}
	set(&b.Weather, p.Weather)
	set(&b.Traffic, p.Traffic)
	set(&b.News, p.News)
	set(&b.Events, p.Events)
	set(&b.SchoolClosures, p.SchoolClosures)
	set(&b.Airport, p.Airport)
	b.UpdatedAt = now

	if b.GeneratedAt == nil && b.Populated() >= minFields {
		t := now
		b.GeneratedAt = &t
	}
}

// Populated counts the non-null categories.
func (b *BriefingRecord) Populated() int {
	n := 0
	for _, f := range []json.RawMessage{b.Weather, b.Traffic, b.News, b.Events, b.SchoolClosures, b.Airport} {
		if Present(f) {
			n++
		}
	}
	return n
}

// Ready reports whether the briefing is usable.
func (b *BriefingRecord) Ready() bool { return b.GeneratedAt != nil }

// Clone returns a deep copy.
func (b *BriefingRecord) Clone() *BriefingRecord {
	c := *b
	c.Weather = cloneRaw(b.Weather)
	c.Traffic = cloneRaw(b.Traffic)
	c.News = cloneRaw(b.News)
	c.Events = cloneRaw(b.Events)
	c.SchoolClosures = cloneRaw(b.SchoolClosures)
	c.Airport = cloneRaw(b.Airport)
	if b.GeneratedAt != nil {
		t := *b.GeneratedAt
		c.GeneratedAt = &t
	}
	return &c
}

// Present reports whether r holds a non-null JSON value.
func Present(r json.RawMessage) bool {
	return len(r) > 0 && string(r) != "null"
}
