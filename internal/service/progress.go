package service

import (
	"sync"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
)

// inPhaseCap keeps an overrunning phase from claiming the next phase's share.
const inPhaseCap = 0.95

// Progress is the client-facing estimate for a pipeline record.
type Progress struct {
	Phase            domain.Phase  `json:"phase"`
	Status           domain.Status `json:"status"`
	Percent          int           `json:"percent"`
	RemainingSeconds float64       `json:"remaining_seconds"`
}

// ProgressTable holds the expected duration of every phase.
type ProgressTable struct {
	durations map[domain.Phase]time.Duration
	total     time.Duration
}

// NewProgressTable builds a table from per-phase durations keyed by phase name.
func NewProgressTable(durations map[string]time.Duration) ProgressTable {
	t := ProgressTable{durations: make(map[domain.Phase]time.Duration, len(durations))}
	for _, ph := range domain.Phases {
		if ph == domain.PhaseComplete {
			continue
		}
		d := durations[string(ph)]
		if d <= 0 {
			d = time.Second
		}
		t.durations[ph] = d
		t.total += d
	}
	return t
}

// Estimate derives percent and remaining time from the record's phase and
// phase_started_at. For a fixed record it never decreases as now advances,
// and a later phase always estimates at least as high as an earlier one.
func (t ProgressTable) Estimate(rec *domain.PipelineRecord, now time.Time) Progress {
	p := Progress{Phase: rec.Phase, Status: rec.Status}
	if rec.Phase == domain.PhaseComplete || t.total <= 0 {
		p.Percent = 100
		return p
	}

	var before time.Duration
	for _, ph := range domain.Phases {
		if ph == rec.Phase {
			break
		}
		before += t.durations[ph]
	}

	expected := t.durations[rec.Phase]
	inPhase := now.Sub(rec.PhaseStartedAt)
	if inPhase < 0 {
		inPhase = 0
	}
	if limit := time.Duration(float64(expected) * inPhaseCap); inPhase > limit {
		inPhase = limit
	}

	done := before + inPhase
	p.Percent = int(float64(done) / float64(t.total) * 100)
	if !rec.Status.Terminal() {
		p.RemainingSeconds = (t.total - done).Seconds()
	}
	return p
}

// ProgressTracker clamps a stream of estimates so the reported percentage
// never moves backwards, even across clock skew between readers.
type ProgressTracker struct {
	mu   sync.Mutex
	last int
}

// Observe returns p with Percent raised to the highest value seen so far.
func (t *ProgressTracker) Observe(p Progress) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Percent < t.last {
		p.Percent = t.last
	}
	t.last = p.Percent
	return p
}
