package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// MemoryStore is an in-process Store with the same transactional semantics
// as PostgresStore. A single mutex stands in for the transaction boundary;
// events are published after the lock is released, mirroring NOTIFY on commit.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]*domain.Snapshot
	pipelines map[string]*domain.PipelineRecord
	briefings map[string]*domain.BriefingRecord
	audits    []domain.AuditLog
	pub       port.EventPublisher
	now       func() time.Time
}

var _ port.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store publishing to pub (may be nil).
func NewMemoryStore(pub port.EventPublisher) *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*domain.Snapshot),
		pipelines: make(map[string]*domain.PipelineRecord),
		briefings: make(map[string]*domain.BriefingRecord),
		pub:       pub,
		now:       time.Now,
	}
}

func (s *MemoryStore) publish(evt domain.PhaseEvent) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}

// --- Snapshots ---

// CreateSnapshot stores a copy of snap together with its empty briefing.
func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *domain.Snapshot) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.ID]; ok {
		return nil, fmt.Errorf("create snapshot: duplicate id %s", snap.ID)
	}
	now := s.now()
	stored := snap.Clone()
	stored.CreatedAt = now
	s.snapshots[snap.ID] = stored
	s.briefings[snap.ID] = &domain.BriefingRecord{SnapshotID: snap.ID, CreatedAt: now, UpdatedAt: now}
	return stored.Clone(), nil
}

// GetSnapshot returns a copy of the snapshot.
func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("get snapshot %s: %w", id, port.ErrSnapshotNotFound)
	}
	return snap.Clone(), nil
}

// --- Pipelines ---

// CreatePipeline inserts the initial record unless one already exists.
func (s *MemoryStore) CreatePipeline(_ context.Context, snapshotID string) (*domain.PipelineRecord, error) {
	s.mu.Lock()
	if _, ok := s.snapshots[snapshotID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("create pipeline %s: %w", snapshotID, port.ErrSnapshotNotFound)
	}
	if _, ok := s.pipelines[snapshotID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("create pipeline %s: %w", snapshotID, port.ErrAlreadyRunning)
	}
	rec := domain.NewPipelineRecord(snapshotID, s.now())
	s.pipelines[snapshotID] = rec
	out := rec.Clone()
	s.mu.Unlock()

	s.publish(domain.EventFor(out))
	return out, nil
}

// GetPipeline returns a copy of the record.
func (s *MemoryStore) GetPipeline(_ context.Context, snapshotID string) (*domain.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pipelines[snapshotID]
	if !ok {
		return nil, fmt.Errorf("get pipeline %s: %w", snapshotID, port.ErrPipelineNotFound)
	}
	return rec.Clone(), nil
}

// ApplyPipeline validates and applies u atomically, then publishes.
func (s *MemoryStore) ApplyPipeline(_ context.Context, snapshotID string, u domain.PipelineUpdate) (*domain.PipelineRecord, error) {
	s.mu.Lock()
	rec, ok := s.pipelines[snapshotID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("apply %s: %w", snapshotID, port.ErrPipelineNotFound)
	}
	if err := rec.Apply(u, s.now()); err != nil {
		s.mu.Unlock()
		return nil, applyError(snapshotID, err)
	}
	out := rec.Clone()
	s.mu.Unlock()

	s.publish(domain.EventFor(out))
	return out, nil
}

// ListActivePipelines returns non-terminal records whose phase started before t.
func (s *MemoryStore) ListActivePipelines(_ context.Context, startedBefore time.Time) ([]domain.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PipelineRecord
	for _, rec := range s.pipelines {
		if rec.Status.Terminal() || !rec.PhaseStartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhaseStartedAt.Before(out[j].PhaseStartedAt) })
	return out, nil
}

// --- Briefings ---

// MergeBriefing merges p into the briefing record and publishes a briefing event.
func (s *MemoryStore) MergeBriefing(_ context.Context, snapshotID string, p domain.BriefingPayload, minFields int) (*domain.BriefingRecord, error) {
	s.mu.Lock()
	b, ok := s.briefings[snapshotID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("merge briefing %s: %w", snapshotID, port.ErrBriefingNotFound)
	}
	b.Merge(p, minFields, s.now())
	out := b.Clone()
	s.mu.Unlock()

	s.publish(domain.PhaseEvent{SnapshotID: snapshotID, Kind: domain.EventKindBriefing})
	return out, nil
}

// GetBriefing returns a copy of the briefing record.
func (s *MemoryStore) GetBriefing(_ context.Context, snapshotID string) (*domain.BriefingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.briefings[snapshotID]
	if !ok {
		return nil, fmt.Errorf("get briefing %s: %w", snapshotID, port.ErrBriefingNotFound)
	}
	return b.Clone(), nil
}

// --- Audit Logs ---

// WriteAudit implements port.AuditWriter.
func (s *MemoryStore) WriteAudit(userID, action, resource, resourceID, details, ip, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, domain.AuditLog{
		ID:         strconv.Itoa(len(s.audits) + 1),
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  s.now(),
	})
	return nil
}

// AuditLogs returns a copy of the recorded audit entries.
func (s *MemoryStore) AuditLogs() []domain.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditLog(nil), s.audits...)
}
