package port

import (
	"context"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
)

// SnapshotStore persists immutable snapshots.
type SnapshotStore interface {
	// CreateSnapshot inserts the snapshot and its empty briefing record atomically.
	CreateSnapshot(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error)

	// GetSnapshot returns ErrSnapshotNotFound when no snapshot has id.
	GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error)
}

// PipelineStore owns pipeline records. Every mutation goes through
// ApplyPipeline, which validates, writes and publishes in one transaction.
type PipelineStore interface {
	// CreatePipeline inserts the initial record; ErrAlreadyRunning if one exists.
	CreatePipeline(ctx context.Context, snapshotID string) (*domain.PipelineRecord, error)

	// GetPipeline returns ErrPipelineNotFound when no record exists.
	GetPipeline(ctx context.Context, snapshotID string) (*domain.PipelineRecord, error)

	// ApplyPipeline performs one read-modify-write of the record.
	ApplyPipeline(ctx context.Context, snapshotID string, u domain.PipelineUpdate) (*domain.PipelineRecord, error)

	// ListActivePipelines returns records whose status is not terminal and
	// whose phase started before the given instant.
	ListActivePipelines(ctx context.Context, startedBefore time.Time) ([]domain.PipelineRecord, error)
}

// BriefingStore owns briefing records.
type BriefingStore interface {
	// MergeBriefing merges non-null categories and publishes a briefing event.
	MergeBriefing(ctx context.Context, snapshotID string, p domain.BriefingPayload, minFields int) (*domain.BriefingRecord, error)

	// GetBriefing returns ErrBriefingNotFound when no record exists.
	GetBriefing(ctx context.Context, snapshotID string) (*domain.BriefingRecord, error)
}

// AuditWriter persists audit records.
type AuditWriter interface {
	WriteAudit(userID, action, resource, resourceID, details, ip, userAgent string) error
}

// Store is the full persistence surface used by the services.
type Store interface {
	SnapshotStore
	PipelineStore
	BriefingStore
	AuditWriter
}
