package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SnapshotService captures immutable request contexts.
type SnapshotService struct {
	store    port.SnapshotStore
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotService creates a new snapshot intake service.
func NewSnapshotService(store port.SnapshotStore, logger *slog.Logger) *SnapshotService {
	return &SnapshotService{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateSnapshot resolves in into a complete snapshot owned by userID.
// Incomplete input fails with port.ErrLocationUnresolved and nothing is stored.
func (s *SnapshotService) CreateSnapshot(ctx context.Context, userID string, in domain.LocationInput) (*domain.Snapshot, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", port.ErrLocationUnresolved, describeValidation(err))
	}
	if !domain.Present(in.Weather) || !domain.Present(in.AirQuality) {
		return nil, fmt.Errorf("%w: weather and air quality are required", port.ErrLocationUnresolved)
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", port.ErrLocationUnresolved, in.Timezone, err)
	}

	local := s.now().In(loc)
	snap := &domain.Snapshot{
		ID:               uuid.NewString(),
		UserID:           userID,
		Lat:              *in.Lat,
		Lng:              *in.Lng,
		FormattedAddress: in.FormattedAddress,
		City:             in.City,
		State:            in.State,
		Timezone:         in.Timezone,
		MarketID:         in.MarketID,
		LocalTime:        local,
		DayOfWeek:        local.Weekday().String(),
		Hour:             local.Hour(),
		Weather:          in.Weather,
		AirQuality:       in.AirQuality,
	}
	if err := ResolveSnapshot(s.validate, snap); err != nil {
		return nil, err
	}

	created, err := s.store.CreateSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	s.logger.Info("snapshot created", "snapshot_id", created.ID, "user_id", userID, "market_id", created.MarketID)
	return created, nil
}

// GetOwned returns the snapshot if it belongs to userID. Missing and
// foreign snapshots are both reported as port.ErrNotVisible.
func (s *SnapshotService) GetOwned(ctx context.Context, snapshotID, userID string) (*domain.Snapshot, error) {
	return ownedSnapshot(ctx, s.store, snapshotID, userID)
}

func ownedSnapshot(ctx context.Context, store port.SnapshotStore, snapshotID, userID string) (*domain.Snapshot, error) {
	snap, err := store.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, port.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, port.ErrNotVisible)
	}
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, port.ErrNotVisible)
	}
	return snap, nil
}

// ResolveSnapshot checks that every field of snap is populated.
func ResolveSnapshot(v *validator.Validate, snap *domain.Snapshot) error {
	if err := v.Struct(snap); err != nil {
		return fmt.Errorf("%w: %s", port.ErrLocationUnresolved, describeValidation(err))
	}
	if !domain.Present(snap.Weather) || !domain.Present(snap.AirQuality) {
		return fmt.Errorf("%w: weather and air quality are required", port.ErrLocationUnresolved)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}
