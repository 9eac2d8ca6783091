package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/bus"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const pgForeignKeyViolation = "23503"

var snapshotColumns = []string{
	"id", "user_id", "lat", "lng", "formatted_address", "city", "state", "timezone",
	"market_id", "local_time", "day_of_week", "hour", "weather", "air_quality", "created_at",
}

var pipelineColumns = []string{
	"snapshot_id", "status", "phase", "phase_started_at", "version",
	"strategy_for_now", "consolidated_strategy", "venues", "routes", "place_details", "verification",
	"error_kind", "error_phase", "error_message", "created_at", "updated_at",
}

var briefingColumns = []string{
	"snapshot_id", "weather", "traffic", "news", "events", "school_closures", "airport",
	"generated_at", "created_at", "updated_at",
}

// PostgresStore handles all relational database operations.
type PostgresStore struct {
	db *sql.DB
}

var _ port.Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection and returns a store instance.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// notify queues a NOTIFY that Postgres delivers only if tx commits.
func notify(ctx context.Context, tx *sql.Tx, evt domain.PhaseEvent) error {
	payload, err := bus.EncodeEvent(evt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, bus.Channel, payload); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Snapshots ---

// CreateSnapshot inserts the snapshot and its empty briefing row.
func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *domain.Snapshot) (*domain.Snapshot, error) {
	query, args, err := insertSnapshotSQL(snap)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	var result *domain.Snapshot
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, query, args...)
		var scanErr error
		if result, scanErr = scanSnapshot(row); scanErr != nil {
			return scanErr
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO briefings (snapshot_id) VALUES ($1)`, snap.ID); err != nil {
			return fmt.Errorf("create briefing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return result, nil
}

func insertSnapshotSQL(snap *domain.Snapshot) (string, []any, error) {
	return psql.Insert("snapshots").
		Columns(snapshotColumns[:len(snapshotColumns)-1]...).
		Values(
			snap.ID, snap.UserID, snap.Lat, snap.Lng, snap.FormattedAddress, snap.City, snap.State,
			snap.Timezone, snap.MarketID, snap.LocalTime, snap.DayOfWeek, snap.Hour,
			jsonArg(snap.Weather), jsonArg(snap.AirQuality),
		).
		Suffix("RETURNING " + strings.Join(snapshotColumns, ", ")).
		ToSql()
}

// GetSnapshot retrieves a snapshot by ID.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	query, args, err := psql.Select(snapshotColumns...).From("snapshots").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get snapshot %s: %w", id, port.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	var (
		snap             domain.Snapshot
		weather, airQual []byte
	)
	err := row.Scan(
		&snap.ID, &snap.UserID, &snap.Lat, &snap.Lng, &snap.FormattedAddress, &snap.City, &snap.State,
		&snap.Timezone, &snap.MarketID, &snap.LocalTime, &snap.DayOfWeek, &snap.Hour,
		&weather, &airQual, &snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.Weather = json.RawMessage(weather)
	snap.AirQuality = json.RawMessage(airQual)
	return &snap, nil
}

// --- Pipelines ---

// CreatePipeline inserts the initial record; a conflicting insert means the
// pipeline was already started for this snapshot.
func (s *PostgresStore) CreatePipeline(ctx context.Context, snapshotID string) (*domain.PipelineRecord, error) {
	initial := domain.NewPipelineRecord(snapshotID, time.Now().UTC())
	query, args, err := psql.Insert("pipeline_records").
		Columns("snapshot_id", "status", "phase", "phase_started_at", "version", "created_at", "updated_at").
		Values(initial.SnapshotID, string(initial.Status), string(initial.Phase), initial.PhaseStartedAt, initial.Version, initial.CreatedAt, initial.UpdatedAt).
		Suffix("ON CONFLICT (snapshot_id) DO NOTHING RETURNING " + strings.Join(pipelineColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	var rec *domain.PipelineRecord
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var scanErr error
		rec, scanErr = scanPipeline(tx.QueryRowContext(ctx, query, args...))
		if scanErr != nil {
			return scanErr
		}
		return notify(ctx, tx, domain.EventFor(rec))
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("create pipeline %s: %w", snapshotID, port.ErrAlreadyRunning)
	case isForeignKeyViolation(err):
		return nil, fmt.Errorf("create pipeline %s: %w", snapshotID, port.ErrSnapshotNotFound)
	case err != nil:
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return rec, nil
}

// GetPipeline retrieves the record for a snapshot.
func (s *PostgresStore) GetPipeline(ctx context.Context, snapshotID string) (*domain.PipelineRecord, error) {
	query, args, err := selectPipelineSQL(snapshotID, false)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	rec, err := scanPipeline(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get pipeline %s: %w", snapshotID, port.ErrPipelineNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return rec, nil
}

// ApplyPipeline locks the row, validates and applies u, writes it back and
// queues the notification, all in one transaction.
func (s *PostgresStore) ApplyPipeline(ctx context.Context, snapshotID string, u domain.PipelineUpdate) (*domain.PipelineRecord, error) {
	selQuery, selArgs, err := selectPipelineSQL(snapshotID, true)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", snapshotID, err)
	}

	var rec *domain.PipelineRecord
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var scanErr error
		rec, scanErr = scanPipeline(tx.QueryRowContext(ctx, selQuery, selArgs...))
		if errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("apply %s: %w", snapshotID, port.ErrPipelineNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("apply %s: lock: %w", snapshotID, scanErr)
		}
		if err := rec.Apply(u, time.Now().UTC()); err != nil {
			return applyError(snapshotID, err)
		}
		query, args, err := updatePipelineSQL(rec)
		if err != nil {
			return fmt.Errorf("apply %s: %w", snapshotID, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("apply %s: update: %w", snapshotID, err)
		}
		return notify(ctx, tx, domain.EventFor(rec))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListActivePipelines returns non-terminal records whose phase started before t.
func (s *PostgresStore) ListActivePipelines(ctx context.Context, startedBefore time.Time) ([]domain.PipelineRecord, error) {
	query, args, err := listActiveSQL(startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list active pipelines: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active pipelines: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineRecord
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func selectPipelineSQL(snapshotID string, forUpdate bool) (string, []any, error) {
	b := psql.Select(pipelineColumns...).From("pipeline_records").Where(sq.Eq{"snapshot_id": snapshotID})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	return b.ToSql()
}

func updatePipelineSQL(rec *domain.PipelineRecord) (string, []any, error) {
	set := map[string]any{
		"status":                string(rec.Status),
		"phase":                 string(rec.Phase),
		"phase_started_at":      rec.PhaseStartedAt,
		"version":               rec.Version,
		"strategy_for_now":      jsonArg(rec.StrategyForNow),
		"consolidated_strategy": jsonArg(rec.ConsolidatedStrategy),
		"venues":                jsonArg(rec.Venues),
		"routes":                jsonArg(rec.Routes),
		"place_details":         jsonArg(rec.PlaceDetails),
		"verification":          jsonArg(rec.Verification),
		"error_kind":            nil,
		"error_phase":           nil,
		"error_message":         nil,
		"updated_at":            rec.UpdatedAt,
	}
	if rec.Error != nil {
		set["error_kind"] = rec.Error.Kind
		set["error_phase"] = string(rec.Error.Phase)
		set["error_message"] = rec.Error.Message
	}
	return psql.Update("pipeline_records").SetMap(set).Where(sq.Eq{"snapshot_id": rec.SnapshotID}).ToSql()
}

func listActiveSQL(startedBefore time.Time) (string, []any, error) {
	return psql.Select(pipelineColumns...).
		From("pipeline_records").
		Where(sq.NotEq{"status": []string{string(domain.StatusOK), string(domain.StatusFailed)}}).
		Where(sq.Lt{"phase_started_at": startedBefore}).
		OrderBy("phase_started_at").
		ToSql()
}

func scanPipeline(row rowScanner) (*domain.PipelineRecord, error) {
	var (
		rec                                               domain.PipelineRecord
		status, phase                                     string
		strategy, daily, venues, routes, places, verified []byte
		errKind, errPhase, errMsg                         sql.NullString
	)
	err := row.Scan(
		&rec.SnapshotID, &status, &phase, &rec.PhaseStartedAt, &rec.Version,
		&strategy, &daily, &venues, &routes, &places, &verified,
		&errKind, &errPhase, &errMsg, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	rec.Phase = domain.Phase(phase)
	rec.StrategyForNow = rawOrNil(strategy)
	rec.ConsolidatedStrategy = rawOrNil(daily)
	rec.Venues = rawOrNil(venues)
	rec.Routes = rawOrNil(routes)
	rec.PlaceDetails = rawOrNil(places)
	rec.Verification = rawOrNil(verified)
	if errKind.Valid {
		rec.Error = &domain.PipelineError{Kind: errKind.String, Phase: domain.Phase(errPhase.String), Message: errMsg.String}
	}
	return &rec, nil
}

// --- Briefings ---

// MergeBriefing merges non-null categories into the briefing row.
func (s *PostgresStore) MergeBriefing(ctx context.Context, snapshotID string, p domain.BriefingPayload, minFields int) (*domain.BriefingRecord, error) {
	selQuery, selArgs, err := psql.Select(briefingColumns...).From("briefings").
		Where(sq.Eq{"snapshot_id": snapshotID}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, fmt.Errorf("merge briefing: %w", err)
	}

	var b *domain.BriefingRecord
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var scanErr error
		b, scanErr = scanBriefing(tx.QueryRowContext(ctx, selQuery, selArgs...))
		if errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("merge briefing %s: %w", snapshotID, port.ErrBriefingNotFound)
		}
		if scanErr != nil {
			return fmt.Errorf("merge briefing: lock: %w", scanErr)
		}
		b.Merge(p, minFields, time.Now().UTC())

		query, args, err := updateBriefingSQL(b)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("merge briefing: update: %w", err)
		}
		return notify(ctx, tx, domain.PhaseEvent{SnapshotID: snapshotID, Kind: domain.EventKindBriefing})
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func updateBriefingSQL(b *domain.BriefingRecord) (string, []any, error) {
	var generatedAt any
	if b.GeneratedAt != nil {
		generatedAt = *b.GeneratedAt
	}
	return psql.Update("briefings").SetMap(map[string]any{
		"weather":         jsonArg(b.Weather),
		"traffic":         jsonArg(b.Traffic),
		"news":            jsonArg(b.News),
		"events":          jsonArg(b.Events),
		"school_closures": jsonArg(b.SchoolClosures),
		"airport":         jsonArg(b.Airport),
		"generated_at":    generatedAt,
		"updated_at":      b.UpdatedAt,
	}).Where(sq.Eq{"snapshot_id": b.SnapshotID}).ToSql()
}

// GetBriefing retrieves the briefing record for a snapshot.
func (s *PostgresStore) GetBriefing(ctx context.Context, snapshotID string) (*domain.BriefingRecord, error) {
	query, args, err := psql.Select(briefingColumns...).From("briefings").Where(sq.Eq{"snapshot_id": snapshotID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get briefing: %w", err)
	}
	b, err := scanBriefing(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get briefing %s: %w", snapshotID, port.ErrBriefingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get briefing: %w", err)
	}
	return b, nil
}

func scanBriefing(row rowScanner) (*domain.BriefingRecord, error) {
	var (
		b                                                   domain.BriefingRecord
		weather, traffic, news, events, closures, airport []byte
		generatedAt                                         sql.NullTime
	)
	if err := row.Scan(
		&b.SnapshotID, &weather, &traffic, &news, &events, &closures, &airport,
		&generatedAt, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Weather = rawOrNil(weather)
	b.Traffic = rawOrNil(traffic)
	b.News = rawOrNil(news)
	b.Events = rawOrNil(events)
	b.SchoolClosures = rawOrNil(closures)
	b.Airport = rawOrNil(airport)
	if generatedAt.Valid {
		t := generatedAt.Time
		b.GeneratedAt = &t
	}
	return &b, nil
}

// --- Audit Logs ---

// WriteAudit implements port.AuditWriter.
func (s *PostgresStore) WriteAudit(userID, action, resource, resourceID, details, ip, userAgent string) error {
	query := `INSERT INTO audit_logs (user_id, action, resource, resource_id, details, ip, user_agent)
	          VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`
	_, err := s.db.ExecContext(context.Background(), query,
		userID, action, resource, resourceID, details, ip, userAgent,
	)
	return err
}

// --- helpers ---

// jsonArg sends JSON as text so Postgres casts it to the jsonb column type.
func jsonArg(raw json.RawMessage) any {
	if !domain.Present(raw) {
		return nil
	}
	return string(raw)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation
}
