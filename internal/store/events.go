package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"calpal/internal/model"
)

const recordColumns = `
    id, COALESCE(event_id, ''), COALESCE(ical_uid, ''), summary, description,
    location, start_time, end_time, is_all_day, source_calendar,
    current_calendar, event_type, status, last_action, do_not_mirror,
    metadata::text, deleted_at`

// UpsertEvent inserts or updates a record keyed by (event_id,
// current_calendar). The insert-or-update is a single atomic statement; two
// concurrent callers can never produce two active rows for the pair. The
// record's ID field is updated with the row id.
func (s *Store) UpsertEvent(ctx context.Context, r *model.EventRecord) error {
	meta, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}

	const q = `
        INSERT INTO calendar_events (
            event_id, ical_uid, summary, description, location,
            start_time, end_time, is_all_day, source_calendar,
            current_calendar, event_type, status, last_action,
            do_not_mirror, metadata, last_seen_at
        ) VALUES (
            NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12, $13,
            $14, CAST($15 AS jsonb), NOW()
        )
        ON CONFLICT (event_id, current_calendar)
            WHERE event_id IS NOT NULL AND deleted_at IS NULL
        DO UPDATE SET
            summary      = EXCLUDED.summary,
            description  = EXCLUDED.description,
            location     = EXCLUDED.location,
            start_time   = EXCLUDED.start_time,
            end_time     = EXCLUDED.end_time,
            is_all_day   = EXCLUDED.is_all_day,
            event_type   = EXCLUDED.event_type,
            last_action  = 'updated',
            last_seen_at = NOW(),
            updated_at   = NOW()
        RETURNING id`

	err = s.pool.QueryRow(ctx, q,
		r.ExternalID, r.ExternalUID, r.Title, r.Description, r.Location,
		r.StartTime, r.EndTime, r.IsAllDay, r.SourceCalendar,
		r.CurrentCalendar, string(r.Kind), string(r.Status), r.LastAction,
		r.DoNotMirror, meta,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("upserting event %q on %s: %w", r.Title, r.CurrentCalendar, err)
	}
	return nil
}

// UpsertMirror inserts or updates a mirror record atomically, keyed by the
// uniqueness invariant (metadata source_event_id, current_calendar). If an
// active mirror for the pair already exists, its mutable fields and remote
// event id are refreshed instead of creating a duplicate.
func (s *Store) UpsertMirror(ctx context.Context, r *model.EventRecord) error {
	if r.SourceEventID() == "" {
		return fmt.Errorf("upserting mirror %q: missing source_event_id metadata", r.Title)
	}
	meta, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}

	const q = `
        INSERT INTO calendar_events (
            event_id, ical_uid, summary, description, location,
            start_time, end_time, is_all_day, source_calendar,
            current_calendar, event_type, status, last_action,
            do_not_mirror, metadata, last_seen_at
        ) VALUES (
            NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12, $13,
            $14, CAST($15 AS jsonb), NOW()
        )
        ON CONFLICT ((metadata->>'source_event_id'), current_calendar)
            WHERE metadata->>'source_event_id' IS NOT NULL AND deleted_at IS NULL
        DO UPDATE SET
            event_id     = EXCLUDED.event_id,
            summary      = EXCLUDED.summary,
            description  = EXCLUDED.description,
            location     = EXCLUDED.location,
            start_time   = EXCLUDED.start_time,
            end_time     = EXCLUDED.end_time,
            is_all_day   = EXCLUDED.is_all_day,
            last_action  = 'updated',
            last_seen_at = NOW(),
            updated_at   = NOW()
        RETURNING id`

	err = s.pool.QueryRow(ctx, q,
		r.ExternalID, r.ExternalUID, r.Title, r.Description, r.Location,
		r.StartTime, r.EndTime, r.IsAllDay, r.SourceCalendar,
		r.CurrentCalendar, string(r.Kind), string(r.Status), r.LastAction,
		r.DoNotMirror, meta,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("upserting mirror %q on %s: %w", r.Title, r.CurrentCalendar, err)
	}
	return nil
}

// SoftDelete marks the record for (externalID, calendarID) as deleted with
// the given audit action. Already-deleted records are left untouched.
func (s *Store) SoftDelete(ctx context.Context, externalID, calendarID, action string) error {
	const q = `
        UPDATE calendar_events
        SET status = 'deleted',
            deleted_at = NOW(),
            last_action = $3,
            last_action_at = NOW(),
            updated_at = NOW()
        WHERE event_id = $1 AND current_calendar = $2 AND deleted_at IS NULL`
	if _, err := s.pool.Exec(ctx, q, externalID, calendarID, action); err != nil {
		return fmt.Errorf("soft-deleting event %s on %s: %w", externalID, calendarID, err)
	}
	return nil
}

// GetActiveByCalendar returns all active records whose current calendar is
// calendarID, ordered by start time.
func (s *Store) GetActiveByCalendar(ctx context.Context, calendarID string) ([]*model.EventRecord, error) {
	q := `SELECT ` + recordColumns + `
        FROM calendar_events
        WHERE current_calendar = $1 AND status = 'active' AND deleted_at IS NULL
        ORDER BY start_time`
	return s.queryRecords(ctx, q, calendarID)
}

// GetActiveMirrors returns all active records on calendarID that carry a
// source_event_id back-reference, i.e. every mirror regardless of how its
// kind was classified.
func (s *Store) GetActiveMirrors(ctx context.Context, calendarID string) ([]*model.EventRecord, error) {
	q := `SELECT ` + recordColumns + `
        FROM calendar_events
        WHERE current_calendar = $1 AND status = 'active' AND deleted_at IS NULL
          AND metadata->>'source_event_id' IS NOT NULL
        ORDER BY start_time`
	return s.queryRecords(ctx, q, calendarID)
}

// GetBySourceAndCalendar returns the active mirror of sourceEventID on
// calendarID, or (nil, nil) if none exists.
func (s *Store) GetBySourceAndCalendar(ctx context.Context, sourceEventID, calendarID string) (*model.EventRecord, error) {
	q := `SELECT ` + recordColumns + `
        FROM calendar_events
        WHERE metadata->>'source_event_id' = $1 AND current_calendar = $2
          AND deleted_at IS NULL
        LIMIT 1`
	return s.queryRecord(ctx, q, sourceEventID, calendarID)
}

// GetByExternalID returns the active record for (externalID, calendarID), or
// (nil, nil) if none exists.
func (s *Store) GetByExternalID(ctx context.Context, externalID, calendarID string) (*model.EventRecord, error) {
	q := `SELECT ` + recordColumns + `
        FROM calendar_events
        WHERE event_id = $1 AND current_calendar = $2 AND deleted_at IS NULL
        LIMIT 1`
	return s.queryRecord(ctx, q, externalID, calendarID)
}

// SourceDeleted reports whether the source for (sourceEventID,
// sourceCalendar) is gone: a soft-deleted row exists for the pair and no
// active row does. Rows are never physically removed, so a source that was
// deleted once and later re-ingested has both; the active row wins. A source
// with no row at all is not considered deleted; deletion detection for
// untracked events belongs to ingestion, not this engine.
func (s *Store) SourceDeleted(ctx context.Context, sourceEventID, sourceCalendar string) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM calendar_events
        WHERE event_id = $1 AND current_calendar = $2 AND deleted_at IS NOT NULL
    ) AND NOT EXISTS (
        SELECT 1 FROM calendar_events
        WHERE event_id = $1 AND current_calendar = $2 AND deleted_at IS NULL
    )`
	var deleted bool
	if err := s.pool.QueryRow(ctx, q, sourceEventID, sourceCalendar).Scan(&deleted); err != nil {
		return false, fmt.Errorf("checking source %s on %s: %w", sourceEventID, sourceCalendar, err)
	}
	return deleted, nil
}

// KnownExternalIDs returns every external id the store has ever recorded for
// calendarID, regardless of status. The reconciler uses this to make sure
// remote propagation lag is never misread as deletion intent.
func (s *Store) KnownExternalIDs(ctx context.Context, calendarID string) (map[string]bool, error) {
	const q = `
        SELECT DISTINCT event_id FROM calendar_events
        WHERE current_calendar = $1 AND event_id IS NOT NULL`
	rows, err := s.pool.Query(ctx, q, calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying known ids for %s: %w", calendarID, err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning known id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}

// GetDeletedPendingRemoval returns soft-deleted records on calendarID whose
// remote copies have not yet been confirmed gone, oldest deletions first.
func (s *Store) GetDeletedPendingRemoval(ctx context.Context, calendarID string, limit int) ([]*model.EventRecord, error) {
	q := `SELECT ` + recordColumns + `
        FROM calendar_events
        WHERE current_calendar = $1
          AND deleted_at IS NOT NULL
          AND status = 'deleted'
          AND last_action NOT IN ($2, $3)
          AND event_id IS NOT NULL
        ORDER BY deleted_at
        LIMIT $4`
	return s.queryRecords(ctx, q, calendarID, model.ActionRemoved, model.ActionAlreadyRemoved, limit)
}

// MarkRemoved records that the remote copy of (externalID, calendarID) is
// confirmed gone, with the appropriate audit action. Only soft-deleted rows
// are stamped; an active row sharing the external id is left alone.
func (s *Store) MarkRemoved(ctx context.Context, externalID, calendarID, action string) error {
	const q = `
        UPDATE calendar_events
        SET last_action = $3,
            last_action_at = NOW(),
            updated_at = NOW()
        WHERE event_id = $1 AND current_calendar = $2 AND deleted_at IS NOT NULL`
	if _, err := s.pool.Exec(ctx, q, externalID, calendarID, action); err != nil {
		return fmt.Errorf("marking event %s removed: %w", externalID, err)
	}
	return nil
}

// RebindExternalID repoints a record at a new remote event id, after the
// reconciler recreated a remote copy that had gone missing.
func (s *Store) RebindExternalID(ctx context.Context, id int64, externalID string) error {
	const q = `
        UPDATE calendar_events
        SET event_id = $2,
            last_action = 'updated',
            last_action_at = NOW(),
            updated_at = NOW()
        WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, externalID); err != nil {
		return fmt.Errorf("rebinding record %d to %s: %w", id, externalID, err)
	}
	return nil
}

// IsDoNotMirror reports whether the (externalUID, kind) pair carries sticky
// mirror suppression.
func (s *Store) IsDoNotMirror(ctx context.Context, externalUID string, kind model.Kind) (bool, error) {
	if externalUID == "" {
		return false, nil
	}
	const q = `SELECT EXISTS (
        SELECT 1 FROM calendar_events
        WHERE ical_uid = $1 AND event_type = $2 AND do_not_mirror = TRUE
    )`
	var suppressed bool
	if err := s.pool.QueryRow(ctx, q, externalUID, string(kind)).Scan(&suppressed); err != nil {
		return false, fmt.Errorf("checking do_not_mirror for %s: %w", externalUID, err)
	}
	return suppressed, nil
}

// MarkDoNotMirror sets sticky suppression for every record of the
// (externalUID, kind) pair. Once set, EnsureMirror refuses the pair forever.
func (s *Store) MarkDoNotMirror(ctx context.Context, externalUID string, kind model.Kind) error {
	const q = `
        UPDATE calendar_events
        SET do_not_mirror = TRUE,
            updated_at = NOW()
        WHERE ical_uid = $1 AND event_type = $2`
	if _, err := s.pool.Exec(ctx, q, externalUID, string(kind)); err != nil {
		return fmt.Errorf("marking %s do_not_mirror: %w", externalUID, err)
	}
	return nil
}

// RecentlyDeleted reports whether a record with externalID, or a mirror
// derived from it, was soft-deleted on any calendar after the cutoff. Guards
// against a mirror being recreated while a deletion sweep is still
// propagating.
func (s *Store) RecentlyDeleted(ctx context.Context, externalID string, within time.Duration) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM calendar_events
        WHERE (event_id = $1 OR metadata->>'source_event_id' = $1)
          AND deleted_at IS NOT NULL AND deleted_at > $2
    )`
	var recent bool
	cutoff := time.Now().UTC().Add(-within)
	if err := s.pool.QueryRow(ctx, q, externalID, cutoff).Scan(&recent); err != nil {
		return false, fmt.Errorf("checking recent deletion of %s: %w", externalID, err)
	}
	return recent, nil
}

// RepairStatusDrift forces status to 'deleted' wherever deleted_at is set
// but status disagrees, and returns how many rows were repaired. The two
// columns are independently writable, so drift happens; the repair sweep
// keeps the invariant self-healing.
func (s *Store) RepairStatusDrift(ctx context.Context, calendarID string) (int64, error) {
	const q = `
        UPDATE calendar_events
        SET status = 'deleted',
            updated_at = NOW()
        WHERE deleted_at IS NOT NULL AND status != 'deleted' AND current_calendar = $1`
	tag, err := s.pool.Exec(ctx, q, calendarID)
	if err != nil {
		return 0, fmt.Errorf("repairing status drift on %s: %w", calendarID, err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns record counts by status and kind for non-deleted rows.
func (s *Store) Stats(ctx context.Context) (model.StoreStats, error) {
	stats := model.StoreStats{
		ByStatus: make(map[string]int64),
		ByKind:   make(map[string]int64),
	}

	const q = `
        SELECT status, event_type, COUNT(*)
        FROM calendar_events
        WHERE deleted_at IS NULL
        GROUP BY status, event_type`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return stats, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, kind string
		var count int64
		if err := rows.Scan(&status, &kind, &count); err != nil {
			return stats, fmt.Errorf("scanning stats row: %w", err)
		}
		stats.ByStatus[status] += count
		stats.ByKind[kind] += count
		if status == string(model.StatusActive) {
			stats.TotalActive += count
		}
	}
	return stats, rows.Err()
}

// --- helpers -----------------------------------------------------------------

func (s *Store) queryRecord(ctx context.Context, q string, args ...any) (*model.EventRecord, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]*model.EventRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []*model.EventRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// scanner matches both pgx.Row and pgx.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.EventRecord, error) {
	var r model.EventRecord
	var kind, status, meta string

	err := sc.Scan(
		&r.ID,
		&r.ExternalID,
		&r.ExternalUID,
		&r.Title,
		&r.Description,
		&r.Location,
		&r.StartTime,
		&r.EndTime,
		&r.IsAllDay,
		&r.SourceCalendar,
		&r.CurrentCalendar,
		&kind,
		&status,
		&r.LastAction,
		&r.DoNotMirror,
		&meta,
		&r.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	r.Kind = model.Kind(kind)
	r.Status = model.Status(status)
	r.Metadata = map[string]string{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for record %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func marshalMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}
