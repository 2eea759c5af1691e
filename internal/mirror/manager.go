// Package mirror maintains derived copies of events on other calendars: it
// creates mirrors idempotently under an advisory lock, adopts remote copies
// the record store has lost track of, and removes mirrors whose source event
// is gone.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calpal/internal/gcal"
	"calpal/internal/model"
)

// deletionGuardWindow is how long after a deletion the same event may not be
// re-mirrored, so an in-flight deletion sweep cannot race a recreation.
const deletionGuardWindow = time.Hour

// ErrMirrorChain is returned when the source event is itself a mirror.
// Mirrors of mirrors are never created.
var ErrMirrorChain = errors.New("source event is already a mirror")

// Gateway is the subset of remote calendar operations the manager performs.
// Implemented by [gcal.Client].
type Gateway interface {
	Insert(ctx context.Context, calendarID string, r model.RemoteEvent) (model.RemoteEvent, error)
	Patch(ctx context.Context, calendarID, eventID string, r model.RemoteEvent) (model.RemoteEvent, error)
	Delete(ctx context.Context, calendarID, eventID string) error
	FindByProvenance(ctx context.Context, calendarID, sourceEventID string, around time.Time) (*model.RemoteEvent, error)
}

// RecordStore is the record-store surface the manager needs.
// Implemented by [store.Store].
type RecordStore interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
	GetBySourceAndCalendar(ctx context.Context, sourceEventID, calendarID string) (*model.EventRecord, error)
	GetActiveByCalendar(ctx context.Context, calendarID string) ([]*model.EventRecord, error)
	GetActiveMirrors(ctx context.Context, calendarID string) ([]*model.EventRecord, error)
	UpsertMirror(ctx context.Context, r *model.EventRecord) error
	SoftDelete(ctx context.Context, externalID, calendarID, action string) error
	IsDoNotMirror(ctx context.Context, externalUID string, kind model.Kind) (bool, error)
	RecentlyDeleted(ctx context.Context, externalID string, within time.Duration) (bool, error)
	SourceDeleted(ctx context.Context, sourceEventID, sourceCalendar string) (bool, error)
}

// Target names a mirror destination and how events appear there.
type Target struct {
	CalendarID string
	Rule       PresentationRule
	ColorID    string
}

// Manager creates and refreshes mirrors. It is stateless between calls; all
// persistent state lives in the [RecordStore], and cross-process mutual
// exclusion comes from the store's advisory locks.
type Manager struct {
	store RecordStore
	gw    Gateway
	log   *slog.Logger
}

// NewManager creates a Manager wired to the given store and gateway.
func NewManager(store RecordStore, gw Gateway, logger *slog.Logger) *Manager {
	return &Manager{store: store, gw: gw, log: logger}
}

// EnsureMirror makes sure exactly one mirror of src exists on the target
// calendar, and reports which path established that: created a new remote
// event, adopted one that already existed remotely, refreshed an
// already-tracked one, or suppressed the pair entirely.
//
// The whole decision runs under an advisory lock on (source event, target
// calendar), so concurrent callers across processes serialize and converge
// on a single mirror.
func (m *Manager) EnsureMirror(ctx context.Context, src *model.EventRecord, target Target) (model.MirrorResult, error) {
	if src.IsMirror() {
		return "", fmt.Errorf("mirroring %q from %s: %w", src.Title, src.SourceCalendar, ErrMirrorChain)
	}
	if src.ExternalID == "" {
		return "", fmt.Errorf("mirroring %q: source has no remote event id", src.Title)
	}

	suppressed, err := m.store.IsDoNotMirror(ctx, src.ExternalUID, src.Kind)
	if err != nil {
		return "", fmt.Errorf("checking suppression for %q: %w", src.Title, err)
	}
	if suppressed || src.DoNotMirror {
		m.log.Debug("mirror suppressed", "title", src.Title, "uid", src.ExternalUID)
		return model.MirrorSuppressed, nil
	}

	recent, err := m.store.RecentlyDeleted(ctx, src.ExternalID, deletionGuardWindow)
	if err != nil {
		return "", fmt.Errorf("checking recent deletion for %q: %w", src.Title, err)
	}
	if recent {
		m.log.Info("mirror skipped, deletion still settling",
			"title", src.Title, "source_id", src.ExternalID)
		return model.MirrorSuppressed, nil
	}

	var result model.MirrorResult
	lockKey := fmt.Sprintf("mirror:%s:%s", src.ExternalID, target.CalendarID)
	err = m.store.WithLock(ctx, lockKey, func(ctx context.Context) error {
		var lockedErr error
		result, lockedErr = m.ensureLocked(ctx, src, target)
		return lockedErr
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// ensureLocked runs the create-or-adopt decision while the advisory lock for
// the (source, target) pair is held.
func (m *Manager) ensureLocked(ctx context.Context, src *model.EventRecord, target Target) (model.MirrorResult, error) {
	desired, err := Render(src, target.Rule, target.ColorID)
	if err != nil {
		return "", err
	}

	// Already tracked: refresh drifted fields and stop.
	existing, err := m.store.GetBySourceAndCalendar(ctx, src.ExternalID, target.CalendarID)
	if err != nil {
		return "", fmt.Errorf("looking up mirror of %s on %s: %w", src.ExternalID, target.CalendarID, err)
	}
	if existing != nil {
		if err := m.refresh(ctx, src, existing, desired, target); err != nil {
			return "", err
		}
		return model.MirrorAlreadyMirrored, nil
	}

	// Not tracked, but a remote copy may exist from a previous run whose
	// record write failed. Adopt it instead of duplicating.
	remote, err := m.gw.FindByProvenance(ctx, target.CalendarID, src.ExternalID, src.StartTime)
	if err != nil {
		return "", fmt.Errorf("scanning %s for an existing mirror: %w", target.CalendarID, err)
	}
	if remote != nil {
		if err := m.record(ctx, src, target, remote.ID); err != nil {
			return "", err
		}
		m.log.Info("adopted existing remote mirror",
			"title", src.Title, "target", target.CalendarID, "remote_id", remote.ID)
		return model.MirrorAdopted, nil
	}

	created, err := m.gw.Insert(ctx, target.CalendarID, desired)
	if err != nil {
		return "", fmt.Errorf("creating mirror of %q on %s: %w", src.Title, target.CalendarID, err)
	}
	if err := m.record(ctx, src, target, created.ID); err != nil {
		return "", err
	}
	m.log.Info("mirror created",
		"title", src.Title, "target", target.CalendarID, "remote_id", created.ID)
	return model.MirrorCreated, nil
}

// refresh patches the remote mirror when the source's mirrored fields have
// drifted, then rewrites the record so both stay current. A remote copy that
// vanished is recreated.
func (m *Manager) refresh(ctx context.Context, src, existing *model.EventRecord, desired model.RemoteEvent, target Target) error {
	changed := existing.Title != desired.Title ||
		!existing.StartTime.Equal(desired.Start) ||
		!existing.EndTime.Equal(desired.End) ||
		existing.Description != desired.Description ||
		existing.Location != desired.Location
	if !changed {
		return nil
	}

	remoteID := existing.ExternalID
	if _, err := m.gw.Patch(ctx, target.CalendarID, remoteID, desired); err != nil {
		if !gcal.IsNotFound(err) {
			return fmt.Errorf("refreshing mirror %s on %s: %w", remoteID, target.CalendarID, err)
		}
		created, insErr := m.gw.Insert(ctx, target.CalendarID, desired)
		if insErr != nil {
			return fmt.Errorf("recreating vanished mirror of %q: %w", src.Title, insErr)
		}
		remoteID = created.ID
		m.log.Warn("remote mirror vanished, recreated",
			"title", src.Title, "target", target.CalendarID, "remote_id", remoteID)
	}
	return m.recordWithID(ctx, src, target, remoteID, desired)
}

// record writes the mirror's row in the record store.
func (m *Manager) record(ctx context.Context, src *model.EventRecord, target Target, remoteID string) error {
	desired, err := Render(src, target.Rule, target.ColorID)
	if err != nil {
		return err
	}
	return m.recordWithID(ctx, src, target, remoteID, desired)
}

func (m *Manager) recordWithID(ctx context.Context, src *model.EventRecord, target Target, remoteID string, desired model.RemoteEvent) error {
	rec := &model.EventRecord{
		ExternalID:      remoteID,
		ExternalUID:     src.ExternalUID,
		Title:           desired.Title,
		Description:     desired.Description,
		Location:        desired.Location,
		StartTime:       src.StartTime,
		EndTime:         src.EndTime,
		IsAllDay:        src.IsAllDay,
		SourceCalendar:  src.SourceCalendar,
		CurrentCalendar: target.CalendarID,
		Kind:            model.KindMirror,
		Status:          model.StatusActive,
		LastAction:      model.ActionCreated,
		Metadata:        desired.Metadata,
	}
	if err := m.store.UpsertMirror(ctx, rec); err != nil {
		return fmt.Errorf("recording mirror of %q: %w", src.Title, err)
	}
	return nil
}

// SyncCalendar runs a mirror pass: every active, non-mirror event on the
// source calendar gets a mirror on the target. Individual failures are
// tallied and the pass continues, so one bad event cannot block the rest.
func (m *Manager) SyncCalendar(ctx context.Context, sourceCalendar string, target Target) (model.MirrorPassReport, error) {
	var report model.MirrorPassReport
	var firstErr error

	sources, err := m.store.GetActiveByCalendar(ctx, sourceCalendar)
	if err != nil {
		return report, fmt.Errorf("listing source events on %s: %w", sourceCalendar, err)
	}

	for _, src := range sources {
		if src.IsMirror() {
			continue
		}
		report.Sources++

		result, err := m.EnsureMirror(ctx, src, target)
		if err != nil {
			m.log.Error("mirror failed",
				"title", src.Title, "source", sourceCalendar, "target", target.CalendarID, "error", err)
			report.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch result {
		case model.MirrorCreated:
			report.Created++
		case model.MirrorAdopted:
			report.Adopted++
		case model.MirrorAlreadyMirrored:
			report.AlreadyMirrored++
		case model.MirrorSuppressed:
			report.Suppressed++
		}
	}

	m.log.Info("mirror pass complete",
		"source", sourceCalendar,
		"target", target.CalendarID,
		"sources", report.Sources,
		"created", report.Created,
		"adopted", report.Adopted,
		"already_mirrored", report.AlreadyMirrored,
		"suppressed", report.Suppressed,
		"errors", report.Errors,
	)
	return report, firstErr
}
