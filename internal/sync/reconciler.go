package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calpal/internal/gcal"
	"calpal/internal/model"
)

// deletionBatchLimit bounds how many pending deletions a single pass pushes.
const deletionBatchLimit = 500

// Window bounds which events a pass considers.
type Window struct {
	From time.Time
	To   time.Time
}

// Reconciler performs a single diff-and-converge pass for one calendar. It
// is stateless between calls; all persistent state lives in the
// [RecordStore].
type Reconciler struct {
	store RecordStore
	gw    Gateway
	log   *slog.Logger
}

// NewReconciler creates a Reconciler wired to the given store and gateway.
func NewReconciler(store RecordStore, gw Gateway, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, gw: gw, log: logger}
}

// Reconcile converges the remote calendar onto the record store for one
// calendar. Phases run in a fixed order: status repair, remote fetch,
// duplicate removal, deletions (pending, then stale), creations. Deletions
// always run before creations so a pass can never net-add events it should
// be removing. Individual item failures are tallied and the pass continues;
// the first error is returned alongside the report.
func (r *Reconciler) Reconcile(ctx context.Context, calendarID string, window Window) (model.ReconcileReport, error) {
	var report model.ReconcileReport
	var firstErr error

	fail := func(err error) {
		report.Errors++
		if firstErr == nil {
			firstErr = err
		}
	}

	repaired, err := r.store.RepairStatusDrift(ctx, calendarID)
	if err != nil {
		return report, fmt.Errorf("repairing status drift on %s: %w", calendarID, err)
	}
	report.Repaired = int(repaired)
	if repaired > 0 {
		r.log.Warn("repaired status drift", "calendar", calendarID, "rows", repaired)
	}

	remote, err := r.gw.List(ctx, calendarID, window.From, window.To)
	if err != nil {
		return report, fmt.Errorf("listing remote events on %s: %w", calendarID, err)
	}

	remote = r.removeDuplicates(ctx, calendarID, remote, &report, fail)

	remoteIDs := make(map[string]bool, len(remote))
	for _, ev := range remote {
		remoteIDs[ev.ID] = true
	}

	r.pushPendingDeletions(ctx, calendarID, remoteIDs, &report, fail)
	r.removeStale(ctx, calendarID, remote, &report, fail)
	r.createMissing(ctx, calendarID, remoteIDs, window, &report, fail)

	r.log.Info("reconcile complete",
		"calendar", calendarID,
		"repaired", report.Repaired,
		"checked", report.Checked,
		"created", report.Created,
		"deleted", report.Deleted,
		"duplicates_removed", report.DuplicatesRemoved,
		"errors", report.Errors,
	)
	return report, firstErr
}

// removeDuplicates collapses groups of managed remote events that share a
// source back-reference down to one. The survivor is the event the record
// store already points at; if the store points at none of them, the earliest
// created survives, with listing order breaking remaining ties. Returns the
// remote set with the removed events dropped.
func (r *Reconciler) removeDuplicates(ctx context.Context, calendarID string, remote []model.RemoteEvent, report *model.ReconcileReport, fail func(error)) []model.RemoteEvent {
	bySource := make(map[string][]int)
	for i, ev := range remote {
		sid := ev.SourceEventID()
		if sid == "" || ev.Metadata[model.MetaManagedBy] != model.ManagedByValue {
			continue
		}
		bySource[sid] = append(bySource[sid], i)
	}

	removed := make(map[int]bool)
	for sid, idxs := range bySource {
		if len(idxs) < 2 {
			continue
		}

		keep := idxs[0]
		matched := false
		rec, err := r.store.GetBySourceAndCalendar(ctx, sid, calendarID)
		if err != nil {
			r.log.Error("duplicate lookup failed", "source_id", sid, "error", err)
			fail(err)
			continue
		}
		if rec != nil {
			for _, i := range idxs {
				if remote[i].ID == rec.ExternalID {
					keep = i
					matched = true
					break
				}
			}
		}
		if !matched {
			for _, i := range idxs[1:] {
				if createdBefore(remote[i], remote[keep]) {
					keep = i
				}
			}
		}

		for _, i := range idxs {
			if i == keep {
				continue
			}
			if err := r.gw.Delete(ctx, calendarID, remote[i].ID); err != nil && !gcal.IsNotFound(err) {
				r.log.Error("duplicate removal failed",
					"calendar", calendarID, "remote_id", remote[i].ID, "error", err)
				fail(err)
				continue
			}
			removed[i] = true
			report.DuplicatesRemoved++
			r.log.Info("duplicate mirror removed",
				"calendar", calendarID, "source_id", sid, "remote_id", remote[i].ID)
		}
	}

	if len(removed) == 0 {
		return remote
	}
	out := remote[:0]
	for i, ev := range remote {
		if !removed[i] {
			out = append(out, ev)
		}
	}
	return out
}

// createdBefore reports whether a was created before b. Events without a
// creation timestamp sort last, so listing order decides among them.
func createdBefore(a, b model.RemoteEvent) bool {
	if a.CreatedAt.IsZero() {
		return false
	}
	if b.CreatedAt.IsZero() {
		return true
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// pushPendingDeletions removes remote copies of records already soft-deleted
// in the store, and marks each confirmation. A remote copy that is already
// gone is confirmed rather than treated as a failure.
func (r *Reconciler) pushPendingDeletions(ctx context.Context, calendarID string, remoteIDs map[string]bool, report *model.ReconcileReport, fail func(error)) {
	pending, err := r.store.GetDeletedPendingRemoval(ctx, calendarID, deletionBatchLimit)
	if err != nil {
		fail(fmt.Errorf("listing pending deletions on %s: %w", calendarID, err))
		return
	}

	for _, rec := range pending {
		action := model.ActionRemoved
		if err := r.gw.Delete(ctx, calendarID, rec.ExternalID); err != nil {
			if !gcal.IsNotFound(err) {
				r.log.Error("deletion push failed",
					"title", rec.Title, "remote_id", rec.ExternalID, "error", err)
				fail(err)
				continue
			}
			action = model.ActionAlreadyRemoved
		}
		if err := r.store.MarkRemoved(ctx, rec.ExternalID, calendarID, action); err != nil {
			fail(err)
			continue
		}
		delete(remoteIDs, rec.ExternalID)
		report.Deleted++
	}
}

// removeStale deletes managed remote events the record store has never heard
// of, in any status. Unmanaged unknown events are logged and left alone: the
// engine only ever deletes what it created.
func (r *Reconciler) removeStale(ctx context.Context, calendarID string, remote []model.RemoteEvent, report *model.ReconcileReport, fail func(error)) {
	known, err := r.store.KnownExternalIDs(ctx, calendarID)
	if err != nil {
		fail(fmt.Errorf("listing known ids on %s: %w", calendarID, err))
		return
	}

	for _, ev := range remote {
		if known[ev.ID] {
			continue
		}
		if ev.Metadata[model.MetaManagedBy] != model.ManagedByValue {
			r.log.Warn("untracked remote event",
				"calendar", calendarID, "remote_id", ev.ID, "title", ev.Title)
			continue
		}
		if err := r.gw.Delete(ctx, calendarID, ev.ID); err != nil && !gcal.IsNotFound(err) {
			r.log.Error("stale removal failed",
				"calendar", calendarID, "remote_id", ev.ID, "error", err)
			fail(err)
			continue
		}
		report.Deleted++
		r.log.Info("stale managed event removed",
			"calendar", calendarID, "remote_id", ev.ID, "title", ev.Title)
	}
}

// createMissing recreates remote events for active records inside the window
// that have no remote copy, and repoints each record at the new remote id.
func (r *Reconciler) createMissing(ctx context.Context, calendarID string, remoteIDs map[string]bool, window Window, report *model.ReconcileReport, fail func(error)) {
	active, err := r.store.GetActiveByCalendar(ctx, calendarID)
	if err != nil {
		fail(fmt.Errorf("listing active records on %s: %w", calendarID, err))
		return
	}

	for _, rec := range active {
		if rec.StartTime.Before(window.From) || !rec.StartTime.Before(window.To) {
			continue
		}
		report.Checked++
		if rec.ExternalID != "" && remoteIDs[rec.ExternalID] {
			continue
		}

		created, err := r.gw.Insert(ctx, calendarID, renderRecord(rec))
		if err != nil {
			r.log.Error("recreation failed", "title", rec.Title, "error", err)
			fail(err)
			continue
		}
		if err := r.store.RebindExternalID(ctx, rec.ID, created.ID); err != nil {
			fail(err)
			continue
		}
		report.Created++
		r.log.Info("missing remote event recreated",
			"calendar", calendarID, "title", rec.Title, "remote_id", created.ID)
	}
}

// renderRecord builds the remote representation of a record. Records hold
// their presented form, so this is a straight projection; the managing
// marker is stamped so a later pass can tell the event is ours.
func renderRecord(rec *model.EventRecord) model.RemoteEvent {
	meta := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[model.MetaManagedBy] = model.ManagedByValue

	return model.RemoteEvent{
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		Start:       rec.StartTime,
		End:         rec.EndTime,
		IsAllDay:    rec.IsAllDay,
		Metadata:    meta,
	}
}
