package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"calpal/internal/gcal"
	"calpal/internal/model"
)

// OrphanDetector finds mirrors whose source event has been deleted and
// cascades the deletion to the mirror. Create one with [NewOrphanDetector].
type OrphanDetector struct {
	store RecordStore
	gw    Gateway
	log   *slog.Logger
}

// NewOrphanDetector creates an OrphanDetector wired to the given store and
// gateway.
func NewOrphanDetector(store RecordStore, gw Gateway, logger *slog.Logger) *OrphanDetector {
	return &OrphanDetector{store: store, gw: gw, log: logger}
}

// Sweep checks every active mirror on calendarID against its source record
// and removes the ones whose source is gone. A mirror that is already absent
// remotely counts as removed; a failed remote delete is still soft-deleted
// locally with a failure action, so the deletion sweep retries it later.
// Individual failures are tallied and the sweep continues.
func (d *OrphanDetector) Sweep(ctx context.Context, calendarID string) (model.OrphanReport, error) {
	var report model.OrphanReport
	var firstErr error

	mirrors, err := d.store.GetActiveMirrors(ctx, calendarID)
	if err != nil {
		return report, fmt.Errorf("listing mirrors on %s: %w", calendarID, err)
	}

	for _, mir := range mirrors {
		report.Checked++

		sourceID := mir.SourceEventID()
		sourceCal := mir.Metadata[model.MetaMirrorSource]
		if sourceID == "" || sourceCal == "" {
			// Untracked provenance; nothing to cascade from.
			continue
		}

		deleted, err := d.store.SourceDeleted(ctx, sourceID, sourceCal)
		if err != nil {
			d.log.Error("orphan check failed", "title", mir.Title, "error", err)
			report.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !deleted {
			continue
		}
		report.Orphaned++

		action := model.ActionOrphanRemoved
		if err := d.gw.Delete(ctx, calendarID, mir.ExternalID); err != nil {
			if gcal.IsNotFound(err) {
				action = model.ActionAlreadyRemoved
			} else {
				d.log.Error("orphaned mirror cleanup failed",
					"title", mir.Title, "remote_id", mir.ExternalID, "error", err)
				action = model.ActionOrphanCleanupFailed
				report.Errors++
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if err := d.store.SoftDelete(ctx, mir.ExternalID, calendarID, action); err != nil {
			d.log.Error("recording orphan removal failed", "title", mir.Title, "error", err)
			report.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if action != model.ActionOrphanCleanupFailed {
			report.Removed++
			d.log.Info("orphaned mirror removed",
				"title", mir.Title, "source_id", sourceID, "action", action)
		}
	}

	d.log.Info("orphan sweep complete",
		"calendar", calendarID,
		"checked", report.Checked,
		"orphaned", report.Orphaned,
		"removed", report.Removed,
		"errors", report.Errors,
	)
	return report, firstErr
}
