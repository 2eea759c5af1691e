package model

// ReconcileReport aggregates the outcomes of one reconciliation pass for one
// calendar. A pass never aborts on per-item failures; it accumulates them
// here instead.
type ReconcileReport struct {
	// Repaired counts records whose status column was forced back in line
	// with deleted_at before diffing.
	Repaired int
	// Checked counts active store records examined.
	Checked int
	// Created counts remote events created for records missing remotely.
	Created int
	// Deleted counts remote deletions, both explicit (soft-deleted records
	// pending removal) and stale (remote events unknown to the store).
	Deleted int
	// DuplicatesRemoved counts extra remote copies of one record removed
	// by the tie-break rule.
	DuplicatesRemoved int
	// Errors counts per-item failures left for the next pass to retry.
	Errors int
}

// OrphanReport aggregates the outcomes of one orphan sweep for one calendar.
type OrphanReport struct {
	// Checked counts active mirrors examined.
	Checked int
	// Orphaned counts mirrors whose source record is soft-deleted.
	Orphaned int
	// Removed counts orphans soft-deleted in the store (whether or not the
	// remote copy was still present).
	Removed int
	// Errors counts mirrors whose remote cleanup failed and will be
	// retried next sweep.
	Errors int
}

// MirrorPassReport aggregates the outcomes of one mirror pass over a
// source → target calendar mapping.
type MirrorPassReport struct {
	Sources         int
	Created         int
	Adopted         int
	AlreadyMirrored int
	Suppressed      int
	Errors          int
}

// StoreStats is a snapshot of record counts, surfaced by the repair command.
type StoreStats struct {
	TotalActive int64
	ByStatus    map[string]int64
	ByKind      map[string]int64
}
