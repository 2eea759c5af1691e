// Package model defines shared types used across the reconciliation engine,
// the record store, and the calendar gateway.
package model

import "time"

// Kind classifies how an event record entered the system.
// Values match the event_type column in the record store.
type Kind string

const (
	// KindOrganic is an event created directly on a calendar by a person.
	KindOrganic Kind = "organic"
	// KindClass is an imported class meeting from the scheduling feed.
	KindClass Kind = "class"
	// KindBooking is an appointment booked through a booking page.
	KindBooking Kind = "booking"
	// KindMeetingInvitation is an event the user was invited to.
	KindMeetingInvitation Kind = "meeting_invitation"
	// KindMirror is a derived copy of another record, placed on a different
	// calendar to make its busy time visible there.
	KindMirror Kind = "mirror"
)

// Status is the lifecycle state of an event record.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// MirrorResult is the outcome of a single EnsureMirror call.
type MirrorResult string

const (
	// MirrorCreated means a new remote event was created and recorded.
	MirrorCreated MirrorResult = "created"
	// MirrorAdopted means a remote event from an earlier, incompletely
	// recorded run was found and bound to a new store record.
	MirrorAdopted MirrorResult = "adopted"
	// MirrorAlreadyMirrored means an active store record already covered
	// the (source, target) pair.
	MirrorAlreadyMirrored MirrorResult = "already_mirrored"
	// MirrorSuppressed means the pair is marked do-not-mirror or the
	// mirror was deleted too recently to recreate.
	MirrorSuppressed MirrorResult = "suppressed"
)

// last_action audit labels. The reconciler and orphan sweep use these to
// decide which soft-deleted records still need remote cleanup.
const (
	ActionCreated             = "created"
	ActionUpdated             = "updated"
	ActionDeleted             = "deleted"
	ActionRemoved             = "removed_from_google"
	ActionAlreadyRemoved      = "already_removed"
	ActionOrphanRemoved       = "orphaned_mirror_removed"
	ActionOrphanCleanupFailed = "orphaned_mirror_cleanup_failed"
)

// Provenance metadata keys. These travel both in the store's metadata column
// and in the remote event's private extended properties; they are the only
// channel by which the engine recognises its own prior writes on re-list.
const (
	// MetaSourceEventID links a mirror back to its source record's
	// external id. Present on every mirror, never on anything else.
	MetaSourceEventID = "source_event_id"
	// MetaMirrorSource is the calendar the mirrored source lives on.
	MetaMirrorSource = "mirror_source"
	// MetaOriginalSummary preserves the source title when the
	// presentation rule replaces it with a placeholder.
	MetaOriginalSummary = "original_summary"
	// MetaUpstreamID is the reservation identifier assigned by the
	// upstream scheduling feed, when the source system supplies one.
	MetaUpstreamID = "upstream_reservation_id"
	// MetaManagedBy tags every remote event this engine writes.
	MetaManagedBy = "managed_by"
	// MetaFingerprint is the dedup key computed for the source record at
	// mirror time, kept for audit and cross-run dedup.
	MetaFingerprint = "fingerprint"
)

// ManagedByValue is the MetaManagedBy tag value written on remote events.
const ManagedByValue = "calpal"

// EventRecord is the authoritative unit tracked by the record store. The
// store is the single source of truth; the remote calendar service only ever
// holds projections of these records.
type EventRecord struct {
	// ID is the store's surrogate primary key. Zero until persisted.
	ID int64

	// ExternalID is the opaque identifier the remote service assigned when
	// the event was created there. Empty until the first sync.
	ExternalID string

	// ExternalUID is the cross-service iCalendar UID, when known.
	ExternalUID string

	Title       string
	Description string
	Location    string

	StartTime time.Time
	EndTime   time.Time
	IsAllDay  bool

	// SourceCalendar is where the event originated; CurrentCalendar is the
	// remote calendar that currently holds it.
	SourceCalendar  string
	CurrentCalendar string

	Kind   Kind
	Status Status

	// LastAction is the audit label of the most recent engine mutation.
	LastAction string

	// DoNotMirror is sticky suppression, set once a user manually removes
	// a derived copy of this event.
	DoNotMirror bool

	// Metadata is the open provenance bag. Mirrors always carry
	// MetaSourceEventID here.
	Metadata map[string]string

	// DeletedAt is set on soft deletion. Records are never physically
	// removed; history is kept for dedup and audit.
	DeletedAt *time.Time
}

// SourceEventID returns the external id of the record's source, or "" when
// the record is not a mirror.
func (r *EventRecord) SourceEventID() string {
	return r.Metadata[MetaSourceEventID]
}

// IsMirror reports whether the record is a derived copy of another record.
func (r *EventRecord) IsMirror() bool {
	return r.SourceEventID() != ""
}

// RemoteEvent is the read-only projection of one event as the calendar
// gateway reports it. It lives only for the duration of a single
// reconciliation pass and is never persisted.
type RemoteEvent struct {
	// ID is the remote service's event identifier.
	ID string

	Title       string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	IsAllDay bool

	// ColorID is the remote service's display color, when set.
	ColorID string

	// Metadata is the provenance bag echoed back from creation.
	Metadata map[string]string

	// CreatedAt is the remote creation timestamp, used as the duplicate
	// tie-break when no remote id matches the store record.
	CreatedAt time.Time
}

// SourceEventID returns the provenance back-reference, or "" when the remote
// event was not written by this engine (or predates provenance tagging).
func (e *RemoteEvent) SourceEventID() string {
	return e.Metadata[MetaSourceEventID]
}
