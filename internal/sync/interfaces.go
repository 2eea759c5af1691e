// Package sync implements the convergence engine for CalPal. The record
// store is the source of truth; the remote calendar is a projection of it.
// Each pass repairs record-store drift, removes duplicate and stale remote
// events, pushes pending deletions, and recreates remote events the store
// says should exist.
//
// The package contains two main components:
//
//   - [Reconciler] performs a single diff-and-converge pass per calendar.
//   - [Engine] schedules reconcile passes, mirror passes, and orphan sweeps
//     on cron expressions.
package sync

import (
	"context"
	"time"

	"calpal/internal/model"
)

// Gateway is the subset of remote calendar operations the reconciler
// performs. Implemented by [gcal.Client].
type Gateway interface {
	List(ctx context.Context, calendarID string, from, to time.Time) ([]model.RemoteEvent, error)
	Insert(ctx context.Context, calendarID string, r model.RemoteEvent) (model.RemoteEvent, error)
	Delete(ctx context.Context, calendarID, eventID string) error
}

// RecordStore provides access to the record store.
// Implemented by [store.Store].
type RecordStore interface {
	RepairStatusDrift(ctx context.Context, calendarID string) (int64, error)
	GetActiveByCalendar(ctx context.Context, calendarID string) ([]*model.EventRecord, error)
	GetBySourceAndCalendar(ctx context.Context, sourceEventID, calendarID string) (*model.EventRecord, error)
	GetDeletedPendingRemoval(ctx context.Context, calendarID string, limit int) ([]*model.EventRecord, error)
	MarkRemoved(ctx context.Context, externalID, calendarID, action string) error
	KnownExternalIDs(ctx context.Context, calendarID string) (map[string]bool, error)
	RebindExternalID(ctx context.Context, id int64, externalID string) error
}
