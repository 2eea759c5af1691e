package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calpal/internal/gcal"
	"calpal/internal/model"
)

// --- Mock Record Store -------------------------------------------------------

type mockRecordStore struct {
	mu         sync.Mutex
	records    map[int64]*model.EventRecord
	nextID     int64
	suppressed map[string]bool // "uid|kind"
	lockKeys   []string
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		records:    make(map[int64]*model.EventRecord),
		suppressed: make(map[string]bool),
	}
}

func (m *mockRecordStore) seed(records ...*model.EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		m.records[r.ID] = r
	}
}

func (m *mockRecordStore) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	m.mu.Lock()
	m.lockKeys = append(m.lockKeys, key)
	m.mu.Unlock()
	return fn(ctx)
}

func (m *mockRecordStore) GetBySourceAndCalendar(_ context.Context, sourceEventID, calendarID string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SourceEventID() == sourceEventID && r.CurrentCalendar == calendarID && r.DeletedAt == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRecordStore) GetActiveByCalendar(_ context.Context, calendarID string) ([]*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.EventRecord
	for _, r := range m.records {
		if r.CurrentCalendar == calendarID && r.Status == model.StatusActive && r.DeletedAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRecordStore) GetActiveMirrors(_ context.Context, calendarID string) ([]*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.EventRecord
	for _, r := range m.records {
		if r.CurrentCalendar == calendarID && r.Status == model.StatusActive &&
			r.DeletedAt == nil && r.SourceEventID() != "" {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRecordStore) UpsertMirror(_ context.Context, rec *model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.SourceEventID() == "" {
		return fmt.Errorf("mirror %q has no source_event_id", rec.Title)
	}
	for _, existing := range m.records {
		if existing.SourceEventID() == rec.SourceEventID() &&
			existing.CurrentCalendar == rec.CurrentCalendar && existing.DeletedAt == nil {
			rec.ID = existing.ID
			cp := *rec
			m.records[existing.ID] = &cp
			return nil
		}
	}
	m.nextID++
	rec.ID = m.nextID
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRecordStore) SoftDelete(_ context.Context, externalID, calendarID, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range m.records {
		if r.ExternalID == externalID && r.CurrentCalendar == calendarID && r.DeletedAt == nil {
			r.Status = model.StatusDeleted
			r.DeletedAt = &now
			r.LastAction = action
		}
	}
	return nil
}

func (m *mockRecordStore) IsDoNotMirror(_ context.Context, externalUID string, kind model.Kind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed[externalUID+"|"+string(kind)], nil
}

func (m *mockRecordStore) markSuppressed(externalUID string, kind model.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[externalUID+"|"+string(kind)] = true
}

func (m *mockRecordStore) RecentlyDeleted(_ context.Context, externalID string, within time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-within)
	for _, r := range m.records {
		if r.DeletedAt == nil || r.DeletedAt.Before(cutoff) {
			continue
		}
		if r.ExternalID == externalID || r.SourceEventID() == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRecordStore) SourceDeleted(_ context.Context, sourceEventID, sourceCalendar string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := false
	for _, r := range m.records {
		if r.ExternalID != sourceEventID || r.CurrentCalendar != sourceCalendar {
			continue
		}
		if r.DeletedAt == nil {
			// A live row wins over any historical deleted rows.
			return false, nil
		}
		deleted = true
	}
	return deleted, nil
}

func (m *mockRecordStore) activeMirrorCount(calendarID string) int {
	mirrors, _ := m.GetActiveMirrors(context.Background(), calendarID)
	return len(mirrors)
}

func (m *mockRecordStore) find(externalID, calendarID string) *model.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ExternalID == externalID && r.CurrentCalendar == calendarID {
			cp := *r
			return &cp
		}
	}
	return nil
}

// --- Mock Gateway ------------------------------------------------------------

type mockGateway struct {
	mu        sync.Mutex
	events    map[string][]model.RemoteEvent // calendarID → events
	nextID    int
	insertErr error
	patchErr  error
	deleteErr error
	inserts   int
	patches   int
	deletes   int
}

func newMockGateway() *mockGateway {
	return &mockGateway{events: make(map[string][]model.RemoteEvent)}
}

func (g *mockGateway) addRemote(calendarID string, ev model.RemoteEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[calendarID] = append(g.events[calendarID], ev)
}

func (g *mockGateway) Insert(_ context.Context, calendarID string, r model.RemoteEvent) (model.RemoteEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserts++
	if g.insertErr != nil {
		return model.RemoteEvent{}, g.insertErr
	}
	g.nextID++
	r.ID = fmt.Sprintf("remote-%d", g.nextID)
	g.events[calendarID] = append(g.events[calendarID], r)
	return r, nil
}

func (g *mockGateway) Patch(_ context.Context, calendarID, eventID string, r model.RemoteEvent) (model.RemoteEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patches++
	if g.patchErr != nil {
		return model.RemoteEvent{}, g.patchErr
	}
	events := g.events[calendarID]
	for i := range events {
		if events[i].ID == eventID {
			r.ID = eventID
			events[i] = r
			return r, nil
		}
	}
	return model.RemoteEvent{}, fmt.Errorf("event %s on %s: %w", eventID, calendarID, gcal.ErrNotFound)
}

func (g *mockGateway) Delete(_ context.Context, calendarID, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes++
	if g.deleteErr != nil {
		return g.deleteErr
	}
	events := g.events[calendarID]
	for i := range events {
		if events[i].ID == eventID {
			g.events[calendarID] = append(events[:i], events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %s on %s: %w", eventID, calendarID, gcal.ErrNotFound)
}

func (g *mockGateway) FindByProvenance(_ context.Context, calendarID, sourceEventID string, _ time.Time) (*model.RemoteEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range g.events[calendarID] {
		if ev.SourceEventID() == sourceEventID {
			cp := ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (g *mockGateway) remoteCount(calendarID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events[calendarID])
}
