package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"calpal/internal/gcal"
	"calpal/internal/model"
)

// --- Mock Record Store -------------------------------------------------------

type mockStore struct {
	mu      stdsync.Mutex
	drift   int64
	active  []*model.EventRecord
	pending []*model.EventRecord
	known   map[string]bool

	// observed mutations
	removedActions map[string]string // externalID → action
	rebound        map[int64]string  // record id → new externalID
}

func newMockStore() *mockStore {
	return &mockStore{
		known:          make(map[string]bool),
		removedActions: make(map[string]string),
		rebound:        make(map[int64]string),
	}
}

func (m *mockStore) RepairStatusDrift(_ context.Context, _ string) (int64, error) {
	return m.drift, nil
}

func (m *mockStore) GetActiveByCalendar(_ context.Context, _ string) ([]*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.EventRecord, len(m.active))
	copy(out, m.active)
	return out, nil
}

func (m *mockStore) GetBySourceAndCalendar(_ context.Context, sourceEventID, calendarID string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.active {
		if r.SourceEventID() == sourceEventID && r.CurrentCalendar == calendarID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetDeletedPendingRemoval(_ context.Context, _ string, limit int) ([]*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	if len(out) > limit {
		out = out[:limit]
	}
	cp := make([]*model.EventRecord, len(out))
	copy(cp, out)
	return cp, nil
}

func (m *mockStore) MarkRemoved(_ context.Context, externalID, _, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedActions[externalID] = action
	return nil
}

func (m *mockStore) KnownExternalIDs(_ context.Context, _ string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.known))
	for id := range m.known {
		out[id] = true
	}
	// Everything the store tracks counts as known, whatever its status.
	for _, r := range m.active {
		if r.ExternalID != "" {
			out[r.ExternalID] = true
		}
	}
	for _, r := range m.pending {
		if r.ExternalID != "" {
			out[r.ExternalID] = true
		}
	}
	return out, nil
}

func (m *mockStore) RebindExternalID(_ context.Context, id int64, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebound[id] = externalID
	return nil
}

// --- Mock Gateway ------------------------------------------------------------

type mockGateway struct {
	mu        stdsync.Mutex
	remote    []model.RemoteEvent
	listErr   error
	insertErr error
	deleteErr error
	nextID    int

	// ops records the mutation order, e.g. "delete:evt1", "insert:Busy".
	ops []string
}

func newMockGateway(remote ...model.RemoteEvent) *mockGateway {
	return &mockGateway{remote: remote}
}

func (g *mockGateway) List(_ context.Context, _ string, _, _ time.Time) ([]model.RemoteEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]model.RemoteEvent, len(g.remote))
	copy(out, g.remote)
	return out, nil
}

func (g *mockGateway) Insert(_ context.Context, _ string, r model.RemoteEvent) (model.RemoteEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, "insert:"+r.Title)
	if g.insertErr != nil {
		return model.RemoteEvent{}, g.insertErr
	}
	g.nextID++
	r.ID = fmt.Sprintf("remote-%d", g.nextID)
	g.remote = append(g.remote, r)
	return r, nil
}

func (g *mockGateway) Delete(_ context.Context, _ string, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, "delete:"+eventID)
	if g.deleteErr != nil {
		return g.deleteErr
	}
	for i := range g.remote {
		if g.remote[i].ID == eventID {
			g.remote = append(g.remote[:i], g.remote[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", eventID, gcal.ErrNotFound)
}

func (g *mockGateway) remoteIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(g.remote))
	for i, ev := range g.remote {
		ids[i] = ev.ID
	}
	return ids
}
