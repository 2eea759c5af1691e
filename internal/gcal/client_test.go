package gcal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"calpal/internal/model"
)

// mockAPI implements [EventsAPI] with programmable responses.
type mockAPI struct {
	listPages   []*calendar.Events
	listCalls   int
	listErr     error
	insertErr   error
	inserted    []*calendar.Event
	patchErr    error
	patched     []*calendar.Event
	deleteErr   error
	deleted     []string
	deleteCalls int
}

func (m *mockAPI) List(_ context.Context, _ string, _, _ time.Time, _ string) (*calendar.Events, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listCalls >= len(m.listPages) {
		return &calendar.Events{}, nil
	}
	page := m.listPages[m.listCalls]
	m.listCalls++
	return page, nil
}

func (m *mockAPI) Insert(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.inserted = append(m.inserted, ev)
	created := *ev
	created.Id = "assigned-id"
	return &created, nil
}

func (m *mockAPI) Patch(_ context.Context, _ string, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	if m.patchErr != nil {
		return nil, m.patchErr
	}
	m.patched = append(m.patched, ev)
	patched := *ev
	patched.Id = eventID
	return &patched, nil
}

func (m *mockAPI) Delete(_ context.Context, _ string, eventID string) error {
	m.deleteCalls++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, eventID)
	return nil
}

func testClient(api EventsAPI, allowed ...string) *Client {
	c := NewWithAPI(api, allowed, time.Microsecond, slog.Default())
	c.maxAttempts = 2 // keep test backoff short
	return c
}

func TestInsertRejectedOutsideAllowList(t *testing.T) {
	api := &mockAPI{}
	c := testClient(api, "family@group.calendar.google.com")

	_, err := c.Insert(context.Background(), "stranger@gmail.com", model.RemoteEvent{Title: "x"})
	var sec *SecurityViolationError
	if !errors.As(err, &sec) {
		t.Fatalf("expected SecurityViolationError, got: %v", err)
	}
	if sec.CalendarID != "stranger@gmail.com" || sec.Operation != "insert" {
		t.Errorf("violation details = %+v", sec)
	}
	if len(api.inserted) != 0 {
		t.Error("insert reached the API despite the allow-list")
	}
}

func TestDeleteGoneEventIsNotFound(t *testing.T) {
	api := &mockAPI{deleteErr: &googleapi.Error{Code: http.StatusGone}}
	c := testClient(api, "cal1")

	err := c.Delete(context.Background(), "cal1", "evt1")
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound for 410, got: %v", err)
	}
	if api.deleteCalls != 1 {
		t.Errorf("delete called %d times, want 1 (410 is permanent)", api.deleteCalls)
	}
}

func TestDeleteRetriesTransient(t *testing.T) {
	api := &mockAPI{deleteErr: &googleapi.Error{Code: http.StatusServiceUnavailable}}
	c := testClient(api, "cal1")

	err := c.Delete(context.Background(), "cal1", "evt1")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if api.deleteCalls != 2 {
		t.Errorf("delete called %d times, want 2", api.deleteCalls)
	}
}

func TestListPaginates(t *testing.T) {
	api := &mockAPI{
		listPages: []*calendar.Events{
			{
				Items:         []*calendar.Event{{Id: "a"}, {Id: "b"}},
				NextPageToken: "page2",
			},
			{
				Items: []*calendar.Event{{Id: "c"}},
			},
		},
	}
	c := testClient(api)

	events, err := c.List(context.Background(), "cal1", time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 across pages", len(events))
	}
	if api.listCalls != 2 {
		t.Errorf("list called %d times, want 2", api.listCalls)
	}
}

func TestInsertAssignsID(t *testing.T) {
	api := &mockAPI{}
	c := testClient(api, "cal1")

	created, err := c.Insert(context.Background(), "cal1", model.RemoteEvent{
		Title: "Busy",
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != "assigned-id" {
		t.Errorf("created id = %q, want the service-assigned id", created.ID)
	}
}

func TestPatchGoneEventIsNotFound(t *testing.T) {
	api := &mockAPI{patchErr: &googleapi.Error{Code: http.StatusNotFound}}
	c := testClient(api, "cal1")

	_, err := c.Patch(context.Background(), "cal1", "evt1", model.RemoteEvent{Title: "x"})
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound for 404, got: %v", err)
	}
}

func TestFindByProvenance(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	api := &mockAPI{
		listPages: []*calendar.Events{{
			Items: []*calendar.Event{
				{Id: "other", Start: &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)}},
				{
					Id:    "match",
					Start: &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
					ExtendedProperties: &calendar.EventExtendedProperties{
						Private: map[string]string{model.MetaSourceEventID: "src1"},
					},
				},
			},
		}},
	}
	c := testClient(api)

	found, err := c.FindByProvenance(context.Background(), "cal1", "src1", start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil || found.ID != "match" {
		t.Fatalf("got %+v, want the event carrying src1 provenance", found)
	}

	missing, err := c.FindByProvenance(context.Background(), "cal1", "absent", start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("got %+v, want nil for unknown provenance", missing)
	}
}
