package gcal

import (
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"calpal/internal/model"
)

func TestToRemoteEvent_Timed(t *testing.T) {
	ev := &calendar.Event{
		Id:          "evt1",
		Summary:     "Dentist",
		Description: "check-up",
		Location:    "Main St",
		ColorId:     "5",
		Created:     "2026-02-01T10:00:00Z",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00Z"},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				model.MetaSourceEventID: "src1",
				model.MetaManagedBy:     model.ManagedByValue,
			},
		},
	}

	r := toRemoteEvent(ev)
	if r.ID != "evt1" || r.Title != "Dentist" || r.ColorID != "5" {
		t.Errorf("basic fields not carried over: %+v", r)
	}
	if r.IsAllDay {
		t.Error("timed event marked all-day")
	}
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !r.Start.Equal(want) {
		t.Errorf("start = %v, want %v", r.Start, want)
	}
	if r.SourceEventID() != "src1" {
		t.Errorf("source event id = %q, want src1", r.SourceEventID())
	}
	if r.CreatedAt.IsZero() {
		t.Error("created time not parsed")
	}
}

func TestToRemoteEvent_AllDay(t *testing.T) {
	ev := &calendar.Event{
		Id:    "evt1",
		Start: &calendar.EventDateTime{Date: "2026-03-02"},
		End:   &calendar.EventDateTime{Date: "2026-03-03"},
	}
	r := toRemoteEvent(ev)
	if !r.IsAllDay {
		t.Error("all-day event not flagged")
	}
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !r.Start.Equal(want) {
		t.Errorf("start = %v, want %v", r.Start, want)
	}
}

func TestToRemoteEvent_MissingTimes(t *testing.T) {
	r := toRemoteEvent(&calendar.Event{Id: "evt1"})
	if !r.Start.IsZero() || !r.End.IsZero() {
		t.Errorf("expected zero times for event without start/end, got %v / %v", r.Start, r.End)
	}
}

func TestFromRemoteEvent_RoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	in := model.RemoteEvent{
		Title:    "Busy",
		ColorID:  "8",
		Start:    start,
		End:      start.Add(time.Hour),
		Metadata: map[string]string{model.MetaSourceEventID: "src1"},
	}

	ev := fromRemoteEvent(in)
	if ev.Start == nil || ev.Start.DateTime == "" {
		t.Fatal("timed event emitted without dateTime")
	}
	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[model.MetaSourceEventID] != "src1" {
		t.Error("provenance metadata not written to private properties")
	}

	back := toRemoteEvent(ev)
	if back.Title != in.Title || !back.Start.Equal(in.Start) || !back.End.Equal(in.End) {
		t.Errorf("round trip changed event: %+v -> %+v", in, back)
	}
}

func TestFromRemoteEvent_AllDay(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	ev := fromRemoteEvent(model.RemoteEvent{
		Title:    "Holiday",
		IsAllDay: true,
		Start:    day,
		End:      day.AddDate(0, 0, 1),
	})
	if ev.Start.Date != "2026-03-02" {
		t.Errorf("start date = %q, want 2026-03-02", ev.Start.Date)
	}
	if ev.Start.DateTime != "" {
		t.Error("all-day event emitted a dateTime")
	}
}

func TestFromRemoteEvent_NoMetadata(t *testing.T) {
	ev := fromRemoteEvent(model.RemoteEvent{Title: "Plain"})
	if ev.ExtendedProperties != nil {
		t.Error("empty metadata should not allocate extended properties")
	}
}
