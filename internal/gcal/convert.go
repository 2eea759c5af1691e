package gcal

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"calpal/internal/model"
)

const allDayFormat = "2006-01-02"

// toRemoteEvent converts an API event into the engine's representation.
// All-day events carry a bare date; timed events carry an RFC 3339 datetime.
// Unparseable timestamps come through as zero times rather than failing the
// whole page.
func toRemoteEvent(ev *calendar.Event) model.RemoteEvent {
	r := model.RemoteEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		ColorID:     ev.ColorId,
		Metadata:    map[string]string{},
	}
	if ev.ExtendedProperties != nil {
		for k, v := range ev.ExtendedProperties.Private {
			r.Metadata[k] = v
		}
	}
	if ev.Created != "" {
		r.CreatedAt, _ = time.Parse(time.RFC3339, ev.Created)
	}
	r.Start, r.IsAllDay = parseEventTime(ev.Start)
	r.End, _ = parseEventTime(ev.End)
	return r
}

// fromRemoteEvent builds an API event for insert or patch. The event id is
// left empty; the service assigns it on insert.
func fromRemoteEvent(r model.RemoteEvent) *calendar.Event {
	ev := &calendar.Event{
		Summary:     r.Title,
		Description: r.Description,
		Location:    r.Location,
		ColorId:     r.ColorID,
		Start:       formatEventTime(r.Start, r.IsAllDay),
		End:         formatEventTime(r.End, r.IsAllDay),
	}
	if len(r.Metadata) > 0 {
		private := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			private[k] = v
		}
		ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	return ev
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.Date != "" {
		t, _ := time.Parse(allDayFormat, edt.Date)
		return t, true
	}
	t, _ := time.Parse(time.RFC3339, edt.DateTime)
	return t, false
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if t.IsZero() {
		return nil
	}
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(allDayFormat)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}
