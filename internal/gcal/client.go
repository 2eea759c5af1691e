package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calpal/internal/model"
)

// EventsAPI is the subset of Calendar API calls the client performs. Defining
// it as an interface allows mock injection in tests.
type EventsAPI interface {
	List(ctx context.Context, calendarID string, timeMin, timeMax time.Time, pageToken string) (*calendar.Events, error)
	Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	Patch(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	Delete(ctx context.Context, calendarID, eventID string) error
}

// serviceAPI adapts [*calendar.Service] to [EventsAPI].
type serviceAPI struct {
	svc *calendar.Service
}

func (s *serviceAPI) List(ctx context.Context, calendarID string, timeMin, timeMax time.Time, pageToken string) (*calendar.Events, error) {
	call := s.svc.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(2500).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (s *serviceAPI) Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	return s.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
}

func (s *serviceAPI) Patch(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	return s.svc.Events.Patch(calendarID, eventID, ev).Context(ctx).Do()
}

func (s *serviceAPI) Delete(ctx context.Context, calendarID, eventID string) error {
	return s.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
}

// Client provides mirror-engine–oriented operations on Google Calendar.
// Every write is gated on the configured allow-list, and every call passes
// through a shared rate limiter. Create one with [New] or [NewWithAPI].
type Client struct {
	api         EventsAPI
	allowed     map[string]bool
	limiter     *rate.Limiter
	maxAttempts int
	logger      *slog.Logger
}

// New creates a Client backed by the real Calendar service, authenticated
// with the given service-account credentials file. minInterval is the
// minimum delay between consecutive API calls.
func New(ctx context.Context, credentialsFile string, allowedCalendars []string, minInterval time.Duration, logger *slog.Logger) (*Client, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(calendar.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return NewWithAPI(&serviceAPI{svc: svc}, allowedCalendars, minInterval, logger), nil
}

// NewWithAPI creates a Client with a caller-supplied API. Intended for
// testing with a mock [EventsAPI].
func NewWithAPI(api EventsAPI, allowedCalendars []string, minInterval time.Duration, logger *slog.Logger) *Client {
	allowed := make(map[string]bool, len(allowedCalendars))
	for _, id := range allowedCalendars {
		allowed[id] = true
	}
	return &Client{
		api:         api,
		allowed:     allowed,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

// authorizeWrite rejects writes to calendars outside the allow-list. Reads
// are not gated; only mutations can do damage.
func (c *Client) authorizeWrite(calendarID, operation string) error {
	if !c.allowed[calendarID] {
		return &SecurityViolationError{CalendarID: calendarID, Operation: operation}
	}
	return nil
}

// do runs fn through the rate limiter and transient-failure retry. The
// limiter is consulted on every attempt, so retries also respect the minimum
// call interval.
func (c *Client) do(ctx context.Context, fn func() error) error {
	return Retry(ctx, c.maxAttempts, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		return fn()
	})
}

// List fetches all events on calendarID in [from, to), expanded to single
// instances, across however many pages the service returns.
func (c *Client) List(ctx context.Context, calendarID string, from, to time.Time) ([]model.RemoteEvent, error) {
	var out []model.RemoteEvent
	pageToken := ""
	for {
		var page *calendar.Events
		err := c.do(ctx, func() error {
			var callErr error
			page, callErr = c.api.List(ctx, calendarID, from, to, pageToken)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("list events on %s: %w", calendarID, err)
		}
		for _, ev := range page.Items {
			out = append(out, toRemoteEvent(ev))
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// Insert creates r on calendarID and returns the created event with the
// service-assigned id.
func (c *Client) Insert(ctx context.Context, calendarID string, r model.RemoteEvent) (model.RemoteEvent, error) {
	if err := c.authorizeWrite(calendarID, "insert"); err != nil {
		return model.RemoteEvent{}, err
	}

	var created *calendar.Event
	err := c.do(ctx, func() error {
		var callErr error
		created, callErr = c.api.Insert(ctx, calendarID, fromRemoteEvent(r))
		return callErr
	})
	if err != nil {
		return model.RemoteEvent{}, fmt.Errorf("insert event %q on %s: %w", r.Title, calendarID, err)
	}
	return toRemoteEvent(created), nil
}

// Patch updates the mutable fields of eventID on calendarID to match r.
// Returns [ErrNotFound] if the event no longer exists.
func (c *Client) Patch(ctx context.Context, calendarID, eventID string, r model.RemoteEvent) (model.RemoteEvent, error) {
	if err := c.authorizeWrite(calendarID, "patch"); err != nil {
		return model.RemoteEvent{}, err
	}

	var patched *calendar.Event
	err := c.do(ctx, func() error {
		var callErr error
		patched, callErr = c.api.Patch(ctx, calendarID, eventID, fromRemoteEvent(r))
		return callErr
	})
	if err != nil {
		if isGone(err) {
			return model.RemoteEvent{}, fmt.Errorf("patch event %s on %s: %w", eventID, calendarID, ErrNotFound)
		}
		return model.RemoteEvent{}, fmt.Errorf("patch event %s on %s: %w", eventID, calendarID, err)
	}
	return toRemoteEvent(patched), nil
}

// Delete removes eventID from calendarID. An event that is already gone
// (404 or 410) comes back as [ErrNotFound]; callers converging on deletion
// treat that as success.
func (c *Client) Delete(ctx context.Context, calendarID, eventID string) error {
	if err := c.authorizeWrite(calendarID, "delete"); err != nil {
		return err
	}

	err := c.do(ctx, func() error {
		return c.api.Delete(ctx, calendarID, eventID)
	})
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("delete event %s on %s: %w", eventID, calendarID, ErrNotFound)
		}
		return fmt.Errorf("delete event %s on %s: %w", eventID, calendarID, err)
	}
	return nil
}

// FindByProvenance scans calendarID around the expected start time for an
// event whose provenance metadata names sourceEventID. Used to adopt mirrors
// that exist remotely but are missing from the record store. Returns
// (nil, nil) when no such event exists.
func (c *Client) FindByProvenance(ctx context.Context, calendarID, sourceEventID string, around time.Time) (*model.RemoteEvent, error) {
	events, err := c.List(ctx, calendarID, around.Add(-time.Minute), around.Add(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("find by provenance on %s: %w", calendarID, err)
	}
	for i := range events {
		if events[i].SourceEventID() == sourceEventID {
			return &events[i], nil
		}
	}
	return nil, nil //nolint:nilnil // intentional: "not found" sentinel
}

// IsNotFound reports whether err wraps [ErrNotFound].
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
