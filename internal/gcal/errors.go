package gcal

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrNotFound is returned when the remote event no longer exists. Callers
// deleting an event treat it as success: the desired end state already holds.
var ErrNotFound = errors.New("remote event not found")

// SecurityViolationError is returned when a write targets a calendar outside
// the configured allow-list. It is never retried.
type SecurityViolationError struct {
	CalendarID string
	Operation  string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("refusing %s on calendar %s: not in the write allow-list", e.Operation, e.CalendarID)
}

// IsTransient reports whether err is worth retrying: rate limiting or a
// server-side failure. Everything else (bad request, forbidden, not found)
// fails the same way on every attempt.
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
		return true
	}
	for _, e := range apiErr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// isGone reports whether err is the remote service saying the event does not
// exist (404) or existed once and is gone (410).
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
}
