// Package provider defines the boundary to external calendar providers. Only
// the fields the sync engine consumes are modelled; the wire format stays on
// the provider side.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport-level failures talking to the provider. The
// affected calendar is skipped for the current run and retried on the next
// tick.
var ErrUnavailable = errors.New("calendar provider unavailable")

// ErrNotFound reports a calendar or event missing on the provider side.
var ErrNotFound = errors.New("not found on provider")

// ErrAlreadyExists reports a create with a client-supplied event id that the
// provider already holds. An earlier push got the event through but lost the
// acknowledgement.
var ErrAlreadyExists = errors.New("event already exists on provider")

type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	// AttendeeEmails holds attendee addresses in provider order; the sync
	// engine correlates contacts via the first one.
	AttendeeEmails []string
}

type Calendar struct {
	ID      string
	Summary string
	Primary bool
}

type Client interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	GetCalendar(ctx context.Context, calendarID string) (Calendar, error)
	// ListUpcomingEvents returns future events ordered by start time, with
	// recurring events expanded to single instances.
	ListUpcomingEvents(ctx context.Context, calendarID string) ([]Event, error)
	CreateEvent(ctx context.Context, calendarID string, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}
