// Package google implements the provider boundary on top of the Google
// Calendar API.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"slotbook/internal/provider"
)

type Client struct {
	svc *calendar.Service
}

// NewClient builds a provider client from an access credential. The token is
// used for the lifetime of the client and never stored.
func NewClient(ctx context.Context, token *oauth2.Token) (*Client, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &Client{svc: svc}, nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	var out []provider.Calendar
	call := c.svc.CalendarList.List().Context(ctx)
	err := call.Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			out = append(out, provider.Calendar{
				ID:      item.Id,
				Summary: item.Summary,
				Primary: item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) GetCalendar(ctx context.Context, calendarID string) (provider.Calendar, error) {
	cal, err := c.svc.Calendars.Get(calendarID).Context(ctx).Do()
	if err != nil {
		return provider.Calendar{}, mapError(err)
	}
	return provider.Calendar{ID: cal.Id, Summary: cal.Summary}, nil
}

func (c *Client) ListUpcomingEvents(ctx context.Context, calendarID string) ([]provider.Event, error) {
	var out []provider.Event
	call := c.svc.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(time.Now().UTC().Format(time.RFC3339)).
		TimeZone("UTC").
		Context(ctx)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			out = append(out, fromAPIEvent(item))
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev provider.Event) (provider.Event, error) {
	apiEvent := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, email := range ev.AttendeeEmails {
		apiEvent.Attendees = append(apiEvent.Attendees, &calendar.EventAttendee{Email: email})
	}

	created, err := c.svc.Events.Insert(calendarID, apiEvent).Context(ctx).Do()
	if err != nil {
		return provider.Event{}, mapError(err)
	}
	return fromAPIEvent(created), nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// fromAPIEvent keeps only the consumed fields. All-day events carry a Date
// but no DateTime and come through with zero instants; the sync engine skips
// those.
func fromAPIEvent(item *calendar.Event) provider.Event {
	ev := provider.Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
	}
	if item.Start != nil && item.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.Start = t.UTC()
		}
	}
	if item.End != nil && item.End.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = t.UTC()
		}
	}
	for _, a := range item.Attendees {
		if a != nil && a.Email != "" {
			ev.AttendeeEmails = append(ev.AttendeeEmails, a.Email)
		}
	}
	return ev
}

func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404, 410:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case 409:
			return fmt.Errorf("%w: %v", provider.ErrAlreadyExists, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
}
