package store

import (
	"context"
	"time"

	"slotbook/internal/domain"
)

type AppointmentRepository interface {
	Get(ctx context.Context, appointmentID int64) (domain.Appointment, error)
	// ListActive returns active appointments overlapping the window, ordered
	// by start time.
	ListActive(ctx context.Context, calendarID int64, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	// ListUnmirrored returns active appointments starting after now that have
	// no external correlation key yet.
	ListUnmirrored(ctx context.Context, calendarID int64, now time.Time) ([]domain.Appointment, error)
	SetExternalRef(ctx context.Context, appointmentID int64, externalCalendarID, externalEventID string) error
	UpdateNotes(ctx context.Context, appointmentID int64, notes string) error
	UpdateName(ctx context.Context, appointmentID int64, name string) error

	// InCalendarTransaction runs fn inside a transaction holding the
	// per-calendar exclusive scope. All overlap-checked writes go through it.
	InCalendarTransaction(ctx context.Context, calendarID int64, fn func(ctx context.Context, tx CalendarTx) error) error
}

// CalendarTx is the write surface available while the per-calendar scope is
// held.
type CalendarTx interface {
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID int64) (domain.Appointment, error)
	ListActiveAppointments(ctx context.Context, calendarID int64, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}
