package availability

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

// ConfigurationError reports invalid calendar scheduling rules. It is
// surfaced to the calendar owner and never silently worked around.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string {
	return e.msg
}

func configurationError(err error) error {
	return &ConfigurationError{msg: err.Error()}
}

// ErrSlotUnavailable is returned when a requested interval lost the race to a
// concurrent booking or falls outside the bookable window. Callers should
// re-query availability.
var ErrSlotUnavailable = errors.New("slot no longer available")

// Slot is one bookable interval, instants in the calendar's timezone.
type Slot struct {
	Start time.Time
	End   time.Time
}

// ComputeSlots returns the bookable slots on the given date, walking each
// business-hours interval in slot-duration steps and discarding candidates
// whose blocked window overlaps an active appointment. The date is
// interpreted in the calendar's timezone. Pure: identical inputs give
// identical output.
func ComputeSlots(cal domain.Calendar, existing []domain.Appointment, now, date time.Time) ([]Slot, error) {
	if err := cal.Validate(); err != nil {
		return nil, configurationError(err)
	}

	loc, err := cal.Location()
	if err != nil {
		return nil, configurationError(err)
	}

	year, month, day := date.In(loc).Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	// A date outside the booking window is a normal empty result, not an
	// error.
	earliest, latest := cal.BookingWindow(now)
	if !dayEnd.After(earliest) || dayStart.After(latest) {
		return nil, nil
	}

	duration := cal.SlotDuration()
	weekday := dayStart.Weekday()

	var slots []Slot
	for _, rule := range cal.Rules {
		if rule.Weekday != weekday {
			continue
		}
		open, close, err := rule.RuleBounds(year, month, day, loc)
		if err != nil {
			return nil, configurationError(err)
		}
		for t := open; !t.Add(duration).After(close); t = t.Add(duration) {
			if t.Before(earliest) || t.After(latest) {
				continue
			}
			if blocked(cal, t, t.Add(duration), existing, 0) {
				continue
			}
			slots = append(slots, Slot{Start: t, End: t.Add(duration)})
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

// blocked reports whether the candidate interval's blocked window overlaps
// any active appointment on the calendar. The candidate window carries the
// configured buffer; with the busy flag set, existing appointments consume
// their surrounding buffer as well. excludeID skips one appointment, used by
// reschedule to ignore the appointment being moved.
func blocked(cal domain.Calendar, start, end time.Time, existing []domain.Appointment, excludeID int64) bool {
	buffer := cal.Buffer()
	candStart := start.Add(-buffer)
	candEnd := end.Add(buffer)

	apptPad := time.Duration(0)
	if cal.BusySlot {
		apptPad = buffer
	}

	for i := range existing {
		a := &existing[i]
		if !a.Active() {
			continue
		}
		if excludeID != 0 && a.ID == excludeID {
			continue
		}
		as := a.StartTime.Add(-apptPad)
		ae := a.EndTime.Add(apptPad)
		if candStart.Before(ae) && candEnd.After(as) {
			return true
		}
	}
	return false
}

type Service struct {
	calendars    store.CalendarRepository
	appointments store.AppointmentRepository
	now          func() time.Time
}

func NewService(calendars store.CalendarRepository, appointments store.AppointmentRepository) *Service {
	return &Service{
		calendars:    calendars,
		appointments: appointments,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Slots returns the bookable slots for a calendar on the given date.
func (s *Service) Slots(ctx context.Context, calendarID int64, date time.Time) ([]Slot, error) {
	cal, err := s.calendars.Get(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	loc, err := cal.Location()
	if err != nil {
		return nil, configurationError(err)
	}

	year, month, day := date.In(loc).Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, loc)
	windowStart := dayStart.Add(-24 * time.Hour)
	windowEnd := dayStart.Add(48 * time.Hour)

	existing, err := s.appointments.ListActive(ctx, calendarID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	return ComputeSlots(cal, existing, s.now(), date)
}

type BookInput struct {
	CalendarID int64
	ContactID  uuid.UUID
	Name       string
	Notes      string
	StartTime  time.Time
	EndTime    time.Time
}

// TryBook creates an appointment for the requested interval, re-running the
// overlap check against the current appointment store under the per-calendar
// exclusive scope. This recheck closes the race between slot listing and
// booking: of two concurrent bookings for overlapping intervals, at most one
// succeeds.
func (s *Service) TryBook(ctx context.Context, in BookInput) (domain.Appointment, error) {
	cal, appt, err := s.prepare(ctx, in)
	if err != nil {
		return domain.Appointment{}, err
	}

	earliest, latest := cal.BookingWindow(s.now())
	if appt.StartTime.Before(earliest) || appt.StartTime.After(latest) {
		return domain.Appointment{}, ErrSlotUnavailable
	}

	return s.createChecked(ctx, cal, appt)
}

// ImportExternal creates an appointment from an externally-originated event.
// The overlap check still applies; the booking-horizon limits do not, since
// the event already exists on the provider side.
func (s *Service) ImportExternal(ctx context.Context, in BookInput) (domain.Appointment, error) {
	cal, appt, err := s.prepare(ctx, in)
	if err != nil {
		return domain.Appointment{}, err
	}
	return s.createChecked(ctx, cal, appt)
}

func (s *Service) prepare(ctx context.Context, in BookInput) (domain.Calendar, domain.Appointment, error) {
	cal, err := s.calendars.Get(ctx, in.CalendarID)
	if err != nil {
		return domain.Calendar{}, domain.Appointment{}, err
	}
	if err := cal.Validate(); err != nil {
		return domain.Calendar{}, domain.Appointment{}, configurationError(err)
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if !end.After(start) {
		return domain.Calendar{}, domain.Appointment{}, &ConfigurationError{msg: "end time must be after start time"}
	}

	appt := domain.Appointment{
		CalendarID: in.CalendarID,
		ContactID:  in.ContactID,
		Name:       strings.TrimSpace(in.Name),
		Notes:      in.Notes,
		Status:     domain.AppointmentStatusPending,
		StartTime:  start,
		EndTime:    end,
	}
	return cal, appt, nil
}

func (s *Service) createChecked(ctx context.Context, cal domain.Calendar, appt domain.Appointment) (domain.Appointment, error) {
	var out domain.Appointment
	err := s.appointments.InCalendarTransaction(ctx, cal.ID, func(ctx context.Context, tx store.CalendarTx) error {
		existing, err := s.listContending(ctx, tx, cal, appt.StartTime, appt.EndTime)
		if err != nil {
			return err
		}
		if blocked(cal, appt.StartTime, appt.EndTime, existing, 0) {
			return ErrSlotUnavailable
		}
		created, err := tx.CreateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Appointment{}, ErrSlotUnavailable
		}
		return domain.Appointment{}, err
	}
	return out, nil
}

type RescheduleInput struct {
	AppointmentID int64
	StartTime     time.Time
	EndTime       time.Time
}

// Reschedule moves an appointment to a new interval, re-validating the
// overlap check under the same per-calendar scope as bookings. A sync-driven
// reschedule racing a live booking therefore cannot produce overlapping
// intervals.
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (domain.Appointment, error) {
	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if !end.After(start) {
		return domain.Appointment{}, &ConfigurationError{msg: "end time must be after start time"}
	}

	appt, err := s.appointments.Get(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	cal, err := s.calendars.Get(ctx, appt.CalendarID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := cal.Validate(); err != nil {
		return domain.Appointment{}, configurationError(err)
	}

	var out domain.Appointment
	err = s.appointments.InCalendarTransaction(ctx, cal.ID, func(ctx context.Context, tx store.CalendarTx) error {
		current, err := tx.GetAppointment(ctx, in.AppointmentID)
		if err != nil {
			return err
		}
		existing, err := s.listContending(ctx, tx, cal, start, end)
		if err != nil {
			return err
		}
		if blocked(cal, start, end, existing, current.ID) {
			return ErrSlotUnavailable
		}
		current.StartTime = start
		current.EndTime = end
		current.Status = domain.AppointmentStatusRescheduled
		updated, err := tx.UpdateAppointment(ctx, current)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Appointment{}, ErrSlotUnavailable
		}
		return domain.Appointment{}, err
	}
	return out, nil
}

// Cancel releases an appointment's interval. Cancelled appointments no
// longer block new bookings.
func (s *Service) Cancel(ctx context.Context, appointmentID int64) (domain.Appointment, error) {
	appt, err := s.appointments.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err = s.appointments.InCalendarTransaction(ctx, appt.CalendarID, func(ctx context.Context, tx store.CalendarTx) error {
		current, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		current.Status = domain.AppointmentStatusCancelled
		updated, err := tx.UpdateAppointment(ctx, current)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

// listContending widens the query window by the worst-case padding so every
// appointment whose blocked window could touch [start, end) is considered.
func (s *Service) listContending(ctx context.Context, tx store.CalendarTx, cal domain.Calendar, start, end time.Time) ([]domain.Appointment, error) {
	pad := 2 * cal.Buffer()
	return tx.ListActiveAppointments(ctx, cal.ID, start.Add(-pad), end.Add(pad))
}
