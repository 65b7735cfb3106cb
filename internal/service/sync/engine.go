// Package sync reconciles locally-owned appointments with events on linked
// external calendars. Each reconciliation run is idempotent and safe to
// repeat after partial failure; convergence, not completeness, is the goal of
// any single tick.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"slotbook/internal/domain"
	"slotbook/internal/provider"
	"slotbook/internal/service/availability"
	"slotbook/internal/store"
)

// ClientSource hands out live provider clients per connection. Implemented by
// the connection manager.
type ClientSource interface {
	Client(ctx context.Context, connectionID int64) (provider.Client, error)
}

type Engine struct {
	connections  store.ConnectionRepository
	calendars    store.CalendarRepository
	appointments store.AppointmentRepository
	contacts     store.ContactRepository
	external     store.ExternalCalendarRepository
	synced       store.SyncedEventRepository
	booking      *availability.Service
	clients      ClientSource

	callTimeout time.Duration
	retention   time.Duration
	log         *slog.Logger
	now         func() time.Time
}

type Config struct {
	// CallTimeout bounds every outbound provider call so one stalled calendar
	// cannot hold up a whole tick.
	CallTimeout time.Duration
	// Retention is how long synced-event tracking records are kept.
	Retention time.Duration
}

func NewEngine(
	connections store.ConnectionRepository,
	calendars store.CalendarRepository,
	appointments store.AppointmentRepository,
	contacts store.ContactRepository,
	external store.ExternalCalendarRepository,
	synced store.SyncedEventRepository,
	booking *availability.Service,
	clients ClientSource,
	cfg Config,
	log *slog.Logger,
) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 60 * 24 * time.Hour
	}
	return &Engine{
		connections:  connections,
		calendars:    calendars,
		appointments: appointments,
		contacts:     contacts,
		external:     external,
		synced:       synced,
		booking:      booking,
		clients:      clients,
		callTimeout:  cfg.CallTimeout,
		retention:    cfg.Retention,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileAll runs one tick: every connection is reconciled, different
// connections in parallel, then stale tracking records are purged. Failures
// stay scoped to their connection.
func (e *Engine) ReconcileAll(ctx context.Context) {
	conns, err := e.connections.List(ctx)
	if err != nil {
		e.log.Error("listing connections failed", slog.Any("err", err))
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn domain.Connection) {
			defer wg.Done()
			if err := e.Reconcile(ctx, conn); err != nil {
				e.log.Warn("reconciliation failed",
					slog.Int64("connection_id", conn.ID),
					slog.Any("err", err))
			}
		}(conn)
	}
	wg.Wait()

	purged, err := e.synced.PurgeStale(ctx, e.now().Add(-e.retention))
	if err != nil {
		e.log.Warn("tracking record cleanup failed", slog.Any("err", err))
	} else if purged > 0 {
		e.log.Info("stale tracking records purged", slog.Int64("count", purged))
	}
}

// Reconcile converges one connection's linked calendars against the
// appointment store. Calendars are processed sequentially; a failure on one
// calendar is logged and the run continues with the next. Cancellation is
// honored between calendars, never mid event list.
func (e *Engine) Reconcile(ctx context.Context, conn domain.Connection) error {
	client, err := e.clientFor(ctx, conn.ID)
	if err != nil {
		return err
	}

	cals, err := e.calendars.ListByConnection(ctx, conn.ID)
	if err != nil {
		return err
	}

	// Connection-wide dedup: a provider calendar linked from several local
	// calendars is pulled once, into the first local calendar claiming it.
	seen := make(map[string]bool)
	type pull struct {
		externalID string
		cal        domain.Calendar
	}
	var pulls []pull
	for _, cal := range cals {
		if !cal.Linked() {
			continue
		}
		for _, extID := range cal.LinkedCalendarIDs {
			if seen[extID] {
				continue
			}
			seen[extID] = true
			pulls = append(pulls, pull{externalID: extID, cal: cal})
		}
	}

	for _, p := range pulls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcileCalendar(ctx, client, p.externalID, p.cal); err != nil {
			e.log.Warn("calendar skipped this run",
				slog.Int64("connection_id", conn.ID),
				slog.Int64("calendar_id", p.cal.ID),
				slog.String("external_calendar_id", p.externalID),
				slog.Any("err", err))
		}
	}

	// Push pass: mirror unmirrored local appointments out to each calendar's
	// designated primary external calendar.
	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cal.PrimaryCalendarID == "" {
			continue
		}
		e.pushCalendar(ctx, client, cal)
	}

	return nil
}

// clientFor bounds client acquisition with the provider call timeout.
// Acquisition may trigger an outbound credential refresh, and a hung
// authorization server must not wedge the tick any more than a hung calendar
// endpoint would.
func (e *Engine) clientFor(ctx context.Context, connectionID int64) (provider.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.clients.Client(ctx, connectionID)
}

// reconcileCalendar pulls one external calendar's upcoming events and applies
// them. The whole event list is fetched before any change is applied, so a
// transport failure never leaves the calendar partially modified.
func (e *Engine) reconcileCalendar(ctx context.Context, client provider.Client, externalID string, cal domain.Calendar) error {
	probeCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	_, err := client.GetCalendar(probeCtx, externalID)
	cancel()
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	events, err := client.ListUpcomingEvents(listCtx, externalID)
	cancel()
	if err != nil {
		return err
	}

	for _, ev := range events {
		if skip, reason := uncorrelatable(ev); skip {
			e.log.Debug("event skipped",
				slog.String("event_id", ev.ID),
				slog.String("reason", reason))
			continue
		}
		if err := e.applyEvent(ctx, client, externalID, cal, ev); err != nil {
			e.log.Warn("event not applied",
				slog.Int64("calendar_id", cal.ID),
				slog.String("event_id", ev.ID),
				slog.Any("err", err))
		}
	}
	return nil
}

// uncorrelatable filters events the engine cannot turn into appointments:
// missing timestamps (all-day events) or no attendee to resolve a contact
// from. These are silently excluded, not errors.
func uncorrelatable(ev provider.Event) (bool, string) {
	if ev.Start.IsZero() || ev.End.IsZero() {
		return true, "missing start or end"
	}
	if len(ev.AttendeeEmails) == 0 {
		return true, "no attendees"
	}
	return false, ""
}

func (e *Engine) applyEvent(ctx context.Context, client provider.Client, externalID string, cal domain.Calendar, ev provider.Event) error {
	calendarID, appointmentID, encoded := domain.ParseEventID(ev.ID)
	if !encoded {
		return e.importEvent(ctx, client, externalID, cal, ev)
	}
	if calendarID != cal.ID {
		// Another calendar's mirror living on a shared external calendar;
		// its own reconciliation handles it.
		return nil
	}
	return e.updateFromEvent(ctx, cal, externalID, appointmentID, ev)
}

// importEvent materializes an externally-created event as a local pending
// appointment, then deletes the remote original so the local appointment
// becomes the sole source of truth. The remote delete happens only after the
// local create succeeded; if the create fails the event stays on the provider
// and is retried next tick.
func (e *Engine) importEvent(ctx context.Context, client provider.Client, externalID string, cal domain.Calendar, ev provider.Event) error {
	if _, err := e.synced.Get(ctx, cal.ID, ev.ID); err == nil {
		// Already materialized on an earlier run whose remote delete failed.
		e.deleteRemote(ctx, client, externalID, ev.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	contact, err := e.contacts.ResolveByEmail(ctx, ev.AttendeeEmails[0])
	if err != nil {
		return err
	}

	appt, err := e.booking.ImportExternal(ctx, availability.BookInput{
		CalendarID: cal.ID,
		ContactID:  contact.ID,
		Name:       ev.Summary,
		Notes:      ev.Description,
		StartTime:  ev.Start,
		EndTime:    ev.End,
	})
	if err != nil {
		return err
	}

	if err := e.synced.Create(ctx, domain.SyncedEvent{
		CalendarID:      cal.ID,
		ExternalEventID: ev.ID,
		AppointmentID:   appt.ID,
	}); err != nil {
		e.log.Warn("tracking record not written",
			slog.Int64("appointment_id", appt.ID),
			slog.Any("err", err))
	}

	e.deleteRemote(ctx, client, externalID, ev.ID)

	e.log.Info("external event imported",
		slog.Int64("calendar_id", cal.ID),
		slog.Int64("appointment_id", appt.ID),
		slog.String("event_id", ev.ID))
	return nil
}

func (e *Engine) deleteRemote(ctx context.Context, client provider.Client, externalID, eventID string) {
	delCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := client.DeleteEvent(delCtx, externalID, eventID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		// The import already happened; a lingering remote copy is deduped by
		// its tracking record on the next run.
		e.log.Warn("remote event delete failed",
			slog.String("event_id", eventID),
			slog.Any("err", err))
	}
}

// updateFromEvent folds externally-made edits of a mirrored event back into
// its local appointment, field by field. Time changes route through the
// reschedule operation so the overlap check re-runs; a missing appointment
// means it was deleted locally, so the tracking record is dropped and nothing
// is recreated.
func (e *Engine) updateFromEvent(ctx context.Context, cal domain.Calendar, externalID string, appointmentID int64, ev provider.Event) error {
	appt, err := e.appointments.Get(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if delErr := e.synced.Delete(ctx, cal.ID, ev.ID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
				return delErr
			}
			e.log.Info("correlation mismatch, tracking record dropped",
				slog.Int64("calendar_id", cal.ID),
				slog.Int64("appointment_id", appointmentID))
			return nil
		}
		return err
	}

	// An encoded event whose appointment carries no correlation key means a
	// push created the event but failed to record the ref. Backfill it so the
	// push pass stops retrying the create.
	if !appt.Mirrored() {
		if err := e.appointments.SetExternalRef(ctx, appt.ID, externalID, ev.ID); err != nil {
			return err
		}
		e.log.Info("external ref backfilled",
			slog.Int64("appointment_id", appt.ID),
			slog.String("event_id", ev.ID))
	}

	if appt.Notes != ev.Description {
		if err := e.appointments.UpdateNotes(ctx, appt.ID, ev.Description); err != nil {
			return err
		}
	}
	if appt.Name != ev.Summary {
		if err := e.appointments.UpdateName(ctx, appt.ID, ev.Summary); err != nil {
			return err
		}
	}

	if !appt.StartTime.Equal(ev.Start) || !appt.EndTime.Equal(ev.End) {
		_, err := e.booking.Reschedule(ctx, availability.RescheduleInput{
			AppointmentID: appt.ID,
			StartTime:     ev.Start,
			EndTime:       ev.End,
		})
		if err != nil {
			return err
		}
		e.log.Info("appointment rescheduled from provider edit",
			slog.Int64("appointment_id", appt.ID))
	}
	return nil
}

// pushCalendar mirrors local appointments that have no external correlation
// key yet onto the calendar's primary external calendar, stamping each event
// with the encoded id so future syncs correlate it.
func (e *Engine) pushCalendar(ctx context.Context, client provider.Client, cal domain.Calendar) {
	appts, err := e.appointments.ListUnmirrored(ctx, cal.ID, e.now())
	if err != nil {
		e.log.Warn("listing unmirrored appointments failed",
			slog.Int64("calendar_id", cal.ID),
			slog.Any("err", err))
		return
	}

	for _, appt := range appts {
		contact, err := e.contacts.Get(ctx, appt.ContactID)
		if err != nil {
			e.log.Warn("contact lookup failed",
				slog.Int64("appointment_id", appt.ID),
				slog.Any("err", err))
			continue
		}

		eventID := domain.EncodeEventID(cal.ID, appt.ID)
		pushCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		_, err = client.CreateEvent(pushCtx, cal.PrimaryCalendarID, provider.Event{
			ID:             eventID,
			Summary:        appt.Name,
			Description:    appt.Notes,
			Start:          appt.StartTime,
			End:            appt.EndTime,
			AttendeeEmails: []string{contact.Email},
		})
		cancel()
		if err != nil && !errors.Is(err, provider.ErrAlreadyExists) {
			e.log.Warn("event push failed",
				slog.Int64("appointment_id", appt.ID),
				slog.Any("err", err))
			continue
		}
		// An already-existing event is an earlier push whose ref was never
		// recorded; recording it now stops the create from being retried
		// forever.
		if err := e.appointments.SetExternalRef(ctx, appt.ID, cal.PrimaryCalendarID, eventID); err != nil {
			e.log.Warn("external ref not recorded",
				slog.Int64("appointment_id", appt.ID),
				slog.Any("err", err))
		}
	}
}

// RefreshCalendarLists re-fetches every connection's provider calendar list
// and replaces the stored copy. Runs on its own, slower schedule.
func (e *Engine) RefreshCalendarLists(ctx context.Context) {
	conns, err := e.connections.List(ctx)
	if err != nil {
		e.log.Error("listing connections failed", slog.Any("err", err))
		return
	}

	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := e.refreshCalendarList(ctx, conn); err != nil {
			e.log.Warn("calendar list refresh failed",
				slog.Int64("connection_id", conn.ID),
				slog.Any("err", err))
		}
	}
}

func (e *Engine) refreshCalendarList(ctx context.Context, conn domain.Connection) error {
	client, err := e.clientFor(ctx, conn.ID)
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	cals, err := client.ListCalendars(listCtx)
	if err != nil {
		return err
	}

	rows := make([]domain.ExternalCalendar, 0, len(cals))
	for _, c := range cals {
		rows = append(rows, domain.ExternalCalendar{
			ConnectionID: conn.ID,
			CalendarID:   c.ID,
			Summary:      c.Summary,
			Primary:      c.Primary,
		})
	}
	return e.external.ReplaceForConnection(ctx, conn.ID, rows)
}
