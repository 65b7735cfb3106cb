package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"slotbook/internal/domain"
	"slotbook/internal/provider"
	"slotbook/internal/service/availability"
	"slotbook/internal/store"
)

// --- in-memory fakes ---

type memStore struct {
	mu sync.Mutex

	conns     map[int64]domain.Connection
	calendars map[int64]domain.Calendar
	appts     map[int64]domain.Appointment
	nextAppt  int64
	contacts  map[string]domain.Contact
	tracked   map[[2]string]domain.SyncedEvent
	extCals   map[int64][]domain.ExternalCalendar
}

func newMemStore() *memStore {
	return &memStore{
		conns:     make(map[int64]domain.Connection),
		calendars: make(map[int64]domain.Calendar),
		appts:     make(map[int64]domain.Appointment),
		nextAppt:  1,
		contacts:  make(map[string]domain.Contact),
		tracked:   make(map[[2]string]domain.SyncedEvent),
		extCals:   make(map[int64][]domain.ExternalCalendar),
	}
}

func trackKey(calendarID int64, eventID string) [2]string {
	return [2]string{strconv.FormatInt(calendarID, 10), eventID}
}

// connections

func (m *memStore) Get(ctx context.Context, id int64) (domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return domain.Connection{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) List(ctx context.Context) ([]domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Connection
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) UpdateCredential(ctx context.Context, conn domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
	return nil
}

// calendars

type memCalendars struct{ s *memStore }

func (r memCalendars) Get(ctx context.Context, id int64) (domain.Calendar, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.calendars[id]
	if !ok {
		return domain.Calendar{}, store.ErrNotFound
	}
	return c, nil
}

func (r memCalendars) List(ctx context.Context) ([]domain.Calendar, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Calendar
	for _, c := range r.s.calendars {
		out = append(out, c)
	}
	return out, nil
}

func (r memCalendars) ListByConnection(ctx context.Context, connectionID int64) ([]domain.Calendar, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Calendar
	for _, c := range r.s.calendars {
		if c.ConnectionID == connectionID {
			out = append(out, c)
		}
	}
	return out, nil
}

// appointments

type memAppointments struct{ s *memStore }

func (r memAppointments) Get(ctx context.Context, id int64) (domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (r memAppointments) ListActive(ctx context.Context, calendarID int64, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.listActiveLocked(calendarID, windowStart, windowEnd), nil
}

func (r memAppointments) listActiveLocked(calendarID int64, windowStart, windowEnd time.Time) []domain.Appointment {
	var out []domain.Appointment
	for _, a := range r.s.appts {
		if a.CalendarID == calendarID && a.Active() && a.StartTime.Before(windowEnd) && a.EndTime.After(windowStart) {
			out = append(out, a)
		}
	}
	return out
}

func (r memAppointments) ListUnmirrored(ctx context.Context, calendarID int64, now time.Time) ([]domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Appointment
	for _, a := range r.s.appts {
		if a.CalendarID == calendarID && a.Active() && !a.Mirrored() && a.StartTime.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r memAppointments) SetExternalRef(ctx context.Context, id int64, externalCalendarID, externalEventID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.ExternalCalendarID = externalCalendarID
	a.ExternalEventID = externalEventID
	r.s.appts[id] = a
	return nil
}

func (r memAppointments) UpdateNotes(ctx context.Context, id int64, notes string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Notes = notes
	r.s.appts[id] = a
	return nil
}

func (r memAppointments) UpdateName(ctx context.Context, id int64, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Name = name
	r.s.appts[id] = a
	return nil
}

func (r memAppointments) InCalendarTransaction(ctx context.Context, calendarID int64, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return fn(ctx, memTx{r: r})
}

type memTx struct{ r memAppointments }

func (t memTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	appt.ID = t.r.s.nextAppt
	t.r.s.nextAppt++
	t.r.s.appts[appt.ID] = appt
	return appt, nil
}

func (t memTx) GetAppointment(ctx context.Context, id int64) (domain.Appointment, error) {
	a, ok := t.r.s.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t memTx) ListActiveAppointments(ctx context.Context, calendarID int64, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return t.r.listActiveLocked(calendarID, windowStart, windowEnd), nil
}

func (t memTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if _, ok := t.r.s.appts[appt.ID]; !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	t.r.s.appts[appt.ID] = appt
	return appt, nil
}

// contacts

type memContacts struct{ s *memStore }

func (r memContacts) GetByEmail(ctx context.Context, email string) (domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[email]
	if !ok {
		return domain.Contact{}, store.ErrNotFound
	}
	return c, nil
}

func (r memContacts) ResolveByEmail(ctx context.Context, email string) (domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.contacts[email]; ok {
		return c, nil
	}
	c := domain.Contact{ID: uuid.New(), Email: email}
	r.s.contacts[email] = c
	return c, nil
}

func (r memContacts) Get(ctx context.Context, id uuid.UUID) (domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Contact{}, store.ErrNotFound
}

// synced events

type memSynced struct{ s *memStore }

func (r memSynced) Get(ctx context.Context, calendarID int64, eventID string) (domain.SyncedEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.tracked[trackKey(calendarID, eventID)]
	if !ok {
		return domain.SyncedEvent{}, store.ErrNotFound
	}
	return rec, nil
}

func (r memSynced) Create(ctx context.Context, rec domain.SyncedEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.s.tracked[trackKey(rec.CalendarID, rec.ExternalEventID)] = rec
	return nil
}

func (r memSynced) Delete(ctx context.Context, calendarID int64, eventID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := trackKey(calendarID, eventID)
	if _, ok := r.s.tracked[key]; !ok {
		return store.ErrNotFound
	}
	delete(r.s.tracked, key)
	return nil
}

func (r memSynced) PurgeStale(ctx context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var purged int64
	for key, rec := range r.s.tracked {
		_, apptExists := r.s.appts[rec.AppointmentID]
		if rec.CreatedAt.Before(cutoff) || !apptExists {
			delete(r.s.tracked, key)
			purged++
		}
	}
	return purged, nil
}

// external calendars

type memExternal struct{ s *memStore }

func (r memExternal) ListByConnection(ctx context.Context, connectionID int64) ([]domain.ExternalCalendar, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.extCals[connectionID], nil
}

func (r memExternal) ReplaceForConnection(ctx context.Context, connectionID int64, cals []domain.ExternalCalendar) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.extCals[connectionID] = cals
	return nil
}

// fake provider client

type fakeProvider struct {
	mu        sync.Mutex
	calendars map[string][]provider.Event
	calsList  []provider.Calendar
	listErr   map[string]error
	created   []provider.Event
	deleted   []string
	deleteErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calendars: make(map[string][]provider.Event),
		listErr:   make(map[string]error),
	}
}

func (f *fakeProvider) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calsList, nil
}

func (f *fakeProvider) GetCalendar(ctx context.Context, calendarID string) (provider.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[calendarID]; err != nil {
		return provider.Calendar{}, err
	}
	if _, ok := f.calendars[calendarID]; !ok {
		return provider.Calendar{}, provider.ErrNotFound
	}
	return provider.Calendar{ID: calendarID}, nil
}

func (f *fakeProvider) ListUpcomingEvents(ctx context.Context, calendarID string) ([]provider.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[calendarID]; err != nil {
		return nil, err
	}
	return f.calendars[calendarID], nil
}

func (f *fakeProvider) CreateEvent(ctx context.Context, calendarID string, ev provider.Event) (provider.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.calendars[calendarID] {
		if existing.ID == ev.ID {
			return provider.Event{}, provider.ErrAlreadyExists
		}
	}
	f.created = append(f.created, ev)
	f.calendars[calendarID] = append(f.calendars[calendarID], ev)
	return ev, nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	evs := f.calendars[calendarID]
	for i, ev := range evs {
		if ev.ID == eventID {
			f.calendars[calendarID] = append(evs[:i:i], evs[i+1:]...)
			break
		}
	}
	return nil
}

type staticSource struct {
	client provider.Client
	err    error
}

func (s staticSource) Client(ctx context.Context, connectionID int64) (provider.Client, error) {
	return s.client, s.err
}

// blockingSource stalls until the caller's context gives up, like a client
// acquisition stuck behind a hung credential refresh.
type blockingSource struct{}

func (blockingSource) Client(ctx context.Context, connectionID int64) (provider.Client, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// --- fixtures ---

func syncCalendar() domain.Calendar {
	return domain.Calendar{
		ID:       1,
		OwnerID:  "o1",
		Name:     "consults",
		Timezone: "UTC",
		Rules: []domain.HoursRule{
			{Weekday: time.Monday, Start: "09:00", End: "17:00"},
		},
		SlotMinutes:       30,
		MaxHorizonCount:   6,
		MaxHorizonUnit:    domain.PeriodUnitMonths,
		MinLeadUnit:       domain.PeriodUnitDays,
		ConnectionID:      7,
		LinkedCalendarIDs: []string{"primary@example.com"},
		PrimaryCalendarID: "primary@example.com",
	}
}

func newTestEngine(t *testing.T, fp *fakeProvider) (*Engine, *memStore) {
	t.Helper()
	s := newMemStore()
	s.conns[7] = domain.Connection{ID: 7, AccountEmail: "acct@example.com"}
	s.calendars[1] = syncCalendar()

	booking := availability.NewService(memCalendars{s: s}, memAppointments{s: s})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := NewEngine(
		s, memCalendars{s: s}, memAppointments{s: s}, memContacts{s: s},
		memExternal{s: s}, memSynced{s: s}, booking, staticSource{client: fp},
		Config{CallTimeout: time.Second, Retention: 30 * 24 * time.Hour}, log,
	)
	return eng, s
}

func eventAt(id, summary string, start time.Time, attendees ...string) provider.Event {
	return provider.Event{
		ID:             id,
		Summary:        summary,
		Start:          start,
		End:            start.Add(30 * time.Minute),
		AttendeeEmails: attendees,
	}
}

// A Monday morning far enough out that the engine's clock-relative push pass
// still sees it as upcoming.
var mondayMorning = time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)

func TestReconcile_ImportsExternalEventAndDeletesRemote(t *testing.T) {
	fp := newFakeProvider()
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt("abc123", "Coffee chat", mondayMorning, "a@x.com"),
	}
	eng, s := newTestEngine(t, fp)

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if len(s.appts) != 1 {
		t.Fatalf("appointments = %d, want 1", len(s.appts))
	}
	var appt domain.Appointment
	for _, a := range s.appts {
		appt = a
	}
	if appt.Status != domain.AppointmentStatusPending {
		t.Fatalf("status = %s, want pending", appt.Status)
	}
	if appt.Name != "Coffee chat" || !appt.StartTime.Equal(mondayMorning) {
		t.Fatalf("appointment fields wrong: %+v", appt)
	}
	if _, ok := s.contacts["a@x.com"]; !ok {
		t.Fatalf("contact not resolved from attendee email")
	}
	if len(fp.deleted) != 1 || fp.deleted[0] != "abc123" {
		t.Fatalf("deleted = %v, want [abc123]", fp.deleted)
	}
	if len(s.tracked) != 1 {
		t.Fatalf("tracking records = %d, want 1", len(s.tracked))
	}
}

func TestReconcile_FailedImportLeavesRemoteEvent(t *testing.T) {
	fp := newFakeProvider()
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt("abc123", "Coffee chat", mondayMorning, "a@x.com"),
	}
	eng, s := newTestEngine(t, fp)

	// Occupy the interval so the import's overlap check fails.
	s.appts[99] = domain.Appointment{
		ID: 99, CalendarID: 1, Status: domain.AppointmentStatusConfirmed,
		StartTime: mondayMorning, EndTime: mondayMorning.Add(30 * time.Minute),
	}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if len(fp.deleted) != 0 {
		t.Fatalf("remote delete issued despite failed local create: %v", fp.deleted)
	}
	if len(s.appts) != 1 {
		t.Fatalf("appointments = %d, want only the pre-existing one", len(s.appts))
	}
}

func TestReconcile_RoundTripIsNoOp(t *testing.T) {
	fp := newFakeProvider()
	fp.calendars["primary@example.com"] = nil
	eng, s := newTestEngine(t, fp)

	contact, _ := memContacts{s: s}.ResolveByEmail(context.Background(), "b@x.com")
	s.appts[1] = domain.Appointment{
		ID: 1, CalendarID: 1, ContactID: contact.ID, Name: "Review",
		Status:    domain.AppointmentStatusConfirmed,
		StartTime: mondayMorning, EndTime: mondayMorning.Add(30 * time.Minute),
	}
	s.nextAppt = 2

	// First run pushes the appointment out with its encoded id.
	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(fp.created) != 1 {
		t.Fatalf("created = %d, want 1", len(fp.created))
	}
	wantID := domain.EncodeEventID(1, 1)
	if fp.created[0].ID != wantID {
		t.Fatalf("pushed id = %q, want %q", fp.created[0].ID, wantID)
	}

	before := s.appts[1]

	// Second run fetches the mirrored event back and must change nothing.
	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(s.appts) != 1 {
		t.Fatalf("duplicate appointment created on round-trip: %d", len(s.appts))
	}
	after := s.appts[1]
	if after.Status != before.Status || !after.StartTime.Equal(before.StartTime) || after.Name != before.Name {
		t.Fatalf("appointment changed on no-op reconcile: before=%+v after=%+v", before, after)
	}
	if len(fp.created) != 1 {
		t.Fatalf("appointment re-pushed: %d creates", len(fp.created))
	}
}

func TestReconcile_RemoteTimeChangeReschedules(t *testing.T) {
	fp := newFakeProvider()
	eng, s := newTestEngine(t, fp)

	s.appts[3] = domain.Appointment{
		ID: 3, CalendarID: 1, Name: "Review",
		Status:             domain.AppointmentStatusConfirmed,
		StartTime:          mondayMorning,
		EndTime:            mondayMorning.Add(30 * time.Minute),
		ExternalCalendarID: "primary@example.com",
		ExternalEventID:    domain.EncodeEventID(1, 3),
	}
	s.nextAppt = 4

	moved := mondayMorning.Add(2 * time.Hour)
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt(domain.EncodeEventID(1, 3), "Review", moved, "b@x.com"),
	}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	got := s.appts[3]
	if !got.StartTime.Equal(moved) {
		t.Fatalf("start = %v, want %v", got.StartTime, moved)
	}
	if got.Status != domain.AppointmentStatusRescheduled {
		t.Fatalf("status = %s, want rescheduled", got.Status)
	}
}

func TestReconcile_RemoteDescriptionChangeUpdatesNotesOnly(t *testing.T) {
	fp := newFakeProvider()
	eng, s := newTestEngine(t, fp)

	s.appts[3] = domain.Appointment{
		ID: 3, CalendarID: 1, Name: "Review", Notes: "old",
		Status:             domain.AppointmentStatusConfirmed,
		StartTime:          mondayMorning,
		EndTime:            mondayMorning.Add(30 * time.Minute),
		ExternalCalendarID: "primary@example.com",
		ExternalEventID:    domain.EncodeEventID(1, 3),
	}
	s.nextAppt = 4

	ev := eventAt(domain.EncodeEventID(1, 3), "Review", mondayMorning, "b@x.com")
	ev.Description = "bring the numbers"
	fp.calendars["primary@example.com"] = []provider.Event{ev}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	got := s.appts[3]
	if got.Notes != "bring the numbers" {
		t.Fatalf("notes = %q, want updated description", got.Notes)
	}
	if got.Status != domain.AppointmentStatusConfirmed {
		t.Fatalf("status = %s, want unchanged confirmed", got.Status)
	}
}

func TestReconcile_CorrelationMismatchDropsTrackingRecord(t *testing.T) {
	fp := newFakeProvider()
	eng, s := newTestEngine(t, fp)

	ghost := domain.EncodeEventID(1, 55)
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt(ghost, "Ghost", mondayMorning, "b@x.com"),
	}
	s.tracked[trackKey(1, ghost)] = domain.SyncedEvent{
		CalendarID: 1, ExternalEventID: ghost, AppointmentID: 55, CreatedAt: time.Now().UTC(),
	}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if len(s.appts) != 0 {
		t.Fatalf("appointment recreated for dead correlation")
	}
	if len(s.tracked) != 0 {
		t.Fatalf("stale tracking record kept")
	}
}

func TestReconcile_SkipsUncorrelatableEvents(t *testing.T) {
	fp := newFakeProvider()
	noAttendee := eventAt("e1", "solo", mondayMorning)
	allDay := provider.Event{ID: "e2", Summary: "holiday", AttendeeEmails: []string{"a@x.com"}}
	fp.calendars["primary@example.com"] = []provider.Event{noAttendee, allDay}
	eng, s := newTestEngine(t, fp)

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(s.appts) != 0 {
		t.Fatalf("uncorrelatable events imported: %d", len(s.appts))
	}
	if len(fp.deleted) != 0 {
		t.Fatalf("uncorrelatable events deleted remotely: %v", fp.deleted)
	}
}

func TestReconcile_ProviderFailureSkipsCalendarNotRun(t *testing.T) {
	fp := newFakeProvider()
	fp.calendars["down@example.com"] = nil
	fp.listErr["down@example.com"] = provider.ErrUnavailable
	fp.calendars["up@example.com"] = []provider.Event{
		eventAt("abc123", "Coffee", mondayMorning, "a@x.com"),
	}

	eng, s := newTestEngine(t, fp)
	cal := s.calendars[1]
	cal.LinkedCalendarIDs = []string{"down@example.com", "up@example.com"}
	cal.PrimaryCalendarID = ""
	s.calendars[1] = cal

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(s.appts) != 1 {
		t.Fatalf("healthy calendar not processed after sibling failure")
	}
}

func TestReconcileAll_PurgesStaleTrackingRecords(t *testing.T) {
	fp := newFakeProvider()
	fp.calendars["primary@example.com"] = nil
	eng, s := newTestEngine(t, fp)

	s.tracked[trackKey(1, "old")] = domain.SyncedEvent{
		CalendarID: 1, ExternalEventID: "old", AppointmentID: 999,
		CreatedAt: time.Now().UTC().Add(-90 * 24 * time.Hour),
	}

	eng.ReconcileAll(context.Background())

	if len(s.tracked) != 0 {
		t.Fatalf("stale tracking record survived cleanup")
	}
}

func TestRefreshCalendarLists_ReplacesStoredList(t *testing.T) {
	fp := newFakeProvider()
	fp.calsList = []provider.Calendar{
		{ID: "primary@example.com", Summary: "Main", Primary: true},
		{ID: "team@example.com", Summary: "Team"},
	}
	eng, s := newTestEngine(t, fp)

	eng.RefreshCalendarLists(context.Background())

	got := s.extCals[7]
	if len(got) != 2 {
		t.Fatalf("external calendars = %d, want 2", len(got))
	}
	if got[0].CalendarID != "primary@example.com" || !got[0].Primary {
		t.Fatalf("first calendar wrong: %+v", got[0])
	}
}

func TestReconcile_StalledClientAcquisitionBounded(t *testing.T) {
	eng, s := newTestEngine(t, newFakeProvider())
	eng.clients = blockingSource{}
	eng.callTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- eng.Reconcile(context.Background(), s.conns[7])
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("error = %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Reconcile still blocked well past the call timeout")
	}
}

func TestReconcile_BackfillsMissingExternalRef(t *testing.T) {
	fp := newFakeProvider()
	eng, s := newTestEngine(t, fp)

	contact, _ := memContacts{s: s}.ResolveByEmail(context.Background(), "b@x.com")
	s.appts[4] = domain.Appointment{
		ID: 4, CalendarID: 1, ContactID: contact.ID, Name: "Review",
		Status:    domain.AppointmentStatusConfirmed,
		StartTime: mondayMorning, EndTime: mondayMorning.Add(30 * time.Minute),
	}
	s.nextAppt = 5

	// The mirrored event exists remotely but the appointment lost its ref.
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt(domain.EncodeEventID(1, 4), "Review", mondayMorning, "b@x.com"),
	}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	got := s.appts[4]
	if got.ExternalEventID != domain.EncodeEventID(1, 4) {
		t.Fatalf("external event id = %q, want backfilled ref", got.ExternalEventID)
	}
	if got.ExternalCalendarID != "primary@example.com" {
		t.Fatalf("external calendar id = %q, want primary@example.com", got.ExternalCalendarID)
	}
	if len(fp.created) != 0 {
		t.Fatalf("push re-created the event after backfill: %d creates", len(fp.created))
	}
	if len(s.appts) != 1 {
		t.Fatalf("appointments = %d, want 1", len(s.appts))
	}
}

func TestReconcile_PushOntoExistingEventRecordsRef(t *testing.T) {
	fp := newFakeProvider()
	eng, s := newTestEngine(t, fp)

	// Push-only calendar: the primary external calendar is not pulled, so the
	// backfill path can never run for it.
	cal := s.calendars[1]
	cal.LinkedCalendarIDs = nil
	s.calendars[1] = cal

	contact, _ := memContacts{s: s}.ResolveByEmail(context.Background(), "b@x.com")
	s.appts[4] = domain.Appointment{
		ID: 4, CalendarID: 1, ContactID: contact.ID, Name: "Review",
		Status:    domain.AppointmentStatusConfirmed,
		StartTime: mondayMorning, EndTime: mondayMorning.Add(30 * time.Minute),
	}
	s.nextAppt = 5

	// The event from the earlier push is already there.
	fp.calendars["primary@example.com"] = []provider.Event{
		eventAt(domain.EncodeEventID(1, 4), "Review", mondayMorning, "b@x.com"),
	}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	got := s.appts[4]
	if got.ExternalEventID != domain.EncodeEventID(1, 4) {
		t.Fatalf("external event id = %q, want ref recorded on duplicate push", got.ExternalEventID)
	}
	if len(fp.created) != 0 {
		t.Fatalf("duplicate event created: %d", len(fp.created))
	}

	// The next tick has nothing left to push.
	if err := eng.Reconcile(context.Background(), s.conns[7]); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(fp.created) != 0 {
		t.Fatalf("ref not durable, push retried: %d creates", len(fp.created))
	}
}

func TestReconcile_ClientFailureReported(t *testing.T) {
	eng, s := newTestEngine(t, newFakeProvider())
	eng.clients = staticSource{err: errors.New("credential expired")}

	if err := eng.Reconcile(context.Background(), s.conns[7]); err == nil {
		t.Fatalf("expected error when no client available")
	}
}
