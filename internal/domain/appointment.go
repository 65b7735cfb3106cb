package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending     AppointmentStatus = "pending"
	AppointmentStatusConfirmed   AppointmentStatus = "confirmed"
	AppointmentStatusRescheduled AppointmentStatus = "rescheduled"
	AppointmentStatusCancelled   AppointmentStatus = "cancelled"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID         int64             `bun:"id,pk,autoincrement"`
	CalendarID int64             `bun:"calendar_id,notnull"`
	ContactID  uuid.UUID         `bun:"contact_id,type:uuid,notnull"`
	Name       string            `bun:"name,notnull"`
	Notes      string            `bun:"notes"`
	Status     AppointmentStatus `bun:"status,notnull"`
	StartTime  time.Time         `bun:"start_time,notnull"`
	EndTime    time.Time         `bun:"end_time,notnull"`

	// External correlation key; both empty until the appointment has been
	// mirrored to the provider.
	ExternalCalendarID string `bun:"external_calendar_id"`
	ExternalEventID    string `bun:"external_event_id"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Active reports whether the appointment still blocks its interval.
func (a *Appointment) Active() bool {
	switch a.Status {
	case AppointmentStatusPending, AppointmentStatusConfirmed, AppointmentStatusRescheduled:
		return true
	}
	return false
}

// Mirrored reports whether the appointment is correlated to a provider event.
func (a *Appointment) Mirrored() bool {
	return a.ExternalEventID != ""
}

type Contact struct {
	bun.BaseModel `bun:"table:contacts"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Email     string    `bun:"email,notnull,unique"`
	Name      string    `bun:"name"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (c *Contact) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if c.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			c.ID = id
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		c.UpdatedAt = now
	}
	return nil
}
