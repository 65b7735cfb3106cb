package store

import (
	"context"

	"github.com/google/uuid"

	"slotbook/internal/domain"
)

type CalendarRepository interface {
	Get(ctx context.Context, calendarID int64) (domain.Calendar, error)
	List(ctx context.Context) ([]domain.Calendar, error)
	ListByConnection(ctx context.Context, connectionID int64) ([]domain.Calendar, error)
}

type ContactRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.Contact, error)
	// ResolveByEmail returns the contact for email, creating it if none
	// exists yet.
	ResolveByEmail(ctx context.Context, email string) (domain.Contact, error)
	Get(ctx context.Context, contactID uuid.UUID) (domain.Contact, error)
}
