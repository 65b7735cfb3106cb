package store

import (
	"context"
	"time"

	"slotbook/internal/domain"
)

type ConnectionRepository interface {
	Get(ctx context.Context, connectionID int64) (domain.Connection, error)
	List(ctx context.Context) ([]domain.Connection, error)
	// UpdateCredential persists a refreshed credential for the connection.
	UpdateCredential(ctx context.Context, conn domain.Connection) error
}

type ExternalCalendarRepository interface {
	ListByConnection(ctx context.Context, connectionID int64) ([]domain.ExternalCalendar, error)
	// ReplaceForConnection swaps the connection's known calendar list for the
	// freshly fetched one.
	ReplaceForConnection(ctx context.Context, connectionID int64, cals []domain.ExternalCalendar) error
}

type SyncedEventRepository interface {
	Get(ctx context.Context, calendarID int64, externalEventID string) (domain.SyncedEvent, error)
	Create(ctx context.Context, rec domain.SyncedEvent) error
	Delete(ctx context.Context, calendarID int64, externalEventID string) error
	// PurgeStale removes records older than cutoff and records whose local
	// appointment no longer exists.
	PurgeStale(ctx context.Context, cutoff time.Time) (int64, error)
}
