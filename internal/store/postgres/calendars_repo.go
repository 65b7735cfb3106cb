package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

type CalendarRepo struct {
	db *bun.DB
}

func NewCalendarRepo(db *bun.DB) *CalendarRepo {
	return &CalendarRepo{db: db}
}

func (r *CalendarRepo) Get(ctx context.Context, calendarID int64) (domain.Calendar, error) {
	var cal domain.Calendar
	err := r.db.NewSelect().
		Model(&cal).
		Where("id = ?", calendarID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Calendar{}, store.ErrNotFound
		}
		return domain.Calendar{}, err
	}
	return cal, nil
}

func (r *CalendarRepo) List(ctx context.Context) ([]domain.Calendar, error) {
	var rows []domain.Calendar
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CalendarRepo) ListByConnection(ctx context.Context, connectionID int64) ([]domain.Calendar, error) {
	var rows []domain.Calendar
	err := r.db.NewSelect().
		Model(&rows).
		Where("connection_id = ?", connectionID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type ContactRepo struct {
	db *bun.DB
}

func NewContactRepo(db *bun.DB) *ContactRepo {
	return &ContactRepo{db: db}
}

func (r *ContactRepo) GetByEmail(ctx context.Context, email string) (domain.Contact, error) {
	var c domain.Contact
	err := r.db.NewSelect().
		Model(&c).
		Where("email = ?", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contact{}, store.ErrNotFound
		}
		return domain.Contact{}, err
	}
	return c, nil
}

func (r *ContactRepo) ResolveByEmail(ctx context.Context, email string) (domain.Contact, error) {
	c := domain.Contact{Email: email}
	_, err := r.db.NewInsert().
		Model(&c).
		On("CONFLICT (email) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.Contact{}, err
	}
	// The insert reports nothing useful when the row already existed, so
	// always read back by email.
	return r.GetByEmail(ctx, email)
}

func (r *ContactRepo) Get(ctx context.Context, contactID uuid.UUID) (domain.Contact, error) {
	var c domain.Contact
	err := r.db.NewSelect().
		Model(&c).
		Where("id = ?", contactID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contact{}, store.ErrNotFound
		}
		return domain.Contact{}, err
	}
	return c, nil
}
