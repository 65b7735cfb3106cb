package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

type ConnectionRepo struct {
	db *bun.DB
}

func NewConnectionRepo(db *bun.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

func (r *ConnectionRepo) Get(ctx context.Context, connectionID int64) (domain.Connection, error) {
	var conn domain.Connection
	err := r.db.NewSelect().
		Model(&conn).
		Where("id = ?", connectionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Connection{}, store.ErrNotFound
		}
		return domain.Connection{}, err
	}
	return conn, nil
}

func (r *ConnectionRepo) List(ctx context.Context) ([]domain.Connection, error) {
	var rows []domain.Connection
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ConnectionRepo) UpdateCredential(ctx context.Context, conn domain.Connection) error {
	m := conn
	res, err := r.db.NewUpdate().
		Model(&m).
		Column("access_token", "refresh_token", "token_type", "token_expiry", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type ExternalCalendarRepo struct {
	db *bun.DB
}

func NewExternalCalendarRepo(db *bun.DB) *ExternalCalendarRepo {
	return &ExternalCalendarRepo{db: db}
}

func (r *ExternalCalendarRepo) ListByConnection(ctx context.Context, connectionID int64) ([]domain.ExternalCalendar, error) {
	var rows []domain.ExternalCalendar
	err := r.db.NewSelect().
		Model(&rows).
		Where("connection_id = ?", connectionID).
		OrderExpr("calendar_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ExternalCalendarRepo) ReplaceForConnection(ctx context.Context, connectionID int64, cals []domain.ExternalCalendar) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*domain.ExternalCalendar)(nil)).
			Where("connection_id = ?", connectionID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(cals) == 0 {
			return nil
		}
		rows := make([]domain.ExternalCalendar, len(cals))
		copy(rows, cals)
		for i := range rows {
			rows[i].ID = 0
			rows[i].ConnectionID = connectionID
		}
		_, err = tx.NewInsert().
			Model(&rows).
			Exec(ctx)
		return err
	})
}

type SyncedEventRepo struct {
	db *bun.DB
}

func NewSyncedEventRepo(db *bun.DB) *SyncedEventRepo {
	return &SyncedEventRepo{db: db}
}

func (r *SyncedEventRepo) Get(ctx context.Context, calendarID int64, externalEventID string) (domain.SyncedEvent, error) {
	var rec domain.SyncedEvent
	err := r.db.NewSelect().
		Model(&rec).
		Where("calendar_id = ?", calendarID).
		Where("external_event_id = ?", externalEventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SyncedEvent{}, store.ErrNotFound
		}
		return domain.SyncedEvent{}, err
	}
	return rec, nil
}

func (r *SyncedEventRepo) Create(ctx context.Context, rec domain.SyncedEvent) error {
	m := rec
	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (calendar_id, external_event_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (r *SyncedEventRepo) Delete(ctx context.Context, calendarID int64, externalEventID string) error {
	_, err := r.db.NewDelete().
		Model((*domain.SyncedEvent)(nil)).
		Where("calendar_id = ?", calendarID).
		Where("external_event_id = ?", externalEventID).
		Exec(ctx)
	return err
}

func (r *SyncedEventRepo) PurgeStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*domain.SyncedEvent)(nil)).
		Where("created_at < ? OR appointment_id NOT IN (SELECT id FROM appointments)", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
