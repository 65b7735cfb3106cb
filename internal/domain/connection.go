package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"golang.org/x/oauth2"
)

// Connection is one linked provider account. The credential columns are owned
// by the connection manager; nothing else reads or logs them.
type Connection struct {
	bun.BaseModel `bun:"table:connections"`

	ID           int64  `bun:"id,pk,autoincrement"`
	AccountEmail string `bun:"account_email,notnull"`

	AccessToken  string    `bun:"access_token,notnull"`
	RefreshToken string    `bun:"refresh_token"`
	TokenType    string    `bun:"token_type"`
	TokenExpiry  time.Time `bun:"token_expiry"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (c *Connection) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
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

// CanRefresh reports whether an expired credential can be renewed.
func (c *Connection) CanRefresh() bool {
	return c.RefreshToken != ""
}

func (c *Connection) OAuthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.TokenExpiry,
	}
}

func (c *Connection) SetOAuthToken(tok *oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.TokenType = tok.TokenType
	c.TokenExpiry = tok.Expiry
}

// ExternalCalendar is one calendar known to exist on a connection's provider
// account, refreshed periodically from the provider's calendar list.
type ExternalCalendar struct {
	bun.BaseModel `bun:"table:external_calendars"`

	ID           int64  `bun:"id,pk,autoincrement"`
	ConnectionID int64  `bun:"connection_id,notnull"`
	CalendarID   string `bun:"calendar_id,notnull"`
	Summary      string `bun:"summary"`
	Primary      bool   `bun:"is_primary,notnull,default:false"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (c *ExternalCalendar) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
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

// SyncedEvent remembers that a provider event was already materialized as a
// local appointment, so the next reconciliation does not import it twice.
type SyncedEvent struct {
	bun.BaseModel `bun:"table:synced_events"`

	CalendarID      int64  `bun:"calendar_id,pk"`
	ExternalEventID string `bun:"external_event_id,pk"`
	AppointmentID   int64  `bun:"appointment_id,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (e *SyncedEvent) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok && e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}
