// Package connection owns provider account credentials. Credential material
// never leaves this package; other components only ever see a usable client
// handle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"slotbook/internal/domain"
	"slotbook/internal/provider"
	"slotbook/internal/store"
)

// ErrCredentialExpired is returned when a connection's credential is expired
// and no refresh capability exists.
var ErrCredentialExpired = errors.New("credential expired")

// ErrCredentialRefreshFailed is returned when a refresh attempt against the
// authorization server fails.
var ErrCredentialRefreshFailed = errors.New("credential refresh failed")

// Refresher exchanges an expired credential for a fresh one. The production
// implementation wraps an oauth2.Config; tests substitute a fake.
type Refresher interface {
	Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// ClientFactory builds a provider client from a live credential.
type ClientFactory interface {
	NewClient(ctx context.Context, token *oauth2.Token) (provider.Client, error)
}

type ClientFactoryFunc func(ctx context.Context, token *oauth2.Token) (provider.Client, error)

func (f ClientFactoryFunc) NewClient(ctx context.Context, token *oauth2.Token) (provider.Client, error) {
	return f(ctx, token)
}

// OAuthRefresher refreshes tokens through an oauth2.Config's token source.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r *OAuthRefresher) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return r.Config.TokenSource(ctx, token).Token()
}

type Manager struct {
	conns     store.ConnectionRepository
	refresher Refresher
	factory   ClientFactory
	group     singleflight.Group
	log       *slog.Logger
}

func NewManager(conns store.ConnectionRepository, refresher Refresher, factory ClientFactory, log *slog.Logger) *Manager {
	return &Manager{
		conns:     conns,
		refresher: refresher,
		factory:   factory,
		log:       log,
	}
}

// Client returns a usable provider client for the connection, transparently
// refreshing an expired credential first. Concurrent callers hitting the same
// expired connection share one refresh.
func (m *Manager) Client(ctx context.Context, connectionID int64) (provider.Client, error) {
	conn, err := m.conns.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	token := conn.OAuthToken()
	if !token.Valid() {
		token, err = m.refresh(ctx, conn)
		if err != nil {
			return nil, err
		}
	}

	return m.factory.NewClient(ctx, token)
}

func (m *Manager) refresh(ctx context.Context, conn domain.Connection) (*oauth2.Token, error) {
	if !conn.CanRefresh() {
		return nil, fmt.Errorf("connection %d: %w", conn.ID, ErrCredentialExpired)
	}

	v, err, _ := m.group.Do(strconv.FormatInt(conn.ID, 10), func() (any, error) {
		// Re-read inside the flight: a concurrent caller may have already
		// persisted a fresh credential.
		current, err := m.conns.Get(ctx, conn.ID)
		if err != nil {
			return nil, err
		}
		if tok := current.OAuthToken(); tok.Valid() {
			return tok, nil
		}

		fresh, err := m.refresher.Refresh(ctx, current.OAuthToken())
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w: %v", conn.ID, ErrCredentialRefreshFailed, err)
		}

		current.SetOAuthToken(fresh)
		if err := m.conns.UpdateCredential(ctx, current); err != nil {
			return nil, err
		}

		m.log.Info("credential refreshed", slog.Int64("connection_id", conn.ID))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}
