// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/b2fs/b2fs/lib/clock"
)

// AuthFunc exchanges account credentials for a fresh session. The
// concrete implementation performs the remote authorization call; the
// Manager never talks to the network itself.
type AuthFunc func(ctx context.Context, creds Credentials) (Session, error)

// refreshFailureCooldown bounds how often a failing authorization
// endpoint is retried. A mount under load turns one expired session
// into a burst of per-request refresh attempts; within the cooldown
// they all receive the first attempt's error.
const refreshFailureCooldown = 5 * time.Second

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Credentials is the account credential pair used for every
	// authentication exchange. Required and must validate.
	Credentials Credentials

	// Authenticate performs the authorization call. Required.
	Authenticate AuthFunc

	// Store persists sessions across mounts. Optional; without it the
	// Manager authenticates fresh on every start.
	Store *Store

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager is the process-wide session authority. It hands out the
// current Session, consults the Store once at first use, deduplicates
// concurrent authentication attempts, and replaces sessions the remote
// has rejected.
//
// Safe for concurrent use by multiple goroutines.
type Manager struct {
	creds        Credentials
	authenticate AuthFunc
	store        *Store
	clock        clock.Clock
	logger       *slog.Logger

	group singleflight.Group

	mu            sync.RWMutex
	current       Session
	haveSession   bool
	triedStore    bool
	lastFailure   error
	lastFailureAt time.Time
}

// NewManager creates a Manager. Returns an error if the credentials do
// not validate or no AuthFunc is supplied.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	if opts.Authenticate == nil {
		return nil, fmt.Errorf("session: Authenticate is required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		creds:        opts.Credentials,
		authenticate: opts.Authenticate,
		store:        opts.Store,
		clock:        clk,
		logger:       logger,
	}, nil
}

// Current returns the active session, establishing one if necessary:
// first from the Store (once), then by authenticating. Concurrent
// callers racing on an absent session share a single authentication
// attempt and receive the same outcome.
//
// The shared attempt runs under the context of whichever caller
// entered first; joiners that have their own deadlines still return
// when that attempt completes.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	m.mu.RLock()
	if m.haveSession {
		current := m.current
		m.mu.RUnlock()
		return current, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.group.Do("session", func() (any, error) {
		return m.establish(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return result.(Session), nil
}

// Refresh discards a session the remote has rejected and returns a
// replacement. If the stale session has already been replaced by
// another caller, the existing replacement is returned without a new
// authentication exchange.
func (m *Manager) Refresh(ctx context.Context, stale Session) (Session, error) {
	m.mu.Lock()
	if m.haveSession && m.current.Token != stale.Token {
		current := m.current
		m.mu.Unlock()
		return current, nil
	}
	if m.haveSession {
		m.logger.Info("session rejected by remote, re-authenticating")
		m.haveSession = false
		m.current = Session{}
	}
	m.mu.Unlock()

	return m.Current(ctx)
}

// establish acquires a session while holding the singleflight slot:
// re-check under the lock, then the Store (first time only), then the
// authorization endpoint.
func (m *Manager) establish(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.haveSession {
		current := m.current
		m.mu.Unlock()
		return current, nil
	}

	if !m.triedStore && m.store != nil {
		m.triedStore = true
		if cached, ok := m.store.Load(); ok {
			m.current = cached
			m.haveSession = true
			m.mu.Unlock()
			m.logger.Info("restored session from cache file",
				"path", m.store.Path(),
			)
			return cached, nil
		}
	}
	m.triedStore = true

	// Failure cooldown: within the window, repeat callers get the
	// original error instead of another remote round-trip.
	if m.lastFailure != nil && m.clock.Now().Sub(m.lastFailureAt) < refreshFailureCooldown {
		failure := m.lastFailure
		m.mu.Unlock()
		return Session{}, failure
	}
	m.mu.Unlock()

	fresh, err := m.authenticate(ctx, m.creds)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastFailure = err
		m.lastFailureAt = m.clock.Now()
		return Session{}, err
	}
	if !fresh.Valid() {
		err := fmt.Errorf("session: authenticator returned an incomplete session")
		m.lastFailure = err
		m.lastFailureAt = m.clock.Now()
		return Session{}, err
	}

	m.current = fresh
	m.haveSession = true
	m.lastFailure = nil
	if m.store != nil {
		m.store.Save(fresh)
	}
	m.logger.Info("authenticated",
		"api_url", fresh.APIURL,
		"download_url", fresh.DownloadURL,
	)
	return fresh, nil
}
