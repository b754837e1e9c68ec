// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/b2fs/b2fs/lib/clock"
)

var managerEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// countingAuth is an AuthFunc that counts invocations and mints a
// distinct session per call.
type countingAuth struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (a *countingAuth) authenticate(ctx context.Context, creds Credentials) (Session, error) {
	n := a.calls.Add(1)
	if a.fail.Load() {
		return Session{}, errors.New("authorization endpoint unreachable")
	}
	return Session{
		Token:       fmt.Sprintf("token-%d", n),
		APIURL:      "https://api001.example.com",
		DownloadURL: "https://f001.example.com",
	}, nil
}

func newTestManager(t *testing.T, auth *countingAuth, store *Store, clk clock.Clock) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		Credentials:  Credentials{AccountID: "abc123", AppKey: "verysecret"},
		Authenticate: auth.authenticate,
		Store:        store,
		Clock:        clk,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestManagerCurrentAuthenticatesOnce(t *testing.T) {
	auth := &countingAuth{}
	manager := newTestManager(t, auth, nil, nil)

	const callers = 8
	var wait sync.WaitGroup
	start := make(chan struct{})
	sessions := make([]Session, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wait.Add(1)
		go func(slot int) {
			defer wait.Done()
			<-start
			sessions[slot], errs[slot] = manager.Current(context.Background())
		}(i)
	}
	close(start)
	wait.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got %+v, caller 0 got %+v", i, sessions[i], sessions[0])
		}
	}
	if got := auth.calls.Load(); got != 1 {
		t.Fatalf("authentications = %d, want 1", got)
	}
}

func TestManagerCurrentUsesStore(t *testing.T) {
	store := NewStoreAt(t.TempDir(), testLogger())
	cached := validSession()
	store.Save(cached)

	auth := &countingAuth{}
	manager := newTestManager(t, auth, store, nil)

	got, err := manager.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != cached {
		t.Fatalf("Current = %+v, want cached %+v", got, cached)
	}
	if calls := auth.calls.Load(); calls != 0 {
		t.Fatalf("authentications = %d, want 0 when cache file holds a session", calls)
	}
}

func TestManagerSavesToStore(t *testing.T) {
	store := NewStoreAt(t.TempDir(), testLogger())
	auth := &countingAuth{}
	manager := newTestManager(t, auth, store, nil)

	established, err := manager.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	persisted, ok := store.Load()
	if !ok {
		t.Fatal("session was not persisted to the store")
	}
	if persisted != established {
		t.Fatalf("persisted %+v, want %+v", persisted, established)
	}
}

func TestManagerRefreshReplacesStale(t *testing.T) {
	auth := &countingAuth{}
	manager := newTestManager(t, auth, nil, nil)

	first, err := manager.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	second, err := manager.Refresh(context.Background(), first)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.Token == first.Token {
		t.Fatalf("Refresh returned the stale session %q", second.Token)
	}
	if got := auth.calls.Load(); got != 2 {
		t.Fatalf("authentications = %d, want 2", got)
	}
}

func TestManagerRefreshSkipsWhenAlreadyReplaced(t *testing.T) {
	auth := &countingAuth{}
	manager := newTestManager(t, auth, nil, nil)

	first, _ := manager.Current(context.Background())
	second, err := manager.Refresh(context.Background(), first)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A laggard still holding the first session asks for a refresh
	// after the replacement already happened.
	third, err := manager.Refresh(context.Background(), first)
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if third != second {
		t.Fatalf("laggard Refresh = %+v, want existing replacement %+v", third, second)
	}
	if got := auth.calls.Load(); got != 2 {
		t.Fatalf("authentications = %d, want 2 (no third exchange)", got)
	}
}

func TestManagerStaleStoredSessionNotResurrected(t *testing.T) {
	store := NewStoreAt(t.TempDir(), testLogger())
	stale := validSession()
	// The stored token must differ from whatever countingAuth mints,
	// or the freshly authenticated session compares equal to the stale
	// one and the resurrection check below cannot distinguish them.
	stale.Token = "stored-token"
	store.Save(stale)

	auth := &countingAuth{}
	manager := newTestManager(t, auth, store, nil)

	got, err := manager.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != stale {
		t.Fatalf("Current = %+v, want stored %+v", got, stale)
	}

	// The remote rejects the stored session: Refresh must
	// authenticate, not re-read the cache file.
	replacement, err := manager.Refresh(context.Background(), stale)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if replacement == stale {
		t.Fatal("Refresh resurrected the rejected session from the cache file")
	}
	if calls := auth.calls.Load(); calls != 1 {
		t.Fatalf("authentications = %d, want 1", calls)
	}
}

func TestManagerFailureCooldown(t *testing.T) {
	fakeClock := clock.Fake(managerEpoch)
	auth := &countingAuth{}
	auth.fail.Store(true)
	manager := newTestManager(t, auth, nil, fakeClock)

	if _, err := manager.Current(context.Background()); err == nil {
		t.Fatal("expected error from failing authenticator")
	}
	if _, err := manager.Current(context.Background()); err == nil {
		t.Fatal("expected cached failure within cooldown")
	}
	if got := auth.calls.Load(); got != 1 {
		t.Fatalf("authentications = %d, want 1 inside the cooldown window", got)
	}

	fakeClock.Advance(refreshFailureCooldown + time.Second)
	auth.fail.Store(false)

	if _, err := manager.Current(context.Background()); err != nil {
		t.Fatalf("Current after cooldown: %v", err)
	}
	if got := auth.calls.Load(); got != 2 {
		t.Fatalf("authentications = %d, want 2 after the cooldown expired", got)
	}
}

func TestManagerRejectsIncompleteSession(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		Credentials: Credentials{AccountID: "abc123", AppKey: "verysecret"},
		Authenticate: func(ctx context.Context, creds Credentials) (Session, error) {
			return Session{Token: "token-only"}, nil
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.Current(context.Background()); err == nil {
		t.Fatal("expected error for incomplete session from authenticator")
	}
}

func TestNewManagerValidatesInputs(t *testing.T) {
	authenticate := func(ctx context.Context, creds Credentials) (Session, error) {
		return validSession(), nil
	}

	if _, err := NewManager(ManagerOptions{Authenticate: authenticate}); err == nil {
		t.Fatal("expected error for empty credentials")
	}
	if _, err := NewManager(ManagerOptions{
		Credentials: Credentials{AccountID: "abc123", AppKey: "verysecret"},
	}); err == nil {
		t.Fatal("expected error for missing AuthFunc")
	}
}
