package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/sessionkit/internal/config"
	"github.com/dmitrijs2005/sessionkit/internal/credstore"
	"github.com/dmitrijs2005/sessionkit/internal/logging"
	"github.com/dmitrijs2005/sessionkit/internal/profile"

	_ "modernc.org/sqlite"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func testConfig() *config.Config {
	return &config.Config{
		APIOrigin:        "http://127.0.0.1:8000",
		DatabaseDSN:      ":memory:",
		StartupGrace:     200 * time.Millisecond,
		WatchdogMaxSleep: time.Hour,
	}
}

func setupStore(t *testing.T) *credstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE credentials (
  name  TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`)
	require.NoError(t, err)
	return credstore.NewStore(db, testLogger())
}

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	resp  *profile.User
	err   error
	block chan struct{} // when non-nil, Fetch waits for it to close
}

func (f *fakeFetcher) Fetch(ctx context.Context, tok string) (*profile.User, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	resp, err := f.resp, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("no profile configured")
	}
	u := *resp
	return &u, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePusher struct {
	mu     sync.Mutex
	tokens []string
	closed bool
}

func (p *fakePusher) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
}

func (p *fakePusher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePusher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func newManager(t *testing.T, store *credstore.Store, fetcher profile.Fetcher, pusher Pusher) *Manager {
	t.Helper()
	m := New(testConfig(), store, fetcher, pusher, testLogger())
	t.Cleanup(m.Close)
	return m
}

func TestStart_InvalidStoredCredentialEvicted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.Set(ctx, credstore.KeyAccessToken, "not.a.token")

	m := newManager(t, store, &fakeFetcher{}, nil)
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return m.Snapshot().Token == ""
	}, waitFor, tick)
	require.Equal(t, "", store.AccessToken(ctx))
}

func TestPersistence_RoundTripAcrossRestart(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	u := &profile.User{ID: 42, Username: "alice", Email: "a@example.com", IsBanned: false}

	m1 := newManager(t, store, &fakeFetcher{}, nil)
	m1.Start(ctx)
	m1.UpdateUser(u)

	require.Eventually(t, func() bool {
		saved, ok := store.Profile(ctx)
		return ok && saved.ID == 42
	}, waitFor, tick)
	m1.Close()

	// simulated reload: a fresh manager over the same store
	m2 := newManager(t, store, &fakeFetcher{}, nil)
	m2.Start(ctx)

	require.Eventually(t, func() bool {
		s := m2.Snapshot()
		return s.User != nil && *s.User == *u
	}, waitFor, tick)
}

func TestUpdateUserFunc_IsNotPersisted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	m := newManager(t, store, &fakeFetcher{}, nil)
	m.Start(ctx)

	m.UpdateUserFunc(func(prev *profile.User) *profile.User {
		return &profile.User{ID: 99}
	})

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User != nil && s.User.ID == 99
	}, waitFor, tick)

	_, ok := store.Profile(ctx)
	require.False(t, ok, "transform results must not be written through")
}

func TestApplyDelta_OverlaysPreviousProfile(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	m := newManager(t, store, &fakeFetcher{}, nil)
	m.Start(ctx)

	m.UpdateUser(&profile.User{ID: 7, Username: "a", Email: "e@x", IsBanned: false})
	require.Eventually(t, func() bool {
		return m.Snapshot().User != nil
	}, waitFor, tick)

	// a delta resending only the id must not wipe the other fields
	m.ApplyDelta(json.RawMessage(`{"id":7}`))

	time.Sleep(50 * time.Millisecond)
	s := m.Snapshot()
	require.NotNil(t, s.User)
	require.Equal(t, "a", s.User.Username)
	require.Equal(t, "e@x", s.User.Email)

	m.ApplyDelta(json.RawMessage(`{"is_banned":true}`))
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User != nil && s.User.IsBanned
	}, waitFor, tick)
	s = m.Snapshot()
	require.Equal(t, "a", s.User.Username)

	// merged results are persisted write-through
	saved, ok := store.Profile(ctx)
	require.True(t, ok)
	require.Equal(t, "a", saved.Username)
	require.True(t, saved.IsBanned)
}

func TestApplyDelta_NoPreviousUserAdoptsPayload(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	m := newManager(t, store, &fakeFetcher{}, nil)
	m.Start(ctx)

	m.ApplyDelta(json.RawMessage(`{"id":7,"username":"a","is_banned":false}`))

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User != nil && s.User.ID == 7 && s.User.Username == "a"
	}, waitFor, tick)
}

func TestApplyDelta_MalformedDeltaIsDiscarded(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	m := newManager(t, store, &fakeFetcher{}, nil)
	m.Start(ctx)

	m.UpdateUser(&profile.User{ID: 7, Username: "a"})
	require.Eventually(t, func() bool {
		return m.Snapshot().User != nil
	}, waitFor, tick)

	m.ApplyDelta(json.RawMessage(`{"username":`))

	time.Sleep(50 * time.Millisecond)
	s := m.Snapshot()
	require.NotNil(t, s.User)
	require.Equal(t, "a", s.User.Username)
}

func TestFetchGating_ExactlyOneFetchPerToken(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.Set(ctx, credstore.KeyAccessToken, signedToken(t, time.Hour))

	block := make(chan struct{})
	fetcher := &fakeFetcher{resp: &profile.User{ID: 1}, block: block}

	m := newManager(t, store, fetcher, nil)
	m.Start(ctx)

	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, waitFor, tick)

	// a literal update while the fetch is in flight must not trigger another
	m.UpdateUser(&profile.User{ID: 2})
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User != nil && s.User.ID == 2
	}, waitFor, tick)
	require.Equal(t, 1, fetcher.callCount())

	close(block)
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User != nil && s.User.ID == 1 && !s.Loading
	}, waitFor, tick)
	require.Equal(t, 1, fetcher.callCount())
}

func TestFetch_AuthFailureEvictsCredentials(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.SaveCredentials(ctx, signedToken(t, time.Hour), time.Now().Add(24*time.Hour))

	fetcher := &fakeFetcher{err: fmt.Errorf("status 401: %w", profile.ErrUnauthorized)}
	pusher := &fakePusher{}

	m := newManager(t, store, fetcher, pusher)
	m.Start(ctx)

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Token == "" && s.User == nil && !s.Loading
	}, waitFor, tick)

	require.Equal(t, "", store.AccessToken(ctx))
	_, ok := store.RefreshExpiry(ctx)
	require.False(t, ok)

	// the channel was explicitly told to drop its connection
	require.Eventually(t, func() bool {
		seen := pusher.seen()
		return len(seen) >= 2 && seen[len(seen)-1] == ""
	}, waitFor, tick)
}

func TestFetch_TransientFailureKeepsCredential(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tok := signedToken(t, time.Hour)
	store.Set(ctx, credstore.KeyAccessToken, tok)

	fetcher := &fakeFetcher{err: errors.New("connection refused")}

	m := newManager(t, store, fetcher, nil)
	m.Start(ctx)

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return fetcher.callCount() == 1 && !s.Loading
	}, waitFor, tick)

	s := m.Snapshot()
	require.Equal(t, tok, s.Token)
	require.Nil(t, s.User)
	require.Equal(t, tok, store.AccessToken(ctx))

	// no automatic retry is scheduled for transient failures
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, fetcher.callCount())
}

func TestLogoutSignal_IsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	fetcher := &fakeFetcher{resp: &profile.User{ID: 5}}
	m := newManager(t, store, fetcher, nil)
	m.Start(ctx)

	m.Login(ctx, signedToken(t, time.Hour), time.Now().Add(24*time.Hour))
	require.Eventually(t, func() bool {
		return m.Snapshot().User != nil
	}, waitFor, tick)

	m.Bus().Publish(SignalLoggedOut)
	m.Bus().Publish(SignalLoggedOut)

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.User == nil && s.Token == "" && !s.Loading
	}, waitFor, tick)

	// firing again after the state is already cleared changes nothing
	m.Bus().Publish(SignalLoggedOut)
	time.Sleep(50 * time.Millisecond)
	s := m.Snapshot()
	require.Nil(t, s.User)
	require.Equal(t, "", s.Token)
}

func TestLogin_AdoptsTokenAndRetargetsChannel(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	tok := signedToken(t, time.Hour)
	fetcher := &fakeFetcher{resp: &profile.User{ID: 7, Username: "a"}}
	pusher := &fakePusher{}

	m := newManager(t, store, fetcher, pusher)
	m.Start(ctx)

	m.Login(ctx, tok, time.Now().Add(24*time.Hour))

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Token == tok && s.User != nil && s.User.ID == 7
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		for _, seen := range pusher.seen() {
			if seen == tok {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestStartupGrace_ClearsLoadingWithoutFetchSettling(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.Set(ctx, credstore.KeyAccessToken, signedToken(t, time.Hour))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	fetcher := &fakeFetcher{resp: &profile.User{ID: 1}, block: block}

	m := newManager(t, store, fetcher, nil)
	m.Start(ctx)

	require.Eventually(t, func() bool { return m.Snapshot().Loading }, waitFor, tick)

	// fetch never settles, but the grace timer clears the flag
	require.Eventually(t, func() bool { return !m.Snapshot().Loading }, waitFor, tick)
}

func TestWatchdog_ForcesLogoutAtRefreshExpiry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.WatchdogMaxSleep = 300 * time.Millisecond // force at least one reschedule

	fetcher := &fakeFetcher{resp: &profile.User{ID: 1}}
	m := New(cfg, store, fetcher, nil, testLogger())
	t.Cleanup(m.Close)

	sigs, cancel := m.Bus().Subscribe()
	t.Cleanup(cancel)

	m.Start(ctx)
	m.Login(ctx, signedToken(t, time.Hour), time.Now().Add(1*time.Second))

	start := time.Now()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sig := <-sigs:
			if sig != SignalLoggedOut {
				continue
			}
			elapsed := time.Since(start)
			require.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "watchdog fired before the deadline")
			require.Less(t, elapsed, 4*time.Second, "watchdog fired too late")

			require.Eventually(t, func() bool {
				s := m.Snapshot()
				return s.User == nil && s.Token == ""
			}, waitFor, tick)
			return
		case <-deadline:
			t.Fatal("watchdog never forced a logout")
		}
	}
}

func TestWatchdog_AlreadyElapsedExpiryLogsOutImmediately(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.SaveCredentials(ctx, signedToken(t, time.Hour), time.Now().Add(-time.Minute))

	fetcher := &fakeFetcher{resp: &profile.User{ID: 1}}
	m := newManager(t, store, fetcher, nil)
	m.Start(ctx)

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Token == "" && s.User == nil
	}, waitFor, tick)
}

func TestClose_ClosesChannel(t *testing.T) {
	store := setupStore(t)
	pusher := &fakePusher{}

	m := newManager(t, store, &fakeFetcher{}, pusher)
	m.Start(context.Background())
	m.Close()

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.True(t, pusher.closed)
}
