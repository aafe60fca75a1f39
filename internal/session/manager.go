package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/sessionkit/internal/config"
	"github.com/dmitrijs2005/sessionkit/internal/credstore"
	"github.com/dmitrijs2005/sessionkit/internal/logging"
	"github.com/dmitrijs2005/sessionkit/internal/profile"
	"github.com/dmitrijs2005/sessionkit/internal/token"
)

// Manager owns the session record and orchestrates everything around it:
// initialization from the credential store, the reactive profile fetch, the
// refresh-expiry watchdog, push-channel retargeting, and login/logout signal
// handling.
//
// All reactions run on a single internal goroutine, so mutations of the
// session record are serialized. External completions (fetch results, timer
// fires, bus signals) are posted back onto that goroutine. Within one
// token-change reaction the fetch rule, the watchdog reschedule, and the
// channel retarget all observe the new token, but their relative order is
// unspecified.
type Manager struct {
	cfg     *config.Config
	store   *credstore.Store
	fetcher profile.Fetcher
	channel Pusher
	bus     *Bus
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reactions chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	state Session

	// loop-owned, touched only by reactions (and by Close after the loop exits)
	fetchToken  string
	watchdog    *time.Timer
	grace       *time.Timer
	unsubscribe func()
}

// New builds a Manager. channel may be nil when no push channel is wired.
func New(cfg *config.Config, store *credstore.Store, fetcher profile.Fetcher, channel Pusher, log logging.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		channel:   channel,
		bus:       NewBus(),
		log:       log.With("component", "session", "scope", uuid.NewString()),
		reactions: make(chan func(), 64),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Bus exposes the signal bus so collaborators outside the manager can publish
// and subscribe to login/logout notifications.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Start initializes the session from durable state and begins reacting.
//
// A cached profile is adopted best-effort (corrupt snapshots are evicted by
// the store). A stored credential that fails validation is evicted
// immediately and treated as absent. The startup grace timer guarantees the
// loading flag clears even if no fetch ever settles.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if u, ok := m.store.Profile(m.ctx); ok {
		m.setState(func(s *Session) { s.User = u })
	}

	tok := m.store.AccessToken(m.ctx)
	if tok != "" && !token.IsValid(tok) {
		m.log.Warn(m.ctx, "stored credential is invalid, evicting")
		m.store.Remove(m.ctx, credstore.KeyAccessToken)
		tok = ""
	}
	m.setState(func(s *Session) {
		s.Token = tok
		s.Loading = true
	})

	sigs, cancelSub := m.bus.Subscribe()
	m.unsubscribe = cancelSub
	go m.forwardSignals(sigs)
	go m.loop()

	m.grace = time.AfterFunc(m.cfg.StartupGrace, func() {
		m.post(func() {
			if m.state.Loading {
				m.log.Warn(m.ctx, "startup grace elapsed with loading still set")
				m.setLoading(false)
			}
		})
	})

	m.post(m.onTokenChanged)
}

// Close tears the manager down: the reaction loop, the subscription, both
// timers, any in-flight fetch, and the push channel. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.grace != nil {
			m.grace.Stop()
		}
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.done)
		if m.cancel == nil {
			// never started
			return
		}
		m.cancel()
		<-m.loopDone

		// the loop has exited, loop-owned fields are safe to touch
		if m.watchdog != nil {
			m.watchdog.Stop()
			m.watchdog = nil
		}
		if m.channel != nil {
			m.channel.Close()
		}
	})
}

// Snapshot returns a copy of the current session record. The contained user,
// if any, is cloned so callers never alias the owned state.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// UpdateUser replaces the session user with a literal value and persists it
// write-through (a nil literal removes the stored snapshot).
func (m *Manager) UpdateUser(u *profile.User) {
	m.post(func() { m.setUser(u, true) })
}

// UpdateUserFunc replaces the session user with the result of fn applied to a
// copy of the previous value. Transform results are not persisted; a later
// literal update is responsible for that.
func (m *Manager) UpdateUserFunc(fn func(prev *profile.User) *profile.User) {
	m.post(func() {
		var prev *profile.User
		if m.state.User != nil {
			u := *m.state.User
			prev = &u
		}
		m.setUser(fn(prev), false)
	})
}

// ApplyDelta overlays a pushed profile delta onto the previous user value and
// persists the merged result. Fields absent from raw keep their previous
// values; a malformed delta is logged and discarded.
func (m *Manager) ApplyDelta(raw json.RawMessage) {
	m.post(func() {
		var prev profile.User
		if m.state.User != nil {
			prev = *m.state.User
		}
		next, err := prev.Merge(raw)
		if err != nil {
			m.log.Warn(m.ctx, "discarding malformed profile delta", "err", err)
			return
		}
		m.setUser(&next, true)
	})
}

// Login persists a fresh credential and refresh expiry, then publishes the
// logged-in signal. This is the producer side of the signal protocol; the
// manager itself reacts to the signal like any other subscriber.
func (m *Manager) Login(ctx context.Context, tok string, refreshExpiry time.Time) {
	m.store.SaveCredentials(ctx, tok, refreshExpiry)
	m.bus.Publish(SignalLoggedIn)
}

// Logout wipes stored credentials and publishes the logged-out signal.
func (m *Manager) Logout(ctx context.Context) {
	m.store.ClearAll(ctx)
	m.bus.Publish(SignalLoggedOut)
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.reactions:
			fn()
		case <-m.done:
			return
		}
	}
}

// post schedules fn onto the reaction loop. After Close it is a no-op.
func (m *Manager) post(fn func()) {
	select {
	case m.reactions <- fn:
	case <-m.done:
	}
}

func (m *Manager) forwardSignals(ch <-chan Signal) {
	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.post(func() { m.onSignal(sig) })
		case <-m.done:
			return
		}
	}
}

func (m *Manager) setState(mutate func(*Session)) {
	m.mu.Lock()
	mutate(&m.state)
	m.mu.Unlock()
}

func (m *Manager) setLoading(v bool) {
	m.setState(func(s *Session) { s.Loading = v })
}

func (m *Manager) setUser(u *profile.User, persist bool) {
	m.setState(func(s *Session) { s.User = u })
	if persist {
		m.store.SaveProfile(m.ctx, u)
	}
	m.maybeFetch()
}

// onTokenChanged runs the three token-driven reactions: fetch gating,
// watchdog reschedule, channel retarget.
func (m *Manager) onTokenChanged() {
	m.maybeFetch()
	m.rescheduleWatchdog()
	if m.channel != nil {
		m.channel.SetToken(m.state.Token)
	}
}

// maybeFetch issues a profile fetch when the token is present, no user is
// loaded, and no fetch is already outstanding for this token value.
func (m *Manager) maybeFetch() {
	tok := m.state.Token
	if tok == "" || m.state.User != nil {
		m.setLoading(false)
		return
	}
	if m.fetchToken == tok {
		return
	}
	m.fetchToken = tok
	m.setLoading(true)

	go func() {
		u, err := m.fetcher.Fetch(m.ctx, tok)
		m.post(func() { m.onFetchSettled(tok, u, err) })
	}()
}

func (m *Manager) onFetchSettled(tok string, u *profile.User, err error) {
	defer m.setLoading(false)

	if m.fetchToken == tok {
		m.fetchToken = ""
	}
	if tok != m.state.Token {
		// token changed or was cleared while the fetch was in flight
		m.log.Debug(m.ctx, "discarding stale fetch result")
		return
	}

	switch {
	case err == nil:
		m.setUser(u, true)

	case errors.Is(err, profile.ErrUnauthorized):
		// hard authentication failure: evict everything and fall back to
		// the unauthenticated state
		m.log.Warn(m.ctx, "profile fetch rejected, evicting credentials", "err", err)
		m.store.ClearAll(m.ctx)
		m.setState(func(s *Session) {
			s.User = nil
			s.Token = ""
		})
		m.onTokenChanged()
		m.bus.Publish(SignalLoggedOut)

	default:
		// transient failure: token stays, the next state change retries
		m.log.Warn(m.ctx, "profile fetch failed", "err", err)
		m.setState(func(s *Session) { s.User = nil })
	}
}

func (m *Manager) onSignal(sig Signal) {
	switch sig {
	case SignalLoggedIn:
		tok := m.store.AccessToken(m.ctx)
		if tok != "" && !token.IsValid(tok) {
			m.log.Warn(m.ctx, "login signal carried an invalid credential, evicting")
			m.store.Remove(m.ctx, credstore.KeyAccessToken)
			tok = ""
		}
		if tok != m.state.Token {
			m.setState(func(s *Session) { s.Token = tok })
			m.onTokenChanged()
		} else {
			m.maybeFetch()
		}

	case SignalLoggedOut:
		m.setState(func(s *Session) {
			s.User = nil
			s.Token = ""
			s.Loading = false
		})
		if m.watchdog != nil {
			m.watchdog.Stop()
			m.watchdog = nil
		}
		if m.channel != nil {
			m.channel.SetToken("")
		}
	}
}

// rescheduleWatchdog re-reads the stored refresh expiry and arms the next
// check at min(time until expiry, WatchdogMaxSleep). The cap keeps a single
// sleep bounded so a laptop resume cannot silently skip the deadline. An
// already-elapsed expiry forces logout immediately.
func (m *Manager) rescheduleWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.state.Token == "" {
		return
	}
	expiry, ok := m.store.RefreshExpiry(m.ctx)
	if !ok {
		return
	}

	until := time.Until(expiry)
	if until <= 0 {
		m.log.Info(m.ctx, "refresh capability expired, forcing logout")
		m.bus.Publish(SignalLoggedOut)
		return
	}
	if until > m.cfg.WatchdogMaxSleep {
		until = m.cfg.WatchdogMaxSleep
	}
	m.watchdog = time.AfterFunc(until, func() {
		m.post(m.rescheduleWatchdog)
	})
}
