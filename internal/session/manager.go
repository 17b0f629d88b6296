// Package session owns the per-identity authentication state machine. It is
// the only writer of each identity's credential row, and the only component
// that talks to the network's session endpoints. The central invariant: a
// full login never happens while an unexpired refresh token exists, because
// the upstream treats excess logins as abuse.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/ratelimit"
	"github.com/symmbot/blocksync/internal/store"
	"github.com/symmbot/blocksync/internal/utils"
)

type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateActive          State = "ACTIVE"
	StateRefreshing      State = "REFRESHING"
	StateBackoff         State = "BACKOFF"
	StateDegraded        State = "DEGRADED"
)

// ErrDegraded is returned while an identity is excluded from authentication
// work after repeated failures. It clears after the configured retry window.
var ErrDegraded = errors.New("identity is degraded, awaiting retry window")

type Config struct {
	// RefreshMargin is how long before access-token expiry a refresh kicks in.
	RefreshMargin time.Duration
	// AccessTokenTTL and RefreshTokenTTL are fallbacks for opaque tokens
	// whose expiry cannot be read from JWT claims.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// MaxAuthFailures bounds consecutive non-rate-limit failures before the
	// identity is marked degraded.
	MaxAuthFailures int
	// DegradedRetryWindow is how long a degraded identity sits out before the
	// next scheduled attempt.
	DegradedRetryWindow time.Duration
	// RateLimitPenalty is applied when a 429 carries no retry-after hint.
	RateLimitPenalty time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshMargin:       5 * time.Minute,
		AccessTokenTTL:      2 * time.Hour,
		RefreshTokenTTL:     60 * 24 * time.Hour,
		MaxAuthFailures:     5,
		DegradedRetryWindow: time.Hour,
		RateLimitPenalty:    15 * time.Minute,
	}
}

// Observer is notified of every state transition, for supervision.
type Observer func(handle string, from, to State)

type identityState struct {
	state        State
	backoffUntil time.Time
	degradedAt   time.Time
	failures     int
}

type Manager struct {
	client         bluesky.Client
	credentials    store.CredentialStore
	identities     store.IdentityStore
	limiter        *ratelimit.Limiter
	retry          utils.RetryPolicy
	metricsService metrics.MetricsService
	cfg            Config
	passwords      map[string]string
	observer       Observer

	// nowFunc is swapped out in tests.
	nowFunc func() time.Time

	mu     sync.Mutex
	states map[int64]*identityState

	// opLocks serializes Obtain per identity, so at most one refresh or
	// login is ever in flight for a given credential row.
	opLocks map[int64]*sync.Mutex
}

func NewManager(
	client bluesky.Client,
	credentials store.CredentialStore,
	identities store.IdentityStore,
	limiter *ratelimit.Limiter,
	retry utils.RetryPolicy,
	metricsService metrics.MetricsService,
	cfg Config,
	passwords map[string]string,
	observer Observer,
) *Manager {
	return &Manager{
		client:         client,
		credentials:    credentials,
		identities:     identities,
		limiter:        limiter,
		retry:          retry,
		metricsService: metricsService,
		cfg:            cfg,
		passwords:      passwords,
		observer:       observer,
		nowFunc:        time.Now,
		states:         make(map[int64]*identityState),
		opLocks:        make(map[int64]*sync.Mutex),
	}
}

// StateOf reports the identity's current state.
func (m *Manager) StateOf(identityID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateFor(identityID).state
}

// Obtain returns a usable credential for the identity, persisting any token
// obtained along the way before returning so a crash between authentication
// and use cannot cause a second avoidable login. When a login resolves the
// identity's placeholder identifier, the passed identity is updated in place.
func (m *Manager) Obtain(ctx context.Context, identity *store.Identity) (*store.Credential, error) {
	lock := m.opLock(identity.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.waitEligible(ctx, identity); err != nil {
		return nil, err
	}

	now := m.nowFunc()
	credential, err := m.credentials.Get(ctx, identity.ID)
	if err != nil && !errors.Is(err, store.ErrCredentialNotFound) {
		return nil, fmt.Errorf("loading credential for %s: %w", identity.Handle, err)
	}

	if credential != nil && credential.AccessValid(now, m.cfg.RefreshMargin) {
		m.transition(identity, StateActive)
		return credential, nil
	}

	if credential != nil && credential.RefreshValid(now, 0) {
		refreshed, refreshErr := m.refresh(ctx, identity, credential)
		if refreshErr == nil {
			return refreshed, nil
		}
		if !errors.Is(refreshErr, entities.ErrAuthExpired) {
			return nil, refreshErr
		}
		// Refresh token rejected ahead of its recorded expiry. Another
		// process may have rotated the credential in the meantime, so
		// re-read the stored row before burning a full login.
		logrus.WithField("handle", identity.Handle).Warn("refresh token rejected, re-reading stored credential")
		if fresh, freshErr := m.credentials.Get(ctx, identity.ID); freshErr == nil && fresh != nil && fresh.AccessValid(m.nowFunc(), m.cfg.RefreshMargin) {
			m.transition(identity, StateActive)
			return fresh, nil
		}
	}

	return m.login(ctx, identity)
}

func (m *Manager) refresh(ctx context.Context, identity *store.Identity, credential *store.Credential) (*store.Credential, error) {
	m.transition(identity, StateRefreshing)

	if err := m.limiter.Wait(ctx, ratelimit.AuthBucket(identity.Handle), 1); err != nil {
		return nil, err
	}

	var session *bluesky.Session
	err := m.retry.Do(ctx, "refresh session", func() error {
		var callErr error
		session, callErr = m.client.RefreshSession(ctx, credential.RefreshToken)
		return callErr
	})
	if err != nil {
		return nil, m.handleAuthFailure(identity, "refresh", err)
	}

	return m.storeSession(ctx, identity, session)
}

func (m *Manager) login(ctx context.Context, identity *store.Identity) (*store.Credential, error) {
	password, ok := m.passwords[identity.Handle]
	if !ok {
		// Missing credentials are a configuration error, surfaced to the
		// orchestrator rather than retried.
		m.markDegraded(identity)
		return nil, fmt.Errorf("no password configured for identity %s", identity.Handle)
	}

	if err := m.limiter.Wait(ctx, ratelimit.AuthBucket(identity.Handle), 1); err != nil {
		return nil, err
	}

	var session *bluesky.Session
	err := m.retry.Do(ctx, "create session", func() error {
		var callErr error
		session, callErr = m.client.CreateSession(ctx, identity.Handle, password)
		return callErr
	})
	if err != nil {
		return nil, m.handleAuthFailure(identity, "login", err)
	}

	credential, err := m.storeSession(ctx, identity, session)
	if err != nil {
		return nil, err
	}

	if identity.DID != session.DID {
		if err := m.identities.ResolveDID(ctx, identity.Handle, session.DID); err != nil {
			return nil, fmt.Errorf("resolving identifier after login: %w", err)
		}
		identity.DID = session.DID
		logrus.WithFields(logrus.Fields{
			"handle": identity.Handle,
			"did":    session.DID,
		}).Info("identity identifier resolved")
	}

	return credential, nil
}

// storeSession persists the token pair before returning it to the caller.
func (m *Manager) storeSession(ctx context.Context, identity *store.Identity, session *bluesky.Session) (*store.Credential, error) {
	now := m.nowFunc()
	credential := &store.Credential{
		IdentityID:       identity.ID,
		AccessToken:      session.AccessJWT,
		AccessExpiresAt:  tokenExpiry(session.AccessJWT, now, m.cfg.AccessTokenTTL),
		RefreshToken:     session.RefreshJWT,
		RefreshExpiresAt: tokenExpiry(session.RefreshJWT, now, m.cfg.RefreshTokenTTL),
	}
	if err := m.credentials.Upsert(ctx, credential); err != nil {
		return nil, fmt.Errorf("persisting credential for %s: %w", identity.Handle, err)
	}

	m.mu.Lock()
	m.stateFor(identity.ID).failures = 0
	m.mu.Unlock()
	m.transition(identity, StateActive)

	return credential, nil
}

func (m *Manager) handleAuthFailure(identity *store.Identity, operation string, err error) error {
	if retryAfter, rateLimited := entities.IsRateLimited(err); rateLimited {
		penalty := retryAfter
		if penalty <= 0 {
			penalty = m.cfg.RateLimitPenalty
		}
		m.limiter.Penalize(ratelimit.AuthBucket(identity.Handle), penalty)

		m.mu.Lock()
		m.stateFor(identity.ID).backoffUntil = m.nowFunc().Add(penalty)
		m.mu.Unlock()
		m.transition(identity, StateBackoff)

		return fmt.Errorf("%s rate limited for %s: %w", operation, identity.Handle, err)
	}

	m.mu.Lock()
	st := m.stateFor(identity.ID)
	st.failures++
	exhausted := st.failures >= m.cfg.MaxAuthFailures
	m.mu.Unlock()

	if exhausted {
		m.markDegraded(identity)
		return fmt.Errorf("%s failed %d times for %s, marking degraded: %w", operation, m.cfg.MaxAuthFailures, identity.Handle, err)
	}

	m.transition(identity, StateUnauthenticated)
	return fmt.Errorf("%s failed for %s: %w", operation, identity.Handle, err)
}

func (m *Manager) markDegraded(identity *store.Identity) {
	m.mu.Lock()
	st := m.stateFor(identity.ID)
	st.degradedAt = m.nowFunc()
	st.failures = 0
	m.mu.Unlock()
	m.transition(identity, StateDegraded)
}

// waitEligible enforces backoff and degraded windows before any
// authentication work happens.
func (m *Manager) waitEligible(ctx context.Context, identity *store.Identity) error {
	m.mu.Lock()
	st := m.stateFor(identity.ID)
	now := m.nowFunc()

	if st.state == StateDegraded {
		if now.Sub(st.degradedAt) < m.cfg.DegradedRetryWindow {
			m.mu.Unlock()
			return fmt.Errorf("identity %s: %w", identity.Handle, ErrDegraded)
		}
		m.mu.Unlock()
		m.transition(identity, StateUnauthenticated)
		return nil
	}

	wait := st.backoffUntil.Sub(now)
	m.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	logrus.WithField("handle", identity.Handle).Debugf("waiting %s before next authentication attempt", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting out authentication backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *Manager) opLock(identityID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.opLocks[identityID]
	if !ok {
		lock = &sync.Mutex{}
		m.opLocks[identityID] = lock
	}
	return lock
}

// stateFor must be called with m.mu held.
func (m *Manager) stateFor(identityID int64) *identityState {
	st, ok := m.states[identityID]
	if !ok {
		st = &identityState{state: StateUnauthenticated}
		m.states[identityID] = st
	}
	return st
}

func (m *Manager) transition(identity *store.Identity, to State) {
	m.mu.Lock()
	st := m.stateFor(identity.ID)
	from := st.state
	st.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.metricsService.IncSessionTransition(identity.Handle, string(from), string(to))
	if m.observer != nil {
		m.observer(identity.Handle, from, to)
	}
	logrus.WithFields(logrus.Fields{
		"handle": identity.Handle,
		"from":   from,
		"to":     to,
	}).Debug("session state transition")
}

// tokenExpiry reads the exp claim without verifying the signature; this
// client is the token's audience, not its validator. Opaque tokens fall back
// to the configured TTL.
func tokenExpiry(token string, now time.Time, fallbackTTL time.Duration) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, expErr := parsed.Claims.GetExpirationTime(); expErr == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(fallbackTTL)
}
