// Package sessions owns the vendor account session, the user identity and
// the cloud credential, and decides when to reuse, refresh or re-acquire them.
package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navibridge/navibridge/internal/auth"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/internal/store"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/navibridge/navibridge/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Gateway is the subset of the vendor auth API the manager drives.
type Gateway interface {
	Login(ctx context.Context, username, password string) (*auth.LoginResult, error)
	ExchangeForUserSession(ctx context.Context, accessToken, loginID string, accountSeq int64) (credentials.UserIdentity, credentials.CloudCredential, error)
	Refresh(ctx context.Context, refreshToken string) (credentials.AccountSession, error)
	Verify(ctx context.Context, accessToken string, userSeq int64) (bool, error)
}

const (
	flightReady   = "ready"
	flightAccount = "account"
	flightCloud   = "cloud"
)

// Manager is the single writer of credentials and of the persisted store.
// Credentials are swapped as whole values; readers get copies.
type Manager struct {
	cfg   config.NavienConfig
	auth  Gateway
	store store.Store
	now   credentials.Clock

	flight singleflight.Group
	state  atomic.Int32
	ready  atomic.Bool

	session atomic.Pointer[credentials.AccountSession]
	user    atomic.Pointer[credentials.UserIdentity]
	cloud   atomic.Pointer[credentials.CloudCredential]

	mu       sync.Mutex
	fatalErr error
}

type Option func(*Manager)

// WithClock injects the clock used for every expiry decision.
func WithClock(now credentials.Clock) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg config.NavienConfig, gw Gateway, st store.Store, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, auth: gw, store: st, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ready loads or acquires the account session and identity. Concurrent
// callers share one bootstrap. Once it has succeeded Ready returns at once;
// a configuration error is returned again without retrying.
func (m *Manager) Ready(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	if err := m.fatal(); err != nil {
		return err
	}
	_, err, _ := m.flight.Do(flightReady, func() (interface{}, error) {
		if m.ready.Load() {
			return nil, nil
		}
		return nil, m.bootstrap(ctx)
	})
	return err
}

// RefreshAccountSession trades the refresh token for a new access token,
// regardless of whether the current one has expired, and persists it.
func (m *Manager) RefreshAccountSession(ctx context.Context) (credentials.AccountSession, error) {
	if !m.ready.Load() {
		return credentials.AccountSession{}, apperrors.ErrNotReady
	}
	v, err, _ := m.flight.Do(flightAccount, func() (interface{}, error) {
		m.setState(StateRefreshingAccount)
		cur := m.session.Load()
		if cur == nil {
			m.settle()
			return nil, apperrors.ErrNoSession
		}
		next, err := m.auth.Refresh(ctx, cur.RefreshToken)
		metrics.CredentialRefresh.WithLabelValues("account", metrics.Outcome(err)).Inc()
		if err != nil {
			if apperrors.IsAuth(err) {
				m.invalidate(ctx, err)
			} else {
				m.settle()
			}
			return nil, apperrors.Wrapf(err, "refresh account session")
		}
		m.session.Store(&next)
		if err := store.Save(ctx, m.store, credentials.SessionKey, next, credentials.EncodeSession); err != nil {
			logger.Errorf("failed to persist refreshed session: %v", err)
		}
		logger.Infof("account session refreshed, expires at %s", next.ExpiresAt.Format(time.RFC3339))
		m.settle()
		return next, nil
	})
	if err != nil {
		return credentials.AccountSession{}, err
	}
	return v.(credentials.AccountSession), nil
}

// RefreshCloudCredential re-runs the secured sign-in for a new broker
// credential, refreshing the account session first when it is not valid.
// Identity is not re-persisted.
func (m *Manager) RefreshCloudCredential(ctx context.Context) (credentials.CloudCredential, error) {
	if !m.ready.Load() {
		return credentials.CloudCredential{}, apperrors.ErrNotReady
	}
	v, err, _ := m.flight.Do(flightCloud, func() (interface{}, error) {
		cc, err := m.refreshCloud(ctx)
		metrics.CredentialRefresh.WithLabelValues("cloud", metrics.Outcome(err)).Inc()
		m.settle()
		if err != nil {
			return nil, apperrors.Wrapf(err, "refresh cloud credential")
		}
		return cc, nil
	})
	if err != nil {
		return credentials.CloudCredential{}, err
	}
	return v.(credentials.CloudCredential), nil
}

func (m *Manager) refreshCloud(ctx context.Context) (credentials.CloudCredential, error) {
	m.setState(StateRefreshingCloud)
	sess := m.session.Load()
	user := m.user.Load()
	if sess == nil || user == nil {
		return credentials.CloudCredential{}, apperrors.ErrNoSession
	}
	current := *sess
	if !current.HasValidToken(m.now()) {
		next, err := m.RefreshAccountSession(ctx)
		if err != nil {
			return credentials.CloudCredential{}, err
		}
		current = next
		m.setState(StateRefreshingCloud)
	}

	_, cc, err := m.auth.ExchangeForUserSession(ctx, current.AccessToken, user.LoginID, user.AccountSeq)
	if isTokenExpired(err) {
		// the vendor revoked the token before its nominal expiry
		logger.Warnf("sign-in rejected an unexpired token; refreshing account session once")
		next, rerr := m.RefreshAccountSession(ctx)
		if rerr != nil {
			return credentials.CloudCredential{}, rerr
		}
		m.setState(StateRefreshingCloud)
		_, cc, err = m.auth.ExchangeForUserSession(ctx, next.AccessToken, user.LoginID, user.AccountSeq)
	}
	if err != nil {
		return credentials.CloudCredential{}, err
	}
	m.cloud.Store(&cc)
	logger.Infof("cloud credential refreshed, expires at %s", cc.ExpiresAt.Format(time.RFC3339))
	return cc, nil
}

// CloudCredential returns the current broker credential, acquiring one when
// none is held or it has expired.
func (m *Manager) CloudCredential(ctx context.Context) (credentials.CloudCredential, error) {
	if cc := m.cloud.Load(); cc != nil && cc.HasValidToken(m.now()) {
		return *cc, nil
	}
	return m.RefreshCloudCredential(ctx)
}

// Session returns a snapshot of the account session.
func (m *Manager) Session() (credentials.AccountSession, bool) {
	s := m.session.Load()
	if s == nil {
		return credentials.AccountSession{}, false
	}
	return *s, true
}

// User returns the user identity.
func (m *Manager) User() (credentials.UserIdentity, bool) {
	u := m.user.Load()
	if u == nil {
		return credentials.UserIdentity{}, false
	}
	return *u, true
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Status is a secret-free view of the manager for diagnostics.
type Status struct {
	State            string    `json:"state"`
	Ready            bool      `json:"ready"`
	LoginID          string    `json:"loginId,omitempty"`
	HomeSeq          int64     `json:"homeSeq,omitempty"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt,omitempty"`
	CloudExpiresAt   time.Time `json:"cloudExpiresAt,omitempty"`
	Error            string    `json:"error,omitempty"`
}

func (m *Manager) Status() Status {
	st := Status{State: m.State().String(), Ready: m.IsReady()}
	if u, ok := m.User(); ok {
		st.LoginID = u.LoginID
		st.HomeSeq = u.HomeSeq
	}
	if s, ok := m.Session(); ok {
		st.SessionExpiresAt = s.ExpiresAt
	}
	if cc := m.cloud.Load(); cc != nil {
		st.CloudExpiresAt = cc.ExpiresAt
	}
	if err := m.fatal(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// settle returns to Ready unless the session was invalidated meanwhile.
func (m *Manager) settle() {
	if m.ready.Load() {
		m.setState(StateReady)
	}
}

// invalidate drops the session, identity and cloud credential after the
// vendor rejected them so the next Ready bootstraps again.
func (m *Manager) invalidate(ctx context.Context, cause error) {
	logger.Warnf("account session invalidated: %v", cause)
	m.ready.Store(false)
	m.setState(StateFailed)
	m.session.Store(nil)
	m.user.Store(nil)
	m.cloud.Store(nil)
	if err := m.store.Clear(ctx); err != nil {
		logger.Errorf("failed to clear persisted state: %v", err)
	}
}

func (m *Manager) fatal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

func isTokenExpired(err error) bool {
	var apiErr *apperrors.APIError
	return apperrors.As(err, &apiErr) && apiErr.Code == int(models.CodeTokenExpired)
}
