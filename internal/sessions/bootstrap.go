package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/store"
	"github.com/navibridge/navibridge/pkg/logger"
)

func (m *Manager) bootstrap(ctx context.Context) error {
	m.setState(StateBootstrapping)

	if m.cfg.Username == "" {
		return m.fail(apperrors.EmptyConfig("username"))
	}
	if m.cfg.AuthMode != config.AuthModeAccount && m.cfg.AuthMode != config.AuthModeToken {
		return m.fail(apperrors.InvalidConfig("authMode", m.cfg.AuthMode, "account or token"))
	}
	if err := m.store.Init(ctx); err != nil {
		return m.fail(apperrors.Wrapf(err, "init state store"))
	}

	sess, user, ok, err := m.restore(ctx)
	if err != nil {
		return m.fail(err)
	}
	if ok {
		m.session.Store(&sess)
		m.user.Store(&user)
		m.persist(ctx, sess, user)
		logger.Infof("loaded session from storage (login=%s home=%d)", user.LoginID, user.HomeSeq)
		m.markReady()
		return nil
	}

	sess, loginID, accountSeq, err := m.fromConfig(ctx)
	if err != nil {
		return m.fail(err)
	}
	user, cc, err := m.auth.ExchangeForUserSession(ctx, sess.AccessToken, loginID, accountSeq)
	if err != nil {
		return m.fail(apperrors.Wrapf(err, "exchange for user session"))
	}
	m.session.Store(&sess)
	m.user.Store(&user)
	m.cloud.Store(&cc)
	m.persist(ctx, sess, user)
	logger.Infof("logged in with %s credentials (login=%s home=%d)", m.cfg.AuthMode, user.LoginID, user.HomeSeq)
	m.markReady()
	return nil
}

// restore returns the saved pair when it is usable. Anything unusable is
// discarded with a log line; only failures talking to the vendor are errors.
func (m *Manager) restore(ctx context.Context) (credentials.AccountSession, credentials.UserIdentity, bool, error) {
	var none credentials.AccountSession
	var nobody credentials.UserIdentity

	sess, foundSession, errSession := store.Load(ctx, m.store, credentials.SessionKey, credentials.DecodeSession)
	user, foundUser, errUser := store.Load(ctx, m.store, credentials.UserKey, credentials.DecodeIdentity)
	if err := errors.Join(errSession, errUser); err != nil {
		logger.Warnf("failed to load saved session, logging in again: %v", err)
		return none, nobody, false, nil
	}
	if !foundSession || !foundUser {
		logger.Infof("no saved session found")
		return none, nobody, false, nil
	}
	if reason := m.mismatch(sess, user); reason != "" {
		logger.Warnf("saved session does not match config (%s), logging in again", reason)
		return none, nobody, false, nil
	}

	now := m.now()
	stale := !sess.HasValidToken(now)
	if !stale && m.cfg.VerifySession {
		live, err := m.auth.Verify(ctx, sess.AccessToken, user.UserSeq)
		if err != nil {
			logger.Warnf("session verification failed, refreshing: %v", err)
		}
		stale = err != nil || !live
	}
	if !stale {
		return sess, user, true, nil
	}

	refreshed, err := m.auth.Refresh(ctx, sess.RefreshToken)
	if apperrors.IsAuth(err, apperrors.AuthRefreshTokenExpired) {
		logger.Warnf("saved refresh token may be expired, logging in again")
		return none, nobody, false, nil
	}
	if err != nil {
		return none, nobody, false, apperrors.Wrapf(err, "refresh saved session")
	}
	return refreshed, user, true, nil
}

func (m *Manager) mismatch(sess credentials.AccountSession, user credentials.UserIdentity) string {
	if user.LoginID != m.cfg.Username {
		return "username"
	}
	if m.cfg.AuthMode == config.AuthModeToken {
		if user.AccountSeq != m.cfg.AccountSeq {
			return "accountSeq"
		}
		if sess.RefreshToken != m.cfg.RefreshToken {
			return "refreshToken"
		}
	}
	return ""
}

// fromConfig acquires a first-stage session from the configured credentials.
func (m *Manager) fromConfig(ctx context.Context) (credentials.AccountSession, string, int64, error) {
	var none credentials.AccountSession
	switch m.cfg.AuthMode {
	case config.AuthModeAccount:
		if m.cfg.Password == "" {
			return none, "", 0, apperrors.EmptyConfig("password")
		}
		res, err := m.auth.Login(ctx, m.cfg.Username, m.cfg.Password)
		if err != nil {
			return none, "", 0, apperrors.Wrapf(err, "login")
		}
		return res.Session, res.LoginID, res.AccountSeq, nil

	case config.AuthModeToken:
		if m.cfg.AccountSeq == 0 {
			return none, "", 0, apperrors.EmptyConfig("accountSeq")
		}
		if m.cfg.RefreshToken == "" {
			return none, "", 0, apperrors.EmptyConfig("refreshToken")
		}
		sess, err := m.auth.Refresh(ctx, m.cfg.RefreshToken)
		if apperrors.IsAuth(err, apperrors.AuthRefreshTokenExpired) {
			return none, "", 0, &apperrors.ConfigurationError{
				Property: "refreshToken",
				Message:  "refreshToken may be expired, log in again to get a new one and update your configuration",
			}
		}
		if err != nil {
			return none, "", 0, apperrors.Wrapf(err, "refresh configured token")
		}
		return sess, m.cfg.Username, m.cfg.AccountSeq, nil
	}
	return none, "", 0, apperrors.InvalidConfig("authMode", m.cfg.AuthMode, "account or token")
}

func (m *Manager) persist(ctx context.Context, sess credentials.AccountSession, user credentials.UserIdentity) {
	err := errors.Join(
		store.Save(ctx, m.store, credentials.SessionKey, sess, credentials.EncodeSession),
		store.Save(ctx, m.store, credentials.UserKey, user, credentials.EncodeIdentity),
	)
	if err != nil {
		logger.Errorf("failed to persist session: %v", err)
	}
}

func (m *Manager) markReady() {
	m.ready.Store(true)
	m.setState(StateReady)
}

// fail moves to Failed. Configuration errors are remembered so later Ready
// calls return them without touching the vendor.
func (m *Manager) fail(err error) error {
	m.setState(StateFailed)
	if apperrors.IsConfiguration(err) {
		m.mu.Lock()
		m.fatalErr = err
		m.mu.Unlock()
		logger.Errorf("configuration error: %v", err)
		return err
	}
	logger.Errorf("session bootstrap failed: %v", err)
	return fmt.Errorf("session bootstrap: %w", err)
}
