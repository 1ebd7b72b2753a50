package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navibridge/navibridge/internal/auth"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now atomic.Pointer[time.Time] }

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.set(t)
	return c
}

func (c *testClock) Now() time.Time          { return *c.now.Load() }
func (c *testClock) set(t time.Time)         { c.now.Store(&t) }
func (c *testClock) advance(d time.Duration) { c.set(c.Now().Add(d)) }

var start = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeGateway counts vendor calls. Behaviour is overridable per test.
type fakeGateway struct {
	clock *testClock

	logins, exchanges, refreshes, verifies atomic.Int32

	loginGate   chan struct{}
	refreshGate chan struct{}
	refreshErr  error
	verifyLive  bool
	exchangeErr error
	loginID     string
	tokenSerial atomic.Int32
}

func newFakeGateway(clock *testClock) *fakeGateway {
	return &fakeGateway{clock: clock, loginID: "u1", verifyLive: true}
}

func (f *fakeGateway) token(prefix string) string {
	return prefix + "-" + string(rune('a'+f.tokenSerial.Add(1)))
}

func (f *fakeGateway) Login(ctx context.Context, username, password string) (*auth.LoginResult, error) {
	f.logins.Add(1)
	if f.loginGate != nil {
		<-f.loginGate
	}
	if password != "p1" {
		return nil, apperrors.NewAuthError(apperrors.AuthWrongPassword, "bad password")
	}
	return &auth.LoginResult{
		Session:    credentials.NewAccountSession(f.token("login"), "refresh-1", time.Hour, f.clock.Now()),
		LoginID:    f.loginID,
		AccountSeq: 77,
	}, nil
}

func (f *fakeGateway) ExchangeForUserSession(ctx context.Context, accessToken, loginID string, accountSeq int64) (credentials.UserIdentity, credentials.CloudCredential, error) {
	f.exchanges.Add(1)
	if f.exchangeErr != nil {
		return credentials.UserIdentity{}, credentials.CloudCredential{}, f.exchangeErr
	}
	u := credentials.UserIdentity{LoginID: loginID, AccountSeq: accountSeq, UserSeq: 501, HomeSeq: 9001}
	cc := credentials.NewCloudCredential("AKIA", "secret", f.token("cloud"), 15*time.Minute, f.clock.Now())
	return u, cc, nil
}

func (f *fakeGateway) Refresh(ctx context.Context, refreshToken string) (credentials.AccountSession, error) {
	f.refreshes.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshErr != nil {
		return credentials.AccountSession{}, f.refreshErr
	}
	return credentials.NewAccountSession(f.token("refreshed"), refreshToken, time.Hour, f.clock.Now()), nil
}

func (f *fakeGateway) Verify(ctx context.Context, accessToken string, userSeq int64) (bool, error) {
	f.verifies.Add(1)
	return f.verifyLive, nil
}

func (f *fakeGateway) calls() [4]int32 {
	return [4]int32{f.logins.Load(), f.exchanges.Load(), f.refreshes.Load(), f.verifies.Load()}
}

var accountCfg = config.NavienConfig{AuthMode: config.AuthModeAccount, Username: "u1", Password: "p1"}

func rejectedRefresh() error {
	return &apperrors.AuthError{Reason: apperrors.AuthRefreshTokenExpired, Message: "no data", RemainingAttempts: -1, Err: apperrors.ErrRefreshTokenExpired}
}

func newTestManager(cfg config.NavienConfig, gw *fakeGateway, st store.Store) *Manager {
	return NewManager(cfg, gw, st, WithClock(gw.clock.Now))
}

func seed(t *testing.T, st store.Store, sess credentials.AccountSession, user credentials.UserIdentity) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, st, credentials.SessionKey, sess, credentials.EncodeSession))
	require.NoError(t, store.Save(ctx, st, credentials.UserKey, user, credentials.EncodeIdentity))
}

var savedUser = credentials.UserIdentity{LoginID: "u1", AccountSeq: 77, UserSeq: 501, HomeSeq: 9001}

func TestReadyLogsInExchangesAndPersists(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	st := store.NewMemoryStore()
	m := newTestManager(accountCfg, gw, st)

	require.NoError(t, m.Ready(context.Background()))
	assert.Equal(t, [4]int32{1, 1, 0, 0}, gw.calls())
	assert.Equal(t, StateReady, m.State())

	user, ok := m.User()
	require.True(t, ok)
	assert.Equal(t, savedUser, user)

	ctx := context.Background()
	sess, found, err := store.Load(ctx, st, credentials.SessionKey, credentials.DecodeSession)
	require.NoError(t, err)
	require.True(t, found)
	current, _ := m.Session()
	assert.Equal(t, current.AccessToken, sess.AccessToken)
	_, found, err = store.Load(ctx, st, credentials.UserKey, credentials.DecodeIdentity)
	require.NoError(t, err)
	require.True(t, found)

	// a second process with the same store reuses everything
	gw2 := newFakeGateway(clock)
	m2 := newTestManager(accountCfg, gw2, st)
	require.NoError(t, m2.Ready(context.Background()))
	assert.Equal(t, [4]int32{0, 0, 0, 0}, gw2.calls())
	reused, _ := m2.Session()
	assert.Equal(t, current.AccessToken, reused.AccessToken)

	// the cloud credential is derived lazily
	cc, err := m2.CloudCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIA", cc.AccessKeyID)
	assert.Equal(t, int32(1), gw2.exchanges.Load())
	_, err = m2.CloudCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), gw2.exchanges.Load())
}

func TestReadyIsSingleFlight(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	gw.loginGate = make(chan struct{})
	m := newTestManager(accountCfg, gw, store.NewMemoryStore())

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Ready(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return gw.logins.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gw.loginGate)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), gw.logins.Load())
	assert.Equal(t, int32(1), gw.exchanges.Load())

	require.NoError(t, m.Ready(context.Background()))
	assert.Equal(t, int32(1), gw.logins.Load())
}

func TestReadyDiscardsMismatchedLogin(t *testing.T) {
	clock := newTestClock(start)
	st := store.NewMemoryStore()
	other := savedUser
	other.LoginID = "someone-else"
	seed(t, st, credentials.NewAccountSession("old", "refresh-old", time.Hour, start), other)

	gw := newFakeGateway(clock)
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))

	assert.Equal(t, [4]int32{1, 1, 0, 0}, gw.calls())
	user, _ := m.User()
	assert.Equal(t, "u1", user.LoginID)
}

func TestReadyDiscardsObsoleteSchema(t *testing.T) {
	clock := newTestClock(start)
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, credentials.SessionKey, []byte(`{"accessToken":"a","refreshToken":"r","expiresAt":9999999999999}`)))
	require.NoError(t, st.Set(ctx, credentials.UserKey, []byte(`{"userId":"u1","accountSeq":77,"userSeq":501,"familySeq":9001}`)))

	gw := newFakeGateway(clock)
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(ctx))
	assert.Equal(t, [4]int32{1, 1, 0, 0}, gw.calls())

	// the store now holds the current schema
	_, found, err := store.Load(ctx, st, credentials.UserKey, credentials.DecodeIdentity)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReadyRefreshesExpiredSavedSession(t *testing.T) {
	clock := newTestClock(start)
	st := store.NewMemoryStore()
	seed(t, st, credentials.NewAccountSession("old", "refresh-1", time.Hour, start.Add(-2*time.Hour)), savedUser)

	gw := newFakeGateway(clock)
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))

	assert.Equal(t, [4]int32{0, 0, 1, 0}, gw.calls())
	sess, _ := m.Session()
	assert.NotEqual(t, "old", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)

	saved, _, err := store.Load(context.Background(), st, credentials.SessionKey, credentials.DecodeSession)
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, saved.AccessToken)
}

func TestReadyFallsBackToLoginWhenRefreshRejected(t *testing.T) {
	clock := newTestClock(start)
	st := store.NewMemoryStore()
	seed(t, st, credentials.NewAccountSession("old", "refresh-dead", time.Hour, start.Add(-2*time.Hour)), savedUser)

	gw := newFakeGateway(clock)
	gw.refreshErr = rejectedRefresh()
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))

	assert.Equal(t, [4]int32{1, 1, 1, 0}, gw.calls())
	sess, _ := m.Session()
	assert.Equal(t, "refresh-1", sess.RefreshToken)
}

func TestReadyVerifiesLivenessWhenEnabled(t *testing.T) {
	clock := newTestClock(start)
	st := store.NewMemoryStore()
	seed(t, st, credentials.NewAccountSession("kicked", "refresh-1", time.Hour, start), savedUser)

	gw := newFakeGateway(clock)
	gw.verifyLive = false
	cfg := accountCfg
	cfg.VerifySession = true
	m := newTestManager(cfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))

	assert.Equal(t, [4]int32{0, 0, 1, 1}, gw.calls())
	sess, _ := m.Session()
	assert.NotEqual(t, "kicked", sess.AccessToken)
}

func TestReadyTokenMode(t *testing.T) {
	cfg := config.NavienConfig{AuthMode: config.AuthModeToken, Username: "u1", RefreshToken: "refresh-cfg", AccountSeq: 77}

	t.Run("refreshes without login", func(t *testing.T) {
		gw := newFakeGateway(newTestClock(start))
		m := newTestManager(cfg, gw, store.NewMemoryStore())
		require.NoError(t, m.Ready(context.Background()))
		assert.Equal(t, [4]int32{0, 1, 1, 0}, gw.calls())
		user, _ := m.User()
		assert.Equal(t, int64(77), user.AccountSeq)
	})

	t.Run("saved state for another account seq is discarded", func(t *testing.T) {
		st := store.NewMemoryStore()
		other := savedUser
		other.AccountSeq = 12
		seed(t, st, credentials.NewAccountSession("old", "refresh-cfg", time.Hour, start), other)

		gw := newFakeGateway(newTestClock(start))
		m := newTestManager(cfg, gw, st)
		require.NoError(t, m.Ready(context.Background()))
		assert.Equal(t, [4]int32{0, 1, 1, 0}, gw.calls())
	})

	t.Run("rejected configured token is a configuration error", func(t *testing.T) {
		gw := newFakeGateway(newTestClock(start))
		gw.refreshErr = rejectedRefresh()
		m := newTestManager(cfg, gw, store.NewMemoryStore())

		err := m.Ready(context.Background())
		var cfgErr *apperrors.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "refreshToken", cfgErr.Property)
		assert.Equal(t, StateFailed, m.State())

		// fatal: not retried
		require.ErrorAs(t, m.Ready(context.Background()), &cfgErr)
		assert.Equal(t, int32(1), gw.refreshes.Load())
	})
}

func TestReadyConfigurationErrors(t *testing.T) {
	cases := []struct {
		cfg  config.NavienConfig
		prop string
	}{
		{config.NavienConfig{AuthMode: config.AuthModeAccount, Username: "u1"}, "password"},
		{config.NavienConfig{AuthMode: config.AuthModeToken, Username: "u1", RefreshToken: "r"}, "accountSeq"},
		{config.NavienConfig{AuthMode: config.AuthModeToken, Username: "u1", AccountSeq: 1}, "refreshToken"},
		{config.NavienConfig{AuthMode: "oauth", Username: "u1"}, "authMode"},
		{config.NavienConfig{AuthMode: config.AuthModeAccount, Password: "p1"}, "username"},
	}
	for _, tc := range cases {
		t.Run(tc.prop, func(t *testing.T) {
			gw := newFakeGateway(newTestClock(start))
			m := newTestManager(tc.cfg, gw, store.NewMemoryStore())
			err := m.Ready(context.Background())
			var cfgErr *apperrors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.prop, cfgErr.Property)
			assert.Equal(t, [4]int32{0, 0, 0, 0}, gw.calls())
		})
	}
}

func TestReadyAuthFailureIsRetriedOnNextCall(t *testing.T) {
	gw := newFakeGateway(newTestClock(start))
	cfg := accountCfg
	cfg.Password = "wrong"
	m := newTestManager(cfg, gw, store.NewMemoryStore())

	err := m.Ready(context.Background())
	require.True(t, apperrors.IsAuth(err, apperrors.AuthWrongPassword))
	assert.False(t, apperrors.IsConfiguration(err))
	assert.Equal(t, StateFailed, m.State())

	require.Error(t, m.Ready(context.Background()))
	assert.Equal(t, int32(2), gw.logins.Load())
}

func TestRefreshAccountSessionRequiresReady(t *testing.T) {
	m := newTestManager(accountCfg, newFakeGateway(newTestClock(start)), store.NewMemoryStore())
	_, err := m.RefreshAccountSession(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotReady)
	_, err = m.RefreshCloudCredential(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotReady)
}

func TestRefreshAccountSessionIsSingleFlight(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	st := store.NewMemoryStore()
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))
	before, _ := m.Session()

	gw.refreshGate = make(chan struct{})
	const n = 6
	var wg, started sync.WaitGroup
	results := make([]credentials.AccountSession, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			s, err := m.RefreshAccountSession(context.Background())
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return gw.refreshes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gw.refreshGate)
	wg.Wait()

	assert.Equal(t, int32(1), gw.refreshes.Load())
	for _, s := range results {
		assert.Equal(t, results[0].AccessToken, s.AccessToken)
	}
	assert.NotEqual(t, before.AccessToken, results[0].AccessToken)

	saved, _, err := store.Load(context.Background(), st, credentials.SessionKey, credentials.DecodeSession)
	require.NoError(t, err)
	assert.Equal(t, results[0].AccessToken, saved.AccessToken)
	assert.Equal(t, StateReady, m.State())
}

func TestRefreshAccountSessionRejectedInvalidates(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	st := store.NewMemoryStore()
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))

	gw.refreshErr = rejectedRefresh()
	_, err := m.RefreshAccountSession(context.Background())
	require.True(t, apperrors.IsAuth(err, apperrors.AuthRefreshTokenExpired))
	assert.Equal(t, StateFailed, m.State())
	assert.False(t, m.IsReady())

	_, err = st.Get(context.Background(), credentials.SessionKey)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, ok := m.Session()
	assert.False(t, ok, "revoked session must not be served")
	_, ok = m.User()
	assert.False(t, ok)
	assert.True(t, m.Status().CloudExpiresAt.IsZero())
	_, err = m.CloudCredential(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotReady)

	// next Ready bootstraps from configuration again
	gw.refreshErr = nil
	require.NoError(t, m.Ready(context.Background()))
	assert.Equal(t, int32(2), gw.logins.Load())
}

func TestRefreshCloudCredential(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	st := store.NewMemoryStore()
	m := newTestManager(accountCfg, gw, st)
	require.NoError(t, m.Ready(context.Background()))
	first, err := m.CloudCredential(context.Background())
	require.NoError(t, err)
	userBytes, err := st.Get(context.Background(), credentials.UserKey)
	require.NoError(t, err)

	t.Run("valid account session is not refreshed", func(t *testing.T) {
		cc, err := m.RefreshCloudCredential(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, first.SessionToken, cc.SessionToken)
		assert.Equal(t, int32(0), gw.refreshes.Load())
		assert.Equal(t, int32(2), gw.exchanges.Load())
	})

	t.Run("expired account session is refreshed first", func(t *testing.T) {
		clock.advance(2 * time.Hour)
		_, err := m.RefreshCloudCredential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), gw.refreshes.Load())
		assert.Equal(t, int32(3), gw.exchanges.Load())
		assert.Equal(t, StateReady, m.State())
	})

	after, err := st.Get(context.Background(), credentials.UserKey)
	require.NoError(t, err)
	assert.Equal(t, string(userBytes), string(after), "identity is not re-persisted")
}

func TestRefreshCloudCredentialRetriesOnceOnRevokedToken(t *testing.T) {
	clock := newTestClock(start)
	gw := newFakeGateway(clock)
	m := newTestManager(accountCfg, gw, store.NewMemoryStore())
	require.NoError(t, m.Ready(context.Background()))

	gw.exchangeErr = &apperrors.APIError{Status: 200, Code: 407, Message: "TOKEN_EXPIRED"}
	_, err := m.RefreshCloudCredential(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), gw.refreshes.Load())
	assert.Equal(t, int32(3), gw.exchanges.Load())
	assert.Equal(t, StateReady, m.State())
}

func TestStatusHasNoSecrets(t *testing.T) {
	gw := newFakeGateway(newTestClock(start))
	m := newTestManager(accountCfg, gw, store.NewMemoryStore())
	require.NoError(t, m.Ready(context.Background()))

	st := m.Status()
	assert.Equal(t, "ready", st.State)
	assert.True(t, st.Ready)
	assert.Equal(t, "u1", st.LoginID)
	assert.Equal(t, start.Add(time.Hour), st.SessionExpiresAt)
	assert.Equal(t, start.Add(15*time.Minute), st.CloudExpiresAt)
}
