package cloud

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu         sync.Mutex
	connects   []credentials.CloudCredential
	subscribes int
	connectErr error
	handlers   map[string]MessageHandler
	onState    func(ConnectionState, error)
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]MessageHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context, cred credentials.CloudCredential) error {
	f.mu.Lock()
	f.connects = append(f.connects, cred)
	err := f.connectErr
	fn := f.onState
	f.mu.Unlock()
	if err != nil {
		return err
	}
	fn(StateConnected, nil)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) Subscribe(topic string, h MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.handlers[topic] = h
	return nil
}

func (f *fakeTransport) OnStateChange(fn func(ConnectionState, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) disrupt() {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(StateDisrupted, errors.New("websocket closed"))
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeTransport) lastCredential() credentials.CloudCredential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[len(f.connects)-1]
}

type fakeSource struct {
	calls atomic.Int32
	gate  chan struct{}
	err   atomic.Pointer[error]
}

func (s *fakeSource) RefreshCloudCredential(ctx context.Context) (credentials.CloudCredential, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if p := s.err.Load(); p != nil {
		return credentials.CloudCredential{}, *p
	}
	return credentials.NewCloudCredential("AKIA-"+string(rune('0'+n)), "secret", "token", time.Hour, time.Now()), nil
}

func (s *fakeSource) fail(err error) { s.err.Store(&err) }

func initialCredential() credentials.CloudCredential {
	return credentials.NewCloudCredential("AKIA-0", "secret", "token", time.Hour, time.Now())
}

func startChannel(t *testing.T, tr *fakeTransport, src CredentialSource) *Channel {
	t.Helper()
	c := NewChannel(tr, src)
	t.Cleanup(c.Close)
	require.NoError(t, c.Start(context.Background(), initialCredential()))
	return c
}

func TestStartConnects(t *testing.T) {
	tr := newFakeTransport()
	c := startChannel(t, tr, &fakeSource{})

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, tr.connectCount())
	cred, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, "AKIA-0", cred.AccessKeyID)

	require.NoError(t, c.Start(context.Background(), initialCredential()))
	assert.Equal(t, 1, tr.connectCount(), "second start is a no-op")
}

func TestStartRejectsIncompleteCredential(t *testing.T) {
	c := NewChannel(newFakeTransport(), &fakeSource{})
	defer c.Close()
	err := c.Start(context.Background(), credentials.CloudCredential{SecretKey: "s"})
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestDisruptionRefreshesOnceAndReconnects(t *testing.T) {
	tr := newFakeTransport()
	src := &fakeSource{}
	c := startChannel(t, tr, src)
	events, cancel, err := c.DeviceEvents("dev-1")
	require.NoError(t, err)
	defer cancel()

	states, stop := c.States()
	defer stop()
	assert.Equal(t, StateConnected, <-states)

	tr.disrupt()
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, "AKIA-1", tr.lastCredential().AccessKeyID)
	assert.Equal(t, StateDisrupted, <-states)
	assert.Equal(t, StateConnected, <-states)

	// subscriptions survive the reconnect
	assert.Equal(t, 2, tr.subscribes)
	tr.deliver("$aws/things/dev-1/shadow/name/status/update/accepted", `{"state":{"reported":{"operationMode":1}}}`)
	select {
	case r := <-events:
		assert.True(t, r.PowerOn())
	case <-time.After(time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestRefreshFailureStaysDisconnected(t *testing.T) {
	tr := newFakeTransport()
	src := &fakeSource{}
	c := startChannel(t, tr, src)
	src.fail(apperrors.NewAuthError(apperrors.AuthRefreshTokenExpired, "no data"))

	tr.disrupt()
	require.Eventually(t, func() bool {
		return !c.refreshing.Load() && c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, tr.connectCount(), "no reconnect without a credential")

	// nothing happens until the next disruption
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())

	src.err.Store(nil)
	tr.disrupt()
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestReconnectFailureIsLogged(t *testing.T) {
	tr := newFakeTransport()
	src := &fakeSource{}
	c := startChannel(t, tr, src)

	tr.mu.Lock()
	tr.connectErr = apperrors.Transient("broker connect", errors.New("refused"))
	tr.mu.Unlock()

	tr.disrupt()
	require.Eventually(t, func() bool {
		return !c.refreshing.Load() && c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tr.connectCount())
}

func TestDisruptionsDuringRefreshAreCoalesced(t *testing.T) {
	tr := newFakeTransport()
	src := &fakeSource{gate: make(chan struct{})}
	c := startChannel(t, tr, src)

	for i := 0; i < 5; i++ {
		tr.disrupt()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(src.gate)
	require.Eventually(t, func() bool { return tr.connectCount() == 2 && !c.refreshing.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestDeviceEventsKeepOnlyReported(t *testing.T) {
	tr := newFakeTransport()
	c := startChannel(t, tr, &fakeSource{})

	events, cancel, err := c.DeviceEvents("dev-1")
	require.NoError(t, err)
	defer cancel()
	_, cancel2, err := c.DeviceEvents("dev-1")
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, 2, tr.subscribes, "one subscription per topic")

	get := "$aws/things/dev-1/shadow/name/status/get/accepted"
	tr.deliver(get, `{"state":{"desired":{"operationMode":1}}}`)
	tr.deliver(get, `not json`)
	tr.deliver(get, `{"state":{"reported":{"operationMode":1,"heater":{"left":{"enable":true,"temperature":{"set":36.5}}}}},"version":4}`)

	require.Len(t, events, 1)
	r := <-events
	assert.True(t, r.PowerOn())
	assert.Equal(t, 36.5, r.Heater.Left.Temperature.Set)

	_, _, err = c.DeviceEvents("")
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestCloseEndsStreams(t *testing.T) {
	tr := newFakeTransport()
	c := NewChannel(tr, &fakeSource{})
	require.NoError(t, c.Start(context.Background(), initialCredential()))
	events, _, err := c.DeviceEvents("dev-1")
	require.NoError(t, err)
	states, _ := c.States()
	<-states

	c.Close()
	_, open := <-events
	assert.False(t, open)
	_, open = <-states
	assert.False(t, open)
	assert.True(t, tr.closed)

	// a late disruption after close does not refresh
	tr.disrupt()
	assert.Never(t, func() bool { return tr.connectCount() > 1 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestDisruptionRacingCloseStartsNoRecovery(t *testing.T) {
	tr := newFakeTransport()
	src := &fakeSource{}
	c := NewChannel(tr, src)
	require.NoError(t, c.Start(context.Background(), initialCredential()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.disrupt()
		}()
	}
	c.Close()
	wg.Wait()

	calls := src.calls.Load()
	tr.disrupt()
	assert.Never(t, func() bool { return src.calls.Load() > calls }, 30*time.Millisecond, 5*time.Millisecond)
}
