// Package cloud keeps the device shadow subscription alive and recovers it
// with a fresh cloud credential when the broker drops the connection.
package cloud

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/navibridge/navibridge/pkg/metrics"
)

type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	// StateDisrupted means the broker dropped a live connection, usually
	// because the cloud credential expired.
	StateDisrupted ConnectionState = "connection_disrupted"
)

// CredentialSource hands out a newly derived cloud credential.
type CredentialSource interface {
	RefreshCloudCredential(ctx context.Context) (credentials.CloudCredential, error)
}

// MessageHandler receives raw broker messages.
type MessageHandler func(topic string, payload []byte)

// Transport is a broker connection whose subscriptions survive reconnects.
type Transport interface {
	// Connect (re)establishes the connection with cred, replacing any
	// existing one, and restores every registered subscription.
	Connect(ctx context.Context, cred credentials.CloudCredential) error
	Disconnect()
	Subscribe(topic string, handler MessageHandler) error
	// OnStateChange registers the callback for connection transitions.
	OnStateChange(fn func(ConnectionState, error))
}

// Channel exposes connection transitions and per-device reported state.
type Channel struct {
	transport Transport
	creds     CredentialSource

	ctx    context.Context
	cancel context.CancelFunc

	states     *Subject[ConnectionState]
	cred       atomic.Pointer[credentials.CloudCredential]
	refreshing atomic.Bool
	started    atomic.Bool

	// life guards closing so no recovery goroutine is added once Close waits.
	life    sync.Mutex
	closing bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	devices map[string]*eventStream
}

func NewChannel(t Transport, creds CredentialSource) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: t,
		creds:     creds,
		ctx:       ctx,
		cancel:    cancel,
		states:    NewSubject(StateDisconnected),
		devices:   make(map[string]*eventStream),
	}
	t.OnStateChange(c.handleState)
	return c
}

// Start connects with cred. Calling it again after a successful start is a
// no-op.
func (c *Channel) Start(ctx context.Context, cred credentials.CloudCredential) error {
	if c.started.Load() {
		return nil
	}
	if cred.AccessKeyID == "" || cred.SecretKey == "" {
		return apperrors.Wrapf(apperrors.ErrInvalidArgument, "cloud credential is incomplete")
	}
	c.cred.Store(&cred)
	if err := c.transport.Connect(ctx, cred); err != nil {
		return apperrors.Wrapf(err, "connect to broker")
	}
	c.started.Store(true)
	return nil
}

// State returns the latest connection state.
func (c *Channel) State() ConnectionState {
	return c.states.Value()
}

// States streams connection transitions, starting with the current one.
func (c *Channel) States() (<-chan ConnectionState, func()) {
	return c.states.Subscribe(8)
}

// Credential returns the credential the channel last connected with.
func (c *Channel) Credential() (credentials.CloudCredential, bool) {
	p := c.cred.Load()
	if p == nil {
		return credentials.CloudCredential{}, false
	}
	return *p, true
}

// DeviceEvents subscribes to the device's shadow get/update accepted topics
// and streams the reported section of each event. Events without a reported
// section are dropped.
func (c *Channel) DeviceEvents(deviceID string) (<-chan models.ReportedState, func(), error) {
	if deviceID == "" {
		return nil, nil, apperrors.Wrapf(apperrors.ErrInvalidArgument, "empty device id")
	}
	c.mu.Lock()
	s, ok := c.devices[deviceID]
	if !ok {
		s = newEventStream()
		c.devices[deviceID] = s
	}
	c.mu.Unlock()

	if !ok {
		prefix := models.ShadowTopic(deviceID)
		for _, topic := range []string{prefix + "/get/accepted", prefix + "/update/accepted"} {
			if err := c.transport.Subscribe(topic, c.dispatch(s)); err != nil {
				c.mu.Lock()
				delete(c.devices, deviceID)
				c.mu.Unlock()
				return nil, nil, apperrors.Wrapf(err, "subscribe %s", topic)
			}
		}
	}
	ch, cancel := s.subscribe(16)
	return ch, cancel, nil
}

func (c *Channel) dispatch(s *eventStream) MessageHandler {
	return func(topic string, payload []byte) {
		var ev models.DeviceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Warnf("drop malformed shadow event on %s: %v", topic, err)
			return
		}
		if ev.State.Reported == nil {
			logger.Debugf("drop shadow event without reported state on %s", topic)
			return
		}
		s.emit(*ev.State.Reported)
	}
}

// handleState is called by the transport. A disruption triggers exactly one
// credential refresh; a disruption seen while one is in flight is ignored.
func (c *Channel) handleState(state ConnectionState, err error) {
	metrics.BrokerState.WithLabelValues(string(state)).Inc()
	if err != nil {
		logger.Warnf("broker %s: %v", state, err)
	} else {
		logger.Infof("broker %s", state)
	}
	c.states.Emit(state)

	if state != StateDisrupted {
		return
	}
	c.life.Lock()
	defer c.life.Unlock()
	if c.closing || !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.refreshing.Store(false)
		c.recoverConnection()
	}()
}

// recoverConnection refreshes the cloud credential once and reconnects with
// it. On failure the channel stays disconnected until the next disruption.
func (c *Channel) recoverConnection() {
	cred, err := c.creds.RefreshCloudCredential(c.ctx)
	if err != nil {
		logger.Errorf("cloud credential refresh after disruption failed: %v", err)
		c.states.Emit(StateDisconnected)
		return
	}
	c.cred.Store(&cred)
	if err := c.transport.Connect(c.ctx, cred); err != nil {
		logger.Errorf("broker reconnect failed: %v", err)
		c.states.Emit(StateDisconnected)
	}
}

// Close disconnects and ends every stream.
func (c *Channel) Close() {
	c.life.Lock()
	c.closing = true
	c.cancel()
	c.life.Unlock()
	c.wg.Wait()
	c.transport.Disconnect()
	c.states.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.devices {
		s.close()
		delete(c.devices, id)
	}
}

// eventStream fans reported states out to subscribers without replay.
type eventStream struct {
	mu     sync.Mutex
	subs   map[int]chan models.ReportedState
	next   int
	closed bool
}

func newEventStream() *eventStream {
	return &eventStream{subs: make(map[int]chan models.ReportedState)}
}

func (s *eventStream) emit(r models.ReportedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		offer(ch, r)
	}
}

func (s *eventStream) subscribe(buffer int) (<-chan models.ReportedState, func()) {
	ch := make(chan models.ReportedState, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
