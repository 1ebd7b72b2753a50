// Package bridge ties the session manager, the device API and the cloud
// channel together into the surface the host talks to.
package bridge

import (
	"context"
	"sync"

	"github.com/navibridge/navibridge/internal/cloud"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/internal/sessions"
	"github.com/navibridge/navibridge/pkg/logger"
)

// Sessions is the part of the session manager the bridge drives.
type Sessions interface {
	Ready(ctx context.Context) error
	CloudCredential(ctx context.Context) (credentials.CloudCredential, error)
	User() (credentials.UserIdentity, bool)
	Status() sessions.Status
}

type DeviceAPI interface {
	GetDevices(ctx context.Context) ([]models.Device, error)
	InitializeDevice(ctx context.Context, d models.Device) error
	SetPower(ctx context.Context, d models.Device, on bool) error
	SetTemperature(ctx context.Context, d models.Device, celsius float64) error
}

// EventChannel is the broker side: connection state plus device events.
type EventChannel interface {
	Start(ctx context.Context, cred credentials.CloudCredential) error
	DeviceEvents(deviceID string) (<-chan models.ReportedState, func(), error)
	State() cloud.ConnectionState
	Close()
}

// ChannelFactory builds the event channel once the user's home is known.
type ChannelFactory func(user credentials.UserIdentity) EventChannel

type Service struct {
	sessions   Sessions
	api        DeviceAPI
	newChannel ChannelFactory

	mu      sync.Mutex
	channel EventChannel
	home    int64
	devices map[string]*Device
	order   []string
}

func NewService(s Sessions, api DeviceAPI, newChannel ChannelFactory) *Service {
	return &Service{
		sessions:   s,
		api:        api,
		newChannel: newChannel,
		devices:    make(map[string]*Device),
	}
}

// Ready makes the session usable and starts the cloud channel with the
// current cloud credential. A channel that gave up reconnecting, or that was
// built for another home, is replaced together with its device mirrors.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.sessions.Ready(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.sessions.User()
	if !ok {
		return apperrors.ErrNotReady
	}
	if s.channel != nil {
		if s.home == user.HomeSeq && s.channel.State() != cloud.StateDisconnected {
			return nil
		}
		logger.Warnf("cloud channel for home %d is %s; rebuilding", s.home, s.channel.State())
		s.closeLocked()
	}
	cred, err := s.sessions.CloudCredential(ctx)
	if err != nil {
		return apperrors.Wrapf(err, "cloud credential")
	}
	ch := s.newChannel(user)
	if err := ch.Start(ctx, cred); err != nil {
		ch.Close()
		return err
	}
	s.channel = ch
	s.home = user.HomeSeq
	logger.Infof("bridge ready for home %d", user.HomeSeq)
	return nil
}

// Devices lists the home's devices. New devices get a state mirror and are
// asked to publish their current state; initialization failures are logged.
func (s *Service) Devices(ctx context.Context) ([]*Device, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	list, err := s.api.GetDevices(ctx)
	if err != nil {
		logger.Errorf("failed to get devices: %v", err)
		return nil, err
	}

	var fresh []*Device
	s.mu.Lock()
	seen := make(map[string]bool, len(list))
	order := make([]string, 0, len(list))
	for _, info := range list {
		seen[info.DeviceID] = true
		order = append(order, info.DeviceID)
		if _, ok := s.devices[info.DeviceID]; ok {
			continue
		}
		events, stop, err := s.channel.DeviceEvents(info.DeviceID)
		if err != nil {
			logger.Errorf("subscribe to device %s: %v", info.DeviceID, err)
			events, stop = closedEvents()
		}
		d := NewDevice(info, events, stop)
		s.devices[info.DeviceID] = d
		fresh = append(fresh, d)
	}
	for id, d := range s.devices {
		if !seen[id] {
			d.close()
			delete(s.devices, id)
		}
	}
	s.order = order
	out := s.listLocked()
	s.mu.Unlock()

	names := make([]string, 0, len(out))
	for _, d := range out {
		names = append(names, d.Name())
	}
	logger.Debugf("devices: %v", names)

	for _, d := range fresh {
		if err := s.api.InitializeDevice(ctx, d.Info()); err != nil {
			logger.Errorf("failed to initialize device %s: %v", d.Name(), err)
		}
	}
	return out, nil
}

// Device returns a device seen by the last Devices call.
func (s *Service) Device(id string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrDeviceNotFound, "device %s", id)
	}
	return d, nil
}

// device resolves id for a command, re-running discovery once when the
// mirror is missing, as it is after the channel was rebuilt.
func (s *Service) device(ctx context.Context, id string) (*Device, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	d, err := s.Device(id)
	if !apperrors.Is(err, apperrors.ErrDeviceNotFound) {
		return d, err
	}
	if _, err := s.Devices(ctx); err != nil {
		return nil, err
	}
	return s.Device(id)
}

func (s *Service) SetPower(ctx context.Context, id string, on bool) error {
	d, err := s.device(ctx, id)
	if err != nil {
		return err
	}
	logger.Debugf("setting power to %t for %s", on, d.Name())
	if err := s.api.SetPower(ctx, d.Info(), on); err != nil {
		logger.Errorf("failed to set power to %t for %s: %v", on, d.Name(), err)
		return err
	}
	return nil
}

func (s *Service) SetTemperature(ctx context.Context, id string, celsius float64) error {
	d, err := s.device(ctx, id)
	if err != nil {
		return err
	}
	logger.Debugf("setting temperature to %g for %s", celsius, d.Name())
	if err := s.api.SetTemperature(ctx, d.Info(), celsius); err != nil {
		logger.Errorf("failed to set temperature to %g for %s: %v", celsius, d.Name(), err)
		return err
	}
	return nil
}

// Status reports the session and broker state without secrets.
type Status struct {
	Session sessions.Status       `json:"session"`
	Broker  cloud.ConnectionState `json:"broker"`
	Devices int                   `json:"devices"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Session: s.sessions.Status(), Broker: cloud.StateDisconnected, Devices: len(s.devices)}
	if s.channel != nil {
		st.Broker = s.channel.State()
	}
	return st
}

// IsReady reports whether Ready has completed and the channel is running.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil && s.sessions.Status().Ready
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Service) closeLocked() {
	for id, d := range s.devices {
		d.close()
		delete(s.devices, id)
	}
	s.order = nil
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
}

func (s *Service) listLocked() []*Device {
	out := make([]*Device, 0, len(s.order))
	for _, id := range s.order {
		if d, ok := s.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func closedEvents() (<-chan models.ReportedState, func()) {
	ch := make(chan models.ReportedState)
	close(ch)
	return ch, func() {}
}
