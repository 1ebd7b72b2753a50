package bridge

import (
	"math"
	"sync"

	"github.com/navibridge/navibridge/internal/cloud"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/pkg/logger"
)

const (
	defaultPower       = false
	defaultTemperature = 30.0
)

// Device mirrors one mat's power and temperature from its reported shadow
// state. Values only emit when they change.
type Device struct {
	info        models.Device
	power       *cloud.Subject[bool]
	temperature *cloud.Subject[float64]

	stop     func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewDevice starts mirroring events until stop closes the stream.
func NewDevice(info models.Device, events <-chan models.ReportedState, stop func()) *Device {
	d := &Device{
		info:        info,
		power:       cloud.NewSubject(defaultPower),
		temperature: cloud.NewSubject(defaultTemperature),
		stop:        stop,
		done:        make(chan struct{}),
	}
	go d.watch(events)
	return d
}

func (d *Device) watch(events <-chan models.ReportedState) {
	defer close(d.done)
	for r := range events {
		d.apply(r)
	}
}

// apply takes the left side as the mat's temperature.
func (d *Device) apply(r models.ReportedState) {
	power, temp := r.PowerOn(), r.Heater.Left.Temperature.Set
	logger.Debugf("device %s reported power=%t temperature=%g", d.ID(), power, temp)
	d.power.Publish(power)
	d.temperature.Publish(temp)
}

func (d *Device) ID() string           { return d.info.DeviceID }
func (d *Device) Name() string         { return d.info.Name() }
func (d *Device) Info() models.Device  { return d.info }
func (d *Device) Power() bool          { return d.power.Value() }
func (d *Device) Temperature() float64 { return d.temperature.Value() }

func (d *Device) PowerChanges() (<-chan bool, func()) {
	return d.power.Subscribe(4)
}

func (d *Device) TemperatureChanges() (<-chan float64, func()) {
	return d.temperature.Subscribe(4)
}

// IsIdle reports a mat that is on but held one step below its minimum, which
// is how the controller parks a mat that is not heating.
func (d *Device) IsIdle() bool {
	hc := d.info.HeatControl()
	idle := hc.RangeMin - hc.Step()
	return d.Power() && math.Abs(d.Temperature()-idle) < 1e-9
}

// View is the JSON shape served to the host.
type View struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Power       bool    `json:"power"`
	Temperature float64 `json:"temperature"`
	Idle        bool    `json:"idle"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Step        float64 `json:"step"`
}

func (d *Device) View() View {
	hc := d.info.HeatControl()
	return View{
		ID:          d.ID(),
		Name:        d.Name(),
		Model:       d.info.ModelName,
		Power:       d.Power(),
		Temperature: d.Temperature(),
		Idle:        d.IsIdle(),
		Min:         hc.RangeMin,
		Max:         hc.RangeMax,
		Step:        hc.Step(),
	}
}

// close ends the event subscription and the change streams.
func (d *Device) close() {
	d.stopOnce.Do(func() {
		d.stop()
		<-d.done
		d.power.Close()
		d.temperature.Close()
	})
}
