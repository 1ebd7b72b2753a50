package models

import (
	"encoding/json"
	"strconv"
)

// Device is the subset of the vendor device record the bridge relies on.
type Device struct {
	DeviceSeq   int64      `json:"deviceSeq"`
	ServiceCode int        `json:"serviceCode"`
	DeviceID    string     `json:"deviceId"`
	ModelCode   string     `json:"modelCode"`
	ModelName   string     `json:"modelName"`
	Connected   int        `json:"connected"`
	Properties  Properties `json:"Properties"`
}

type Properties struct {
	NickName NickName `json:"nickName"`
	Registry Registry `json:"registry"`
}

type NickName struct {
	MainItem string `json:"mainItem"`
}

type Registry struct {
	Attributes Attributes `json:"attributes"`
}

type Attributes struct {
	Functions Functions `json:"functions"`
}

type Functions struct {
	PowerCtrl   bool        `json:"powerCtrl"`
	LockMode    bool        `json:"lockMode"`
	HeatControl HeatControl `json:"heatControl"`
}

// HeatControl bounds the settable temperature. Unit arrives as a string.
type HeatControl struct {
	Unit       string  `json:"unit"`
	SafeValue  float64 `json:"safeValue"`
	RangeMax   float64 `json:"rangeMax"`
	RangeMin   float64 `json:"rangeMin"`
	EnableSafe bool    `json:"enableSafe"`
}

// Step parses Unit, defaulting to 1.
func (h HeatControl) Step() float64 {
	v, err := strconv.ParseFloat(h.Unit, 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}

func (d Device) Name() string {
	if d.Properties.NickName.MainItem != "" {
		return d.Properties.NickName.MainItem
	}
	return d.ModelName
}

func (d Device) HeatControl() HeatControl {
	return d.Properties.Registry.Attributes.Functions.HeatControl
}

type DevicesData struct {
	Devices []Device `json:"devices"`
}

// ControlRequest is posted to /devices/{deviceSeq}/control.
type ControlRequest struct {
	ServiceCode int            `json:"serviceCode"`
	Topic       string         `json:"topic"`
	Payload     ControlPayload `json:"payload"`
}

type ControlPayload struct {
	State ControlState `json:"state"`
}

type ControlState struct {
	Desired map[string]interface{} `json:"desired"`
}

// ShadowTopic is the named device shadow topic prefix shared by the control
// endpoint and the broker.
func ShadowTopic(deviceID string) string {
	return "$aws/things/" + deviceID + "/shadow/name/status"
}

// OperationMode values reported and desired in the device shadow.
const (
	OperationOff = 0
	OperationOn  = 1
)

// DeviceEvent is a shadow document delivered on get/accepted or update/accepted.
type DeviceEvent struct {
	State     EventState      `json:"state"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"` // epoch millis
}

type EventState struct {
	Desired  json.RawMessage `json:"desired,omitempty"`
	Reported *ReportedState  `json:"reported,omitempty"`
}

type ReportedState struct {
	Connected     bool        `json:"connected"`
	ErrorCode     int         `json:"errorCode"`
	OperationMode int         `json:"operationMode"`
	ChildLock     bool        `json:"childLock"`
	Heater        HeaterState `json:"heater"`
}

type HeaterState struct {
	Left  HeaterSide `json:"left"`
	Right HeaterSide `json:"right"`
}

type HeaterSide struct {
	Enable      bool `json:"enable"`
	Temperature struct {
		Set float64 `json:"set"`
	} `json:"temperature"`
}

func (r ReportedState) PowerOn() bool {
	return r.OperationMode == OperationOn
}
