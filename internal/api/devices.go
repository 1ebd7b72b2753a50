package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
)

func (c *Client) scope() (url.Values, error) {
	u, ok := c.sessions.User()
	if !ok {
		return nil, apperrors.ErrNotReady
	}
	return url.Values{
		"familySeq": {strconv.FormatInt(u.HomeSeq, 10)},
		"userSeq":   {strconv.FormatInt(u.UserSeq, 10)},
	}, nil
}

// GetDevices lists the devices registered to the user's home.
func (c *Client) GetDevices(ctx context.Context) ([]models.Device, error) {
	q, err := c.scope()
	if err != nil {
		return nil, err
	}
	var data models.DevicesData
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/devices", Query: q}, &data); err != nil {
		return nil, err
	}
	return data.Devices, nil
}

// InitializeDevice sends an empty desired state so the device publishes its
// current state on the shadow topics.
func (c *Client) InitializeDevice(ctx context.Context, d models.Device) error {
	return c.control(ctx, d, nil)
}

func (c *Client) SetPower(ctx context.Context, d models.Device, on bool) error {
	mode := models.OperationOff
	if on {
		mode = models.OperationOn
	}
	return c.control(ctx, d, map[string]interface{}{"operationMode": mode})
}

// SetTemperature sets both heater sides after checking the device's range
// and step.
func (c *Client) SetTemperature(ctx context.Context, d models.Device, celsius float64) error {
	if err := ValidateTemperature(d.HeatControl(), celsius); err != nil {
		return err
	}
	side := map[string]interface{}{
		"enable":      true,
		"temperature": map[string]interface{}{"set": celsius},
	}
	return c.control(ctx, d, map[string]interface{}{
		"heater": map[string]interface{}{"left": side, "right": side},
	})
}

// ValidateTemperature checks celsius against the heat control bounds.
func ValidateTemperature(hc models.HeatControl, celsius float64) error {
	if celsius < hc.RangeMin || celsius > hc.RangeMax {
		return apperrors.Wrapf(apperrors.ErrInvalidArgument, "temperature must be between %g and %g, got %g", hc.RangeMin, hc.RangeMax, celsius)
	}
	step := hc.Step()
	if r := math.Mod(celsius, step); r > 1e-9 && step-r > 1e-9 {
		return apperrors.Wrapf(apperrors.ErrInvalidArgument, "temperature must be a multiple of %g, got %g", step, celsius)
	}
	return nil
}

func (c *Client) control(ctx context.Context, d models.Device, desired map[string]interface{}) error {
	q, err := c.scope()
	if err != nil {
		return err
	}
	modelCode, err := strconv.Atoi(strings.TrimSpace(d.ModelCode))
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidArgument, "device %s has model code %q", d.DeviceID, d.ModelCode)
	}
	state := map[string]interface{}{"event": map[string]interface{}{"modelCode": modelCode}}
	for k, v := range desired {
		state[k] = v
	}
	topic := models.ShadowTopic(d.DeviceID) + "/update"
	body, err := json.Marshal(models.ControlRequest{
		ServiceCode: d.ServiceCode,
		Topic:       topic,
		Payload:     models.ControlPayload{State: models.ControlState{Desired: state}},
	})
	if err != nil {
		return err
	}
	// the vendor app sends the topic with escaped slashes
	body = bytes.Replace(body, []byte(topic), []byte(strings.ReplaceAll(topic, "/", `\/`)), 1)

	req := Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/devices/%d/control", d.DeviceSeq),
		Query:  q,
		Body:   body,
	}
	return c.Do(ctx, req, nil)
}
