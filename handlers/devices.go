package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navibridge/navibridge/internal/bridge"
	apperrors "github.com/navibridge/navibridge/internal/errors"
)

// Bridge is what the device routes need from the bridge service.
type Bridge interface {
	Devices(ctx context.Context) ([]*bridge.Device, error)
	Device(id string) (*bridge.Device, error)
	SetPower(ctx context.Context, id string, on bool) error
	SetTemperature(ctx context.Context, id string, celsius float64) error
	Status() bridge.Status
}

type PowerRequest struct {
	On *bool `json:"on" binding:"required"`
}

type TemperatureRequest struct {
	Celsius *float64 `json:"celsius" binding:"required"`
}

// DeviceHandler serves the device list, commands and session status.
type DeviceHandler struct {
	bridge Bridge
}

func NewDeviceHandler(b Bridge) *DeviceHandler {
	return &DeviceHandler{bridge: b}
}

// Register routes under rg (normally /api/v1)
func (h *DeviceHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/devices", h.List)
	rg.GET("/devices/:id", h.Get)
	rg.POST("/devices/:id/power", h.SetPower)
	rg.POST("/devices/:id/temperature", h.SetTemperature)
	rg.GET("/session", h.Session)
}

func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.bridge.Devices(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	views := make([]bridge.View, 0, len(devices))
	for _, d := range devices {
		views = append(views, d.View())
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

func (h *DeviceHandler) Get(c *gin.Context) {
	d, err := h.bridge.Device(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d.View())
}

func (h *DeviceHandler) SetPower(c *gin.Context) {
	var req PowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.bridge.SetPower(c.Request.Context(), c.Param("id"), *req.On); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "on": *req.On})
}

func (h *DeviceHandler) SetTemperature(c *gin.Context) {
	var req TemperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.bridge.SetTemperature(c.Request.Context(), c.Param("id"), *req.Celsius); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "celsius": *req.Celsius})
}

// Session returns expiries and states only. Tokens never leave the process.
func (h *DeviceHandler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.Status())
}

func abortWithError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var cfgErr *apperrors.ConfigurationError
	if apperrors.As(err, &cfgErr) {
		body["property"] = cfgErr.Property
	}
	var authErr *apperrors.AuthError
	if apperrors.As(err, &authErr) {
		body["reason"] = authErr.Reason
		if authErr.RemainingAttempts >= 0 {
			body["remainingAttempts"] = authErr.RemainingAttempts
		}
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(err), body)
}
