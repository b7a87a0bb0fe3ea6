package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/session"
)

// DeviceHandler serves the caller's device registry.
type DeviceHandler struct {
	devices *device.Registry
	log     zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(devices *device.Registry, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, log: logger}
}

// deviceView is the wire shape of one device.
type deviceView struct {
	DeviceID    int    `json:"device_id"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Location    string `json:"location,omitempty"`
	HasIdentity bool   `json:"has_identity"`
	CreatedAt   int64  `json:"created_at"`
	LastSeen    int64  `json:"last_seen"`
	Current     bool   `json:"current"`
}

// List handles GET /api/v1/devices. Client handles stay server-side; devices
// are addressed by their per-user number.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	devices, err := h.devices.List(c.Context(), p.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "device").Msg("list devices failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}

	views := make([]deviceView, len(devices))
	for i, d := range devices {
		views[i] = deviceView{
			DeviceID:    d.DeviceID,
			IP:          d.IP,
			UserAgent:   d.UserAgent,
			Location:    d.Location,
			HasIdentity: len(d.IdentityKey) > 0,
			CreatedAt:   d.CreatedAt.Unix(),
			LastSeen:    d.LastSeen.Unix(),
			Current:     d.DeviceID == p.DeviceID,
		}
	}
	return httputil.Success(c, views)
}

// Remove handles DELETE /api/v1/devices/:deviceID. The caller's current
// device is refused; its pre-keys, sessions, and refresh tokens cascade.
func (h *DeviceHandler) Remove(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	deviceID, err := strconv.Atoi(c.Params("deviceID"))
	if err != nil || deviceID < 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid device id")
	}

	if err := h.devices.Remove(c.Context(), p.UserID, deviceID, p.DeviceID); err != nil {
		switch {
		case errors.Is(err, device.ErrCurrentDevice):
			return httputil.Fail(c, fiber.StatusConflict, apierr.CurrentDeviceRefused, "The current device cannot remove itself; log out instead")
		case errors.Is(err, device.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, apierr.DeviceNotFound, "No such device")
		default:
			h.log.Error().Err(err).Str("handler", "device").Msg("remove device failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
		}
	}
	return httputil.Success(c, fiber.Map{"status": "removed"})
}
