package api

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/prekey"
	"github.com/quiethall/quiethall-server/internal/session"
)

// KeyHandler serves per-device key material: identity keys, signed pre-keys,
// one-time pre-key pools, bundle fetches, and state sync.
type KeyHandler struct {
	store   *prekey.Store
	devices *device.Registry
	log     zerolog.Logger
}

// NewKeyHandler creates a new key handler.
func NewKeyHandler(store *prekey.Store, devices *device.Registry, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{store: store, devices: devices, log: logger}
}

// SetIdentity handles PUT /api/v1/keys/identity for the calling device.
func (h *KeyHandler) SetIdentity(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		IdentityKey    string `json:"identity_key"`
		RegistrationID int64  `json:"registration_id"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	key, err := base64.StdEncoding.DecodeString(body.IdentityKey)
	if err != nil || len(key) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "identity_key must be base64")
	}

	if err := h.devices.SetIdentity(c.Context(), p.UserID, p.DeviceID, key, body.RegistrationID); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierr.DeviceNotFound, "No such device")
		}
		h.log.Error().Err(err).Str("handler", "keys").Msg("set identity failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"status": "stored"})
}

// PublishSigned handles PUT /api/v1/keys/signed. Signed pre-keys append to
// the device's chain; older entries stay resolvable for in-flight sessions.
func (h *KeyHandler) PublishSigned(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		PreKeyID int64  `json:"prekey_id"`
		Blob     string `json:"blob"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	blob, err := base64.StdEncoding.DecodeString(body.Blob)
	if err != nil || len(blob) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "blob must be base64")
	}

	if err := h.store.PublishSigned(c.Context(), p.UserID, p.DeviceID, body.PreKeyID, blob); err != nil {
		h.log.Error().Err(err).Str("handler", "keys").Msg("publish signed prekey failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"status": "stored"})
}

// PublishOneTime handles PUT /api/v1/keys/one-time. Large batches that
// exceed the soft write deadline are answered with 202 while the write
// finishes in the background.
func (h *KeyHandler) PublishOneTime(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		Keys []struct {
			PreKeyID int64  `json:"prekey_id"`
			Blob     string `json:"blob"`
		} `json:"keys"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if len(body.Keys) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "keys must not be empty")
	}

	keys := make([]prekey.OneTimePreKey, len(body.Keys))
	for i, k := range body.Keys {
		blob, err := base64.StdEncoding.DecodeString(k.Blob)
		if err != nil || len(blob) == 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "every blob must be base64")
		}
		keys[i] = prekey.OneTimePreKey{PreKeyID: k.PreKeyID, Blob: blob}
	}

	deferred, err := h.store.PublishBulk(c.Context(), p.UserID, p.DeviceID, keys)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "keys").Msg("publish one-time prekeys failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	if deferred {
		return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"status": "accepted"})
	}
	return httputil.Success(c, fiber.Map{"status": "stored"})
}

// FetchBundle handles GET /api/v1/keys/bundle/:userID. One fetch yields the
// material for every device of the target and of the requester's own account.
func (h *KeyHandler) FetchBundle(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	targetID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	bundles, err := h.store.FetchBundle(c.Context(), targetID, p.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "keys").Msg("fetch bundle failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"bundles": bundles})
}

// Status handles GET /api/v1/keys/status for the calling device.
func (h *KeyHandler) Status(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	status, err := h.store.MinimalStatus(c.Context(), p.UserID, p.DeviceID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "keys").Msg("key status failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, status)
}

// Sync handles POST /api/v1/keys/sync. The device reports what it believes it
// holds and receives the delta against the server's state.
func (h *KeyHandler) Sync(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var claimed prekey.ClientState
	if err := c.Bind().Body(&claimed); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}

	report, err := h.store.ValidateAndSync(c.Context(), p.UserID, p.DeviceID, claimed)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "keys").Msg("key sync failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, report)
}
