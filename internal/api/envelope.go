package api

import (
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/envelope"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/session"
)

// EnvelopeHandler serves ciphertext submission and inbox reads. Payloads are
// opaque to the server end to end.
type EnvelopeHandler struct {
	engine *envelope.Engine
	log    zerolog.Logger
}

// NewEnvelopeHandler creates a new envelope handler.
func NewEnvelopeHandler(engine *envelope.Engine, logger zerolog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{engine: engine, log: logger}
}

// SendDirect handles POST /api/v1/messages/direct. The client supplies one
// ciphertext per recipient device.
func (h *EnvelopeHandler) SendDirect(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		MessageID  string `json:"message_id"`
		CipherKind int    `json:"cipher_kind"`
		Items      []struct {
			ReceiverUserID   string `json:"receiver_user_id"`
			ReceiverDeviceID int    `json:"receiver_device_id"`
			Payload          string `json:"payload"`
		} `json:"items"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	messageID, err := uuid.Parse(body.MessageID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid message id")
	}
	if len(body.Items) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "items must not be empty")
	}

	items := make([]envelope.DirectItem, len(body.Items))
	for i, it := range body.Items {
		receiverID, err := uuid.Parse(it.ReceiverUserID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid receiver user id")
		}
		payload, err := base64.StdEncoding.DecodeString(it.Payload)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "payload must be base64")
		}
		items[i] = envelope.DirectItem{
			ReceiverUserID:   receiverID,
			ReceiverDeviceID: it.ReceiverDeviceID,
			Payload:          payload,
		}
	}

	stored, err := h.engine.SendDirect(c.Context(), messageID, p.UserID, p.DeviceID, body.CipherKind, items)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"stored": stored})
}

// SendGroup handles POST /api/v1/channels/:channelID/messages. One ciphertext
// fans out to every device of every channel recipient.
func (h *EnvelopeHandler) SendGroup(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	var body struct {
		MessageID  string `json:"message_id"`
		CipherKind int    `json:"cipher_kind"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	messageID, err := uuid.Parse(body.MessageID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid message id")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "ciphertext must be base64")
	}

	stored, err := h.engine.SendGroup(c.Context(), channelID, messageID, ciphertext, p.UserID, p.DeviceID, body.CipherKind)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"stored": stored})
}

// ReadDirect handles GET /api/v1/messages/direct/:userID, the calling
// device's direct inbox with one peer.
func (h *EnvelopeHandler) ReadDirect(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	peerID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	envs, err := h.engine.Repo().ReadDirect(c.Context(), p.UserID, p.DeviceID, peerID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"envelopes": envs})
}

// ReadChannel handles GET /api/v1/channels/:channelID/messages.
func (h *EnvelopeHandler) ReadChannel(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	envs, err := h.engine.Repo().ReadChannel(c.Context(), p.UserID, p.DeviceID, channelID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"envelopes": envs})
}

// ReadAllChannels handles GET /api/v1/messages/channels, the calling device's
// inbox across every channel.
func (h *EnvelopeHandler) ReadAllChannels(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	envs, err := h.engine.Repo().ReadAllChannels(c.Context(), p.UserID, p.DeviceID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"envelopes": envs})
}

// Delete handles DELETE /api/v1/messages/:messageID. Optional query
// parameters narrow the deletion to one receiver user or device.
func (h *EnvelopeHandler) Delete(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	messageID, err := uuid.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid message id")
	}

	var receiverUserID *uuid.UUID
	if raw := c.Query("receiver_user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid receiver user id")
		}
		receiverUserID = &id
	}
	var receiverDeviceID *int
	if raw := c.Query("receiver_device_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 1 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid receiver device id")
		}
		receiverDeviceID = &id
	}

	deleted, err := h.engine.Delete(c.Context(), p.UserID, messageID, receiverUserID, receiverDeviceID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"deleted": deleted})
}

// mapError converts envelope-layer errors to wire responses.
func (h *EnvelopeHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, envelope.ErrEmptyPayload):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Envelope payload must not be empty")
	case errors.Is(err, envelope.ErrChannelNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.ChannelNotFound, "Channel not found")
	case errors.Is(err, envelope.ErrNotMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.NotMember, "Sender is not a member of the channel")
	case errors.Is(err, envelope.ErrForbidden):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "Caller is neither sender nor receiver")
	case errors.Is(err, envelope.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "No matching envelopes")
	default:
		h.log.Error().Err(err).Str("handler", "envelope").Msg("unhandled envelope error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}
