package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/channel"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/rtc"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
)

// RTCHandler brokers access to the external media plane: SFU room tokens and
// TURN/STUN configuration.
type RTCHandler struct {
	minter   *rtc.Minter
	ice      *rtc.ICEConfig
	channels channel.Repository
	users    user.Repository
	log      zerolog.Logger
}

// NewRTCHandler creates a new media access handler.
func NewRTCHandler(minter *rtc.Minter, ice *rtc.ICEConfig, channels channel.Repository, users user.Repository, logger zerolog.Logger) *RTCHandler {
	return &RTCHandler{minter: minter, ice: ice, channels: channels, users: users, log: logger}
}

// RoomToken handles POST /api/v1/rtc/token. Only members of a realtime
// channel may join its room; the owner receives the admin grant.
func (h *RTCHandler) RoomToken(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	channelID, err := uuid.Parse(body.ChannelID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierr.ChannelNotFound, "Channel not found")
		}
		h.log.Error().Err(err).Str("handler", "rtc").Msg("channel lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	if ch.Kind != channel.KindRealtime {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Room tokens are only minted for realtime channels")
	}

	isOwner := ch.OwnerUserID == p.UserID
	if !isOwner {
		member, err := h.channels.IsMember(c.Context(), channelID, p.UserID)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "rtc").Msg("membership check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
		}
		if !member {
			return httputil.Fail(c, fiber.StatusForbidden, apierr.NotMember, "Caller is not a member of the channel")
		}
	}

	label := ""
	if u, err := h.users.GetByID(c.Context(), p.UserID); err == nil && u.DisplayHandle != nil {
		label = *u.DisplayHandle
	}

	token, err := h.minter.RoomToken(p.UserID, label, channelID.String(), true, true, isOwner)
	if err != nil {
		if errors.Is(err, rtc.ErrNotConfigured) {
			return httputil.Fail(c, fiber.StatusServiceUnavailable, apierr.ServiceUnavailable, "Media tokens are not configured on this server")
		}
		h.log.Error().Err(err).Str("handler", "rtc").Msg("room token mint failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"token": token})
}

// ICEServers handles GET /api/v1/rtc/ice.
func (h *RTCHandler) ICEServers(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	return httputil.Success(c, fiber.Map{"ice_servers": h.ice.Servers(p.UserID)})
}
