package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/channel"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/permission"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// ChannelHandler serves channel and membership endpoints.
type ChannelHandler struct {
	channels   channel.Repository
	writes     *writer.Serializer
	invalidate *permission.Publisher
	log        zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(channels channel.Repository, writes *writer.Serializer, invalidate *permission.Publisher, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, writes: writes, invalidate: invalidate, log: logger}
}

// channelView is the wire shape of one channel.
type channelView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	Private       bool    `json:"private"`
	OwnerUserID   string  `json:"owner_user_id"`
	DefaultRoleID *string `json:"default_role_id,omitempty"`
	CreatedAt     int64   `json:"created_at"`
}

func toChannelView(ch *channel.Channel) channelView {
	v := channelView{
		ID:          ch.ID.String(),
		Name:        ch.Name,
		Kind:        ch.Kind,
		Private:     ch.Private,
		OwnerUserID: ch.OwnerUserID.String(),
		CreatedAt:   ch.CreatedAt.Unix(),
	}
	if ch.DefaultRoleID != nil {
		id := ch.DefaultRoleID.String()
		v.DefaultRoleID = &id
	}
	return v
}

// Create handles POST /api/v1/channels.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Missing user identity")
	}

	var body struct {
		Name          string  `json:"name"`
		Kind          string  `json:"kind"`
		Private       bool    `json:"private"`
		DefaultRoleID *string `json:"default_role_id"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}

	name, err := channel.ValidateName(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}
	if err := channel.ValidateKind(body.Kind); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}
	params := channel.CreateParams{Name: name, Kind: body.Kind, Private: body.Private, OwnerUserID: userID}
	if body.DefaultRoleID != nil {
		roleID, err := uuid.Parse(*body.DefaultRoleID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid default role id")
		}
		params.DefaultRoleID = &roleID
	}

	ch, err := writer.Await(c.Context(), h.writes, "channel.create", func(ctx context.Context) (*channel.Channel, error) {
		return h.channels.Create(ctx, params)
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.invalidate.InvalidateUser(c.Context(), userID); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after channel create")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toChannelView(ch))
}

// List handles GET /api/v1/channels, returning the channels the caller owns
// or belongs to.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Missing user identity")
	}

	channels, err := h.channels.ListForUser(c.Context(), userID)
	if err != nil {
		return h.mapError(c, err)
	}
	views := make([]channelView, len(channels))
	for i := range channels {
		views[i] = toChannelView(&channels[i])
	}
	return httputil.Success(c, views)
}

// Get handles GET /api/v1/channels/:channelID.
func (h *ChannelHandler) Get(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}
	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toChannelView(ch))
}

// Rename handles PATCH /api/v1/channels/:channelID.
func (h *ChannelHandler) Rename(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	name, err := channel.ValidateName(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}

	ch, err := writer.Await(c.Context(), h.writes, "channel.rename", func(ctx context.Context) (*channel.Channel, error) {
		return h.channels.Rename(ctx, channelID, name)
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toChannelView(ch))
}

// Delete handles DELETE /api/v1/channels/:channelID. Memberships, envelopes,
// and role assignments cascade with the row.
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	_, err = writer.Await(c.Context(), h.writes, "channel.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.channels.Delete(ctx, channelID)
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.invalidate.InvalidateChannel(c.Context(), channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after channel delete")
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// Members handles GET /api/v1/channels/:channelID/members.
func (h *ChannelHandler) Members(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	members, err := h.channels.Members(c.Context(), channelID)
	if err != nil {
		return h.mapError(c, err)
	}
	views := make([]fiber.Map, len(members))
	for i, m := range members {
		views[i] = fiber.Map{"user_id": m.UserID.String(), "permission_level": m.PermissionLevel}
	}
	return httputil.Success(c, views)
}

// AddMember handles POST /api/v1/channels/:channelID/members.
func (h *ChannelHandler) AddMember(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	var body struct {
		UserID          string `json:"user_id"`
		PermissionLevel int    `json:"permission_level"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	_, err = writer.Await(c.Context(), h.writes, "channel.add_member", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.channels.AddMember(ctx, channelID, userID, body.PermissionLevel)
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.invalidate.InvalidateUserChannel(c.Context(), userID, channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after member add")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"status": "added"})
}

// RemoveMember handles DELETE /api/v1/channels/:channelID/members/:userID.
func (h *ChannelHandler) RemoveMember(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	return h.removeMember(c, channelID, userID)
}

// Leave handles POST /api/v1/channels/:channelID/leave. The owner cannot
// leave their own channel.
func (h *ChannelHandler) Leave(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Missing user identity")
	}
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapError(c, err)
	}
	if ch.OwnerUserID == userID {
		return h.mapError(c, channel.ErrOwnerLeave)
	}

	return h.removeMember(c, channelID, userID)
}

func (h *ChannelHandler) removeMember(c fiber.Ctx, channelID, userID uuid.UUID) error {
	_, err := writer.Await(c.Context(), h.writes, "channel.remove_member", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.channels.RemoveMember(ctx, channelID, userID)
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.invalidate.InvalidateUserChannel(c.Context(), userID, channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after member remove")
	}
	return httputil.Success(c, fiber.Map{"status": "removed"})
}

// mapError converts channel-layer errors to wire responses.
func (h *ChannelHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.ChannelNotFound, "Channel not found")
	case errors.Is(err, channel.ErrNotMember):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotMember, "User is not a member of the channel")
	case errors.Is(err, channel.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, apierr.ValidationError, "User is already a member of the channel")
	case errors.Is(err, channel.ErrOwnerLeave):
		return httputil.Fail(c, fiber.StatusConflict, apierr.OwnerCannotLeave, "The channel owner cannot leave; delete or transfer the channel")
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}
