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
	"github.com/quiethall/quiethall-server/internal/role"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// RoleHandler serves role definition and assignment endpoints.
type RoleHandler struct {
	roles      role.Repository
	channels   channel.Repository
	writes     *writer.Serializer
	invalidate *permission.Publisher
	log        zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles role.Repository, channels channel.Repository, writes *writer.Serializer, invalidate *permission.Publisher, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, channels: channels, writes: writes, invalidate: invalidate, log: logger}
}

// roleView is the wire shape of one role.
type roleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
	Builtin     bool     `json:"builtin"`
}

func toRoleView(r *role.Role) roleView {
	return roleView{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		Scope:       r.Scope,
		Permissions: r.Permissions,
		Builtin:     r.Builtin,
	}
}

// List handles GET /api/v1/roles.
func (h *RoleHandler) List(c fiber.Ctx) error {
	roles, err := h.roles.List(c.Context())
	if err != nil {
		return h.mapError(c, err)
	}
	views := make([]roleView, len(roles))
	for i := range roles {
		views[i] = toRoleView(&roles[i])
	}
	return httputil.Success(c, views)
}

// Create handles POST /api/v1/roles.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Scope       string   `json:"scope"`
		Permissions []string `json:"permissions"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}

	name, err := role.ValidateNameRequired(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}
	if err := role.ValidateScope(body.Scope); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}

	r, err := writer.Await(c.Context(), h.writes, "role.create", func(ctx context.Context) (*role.Role, error) {
		return h.roles.Create(ctx, role.CreateParams{
			Name:        name,
			Description: body.Description,
			Scope:       body.Scope,
			Permissions: body.Permissions,
		})
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toRoleView(r))
}

// Update handles PATCH /api/v1/roles/:roleID. Scope is immutable.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	roleID, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid role id")
	}

	var body struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Permissions *[]string `json:"permissions"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Name != nil {
		name, err := role.ValidateNameRequired(*body.Name)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
		}
		body.Name = &name
	}

	r, err := writer.Await(c.Context(), h.writes, "role.update", func(ctx context.Context) (*role.Role, error) {
		return h.roles.Update(ctx, roleID, role.UpdateParams{
			Name:        body.Name,
			Description: body.Description,
			Permissions: body.Permissions,
		})
	})
	if err != nil {
		return h.mapError(c, err)
	}

	// Grants may have changed for everyone holding the role.
	if err := h.invalidate.InvalidateChannel(c.Context(), uuid.Nil); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after role update")
	}
	return httputil.Success(c, toRoleView(r))
}

// Delete handles DELETE /api/v1/roles/:roleID.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	roleID, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid role id")
	}

	_, err = writer.Await(c.Context(), h.writes, "role.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.roles.Delete(ctx, roleID)
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.invalidate.InvalidateChannel(c.Context(), uuid.Nil); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after role delete")
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// assignment is the body shared by assign and unassign endpoints. ChannelID
// present means a channel-scoped assignment.
type assignment struct {
	UserID    string  `json:"user_id"`
	ChannelID *string `json:"channel_id"`
}

// Assign handles POST /api/v1/roles/:roleID/assign. Server-scoped roles
// assign server-wide; channel-scoped roles require a channel of the matching
// kind.
func (h *RoleHandler) Assign(c fiber.Ctx) error {
	return h.applyAssignment(c, true)
}

// Unassign handles POST /api/v1/roles/:roleID/unassign.
func (h *RoleHandler) Unassign(c fiber.Ctx) error {
	return h.applyAssignment(c, false)
}

func (h *RoleHandler) applyAssignment(c fiber.Ctx, assign bool) error {
	roleID, err := uuid.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid role id")
	}

	var body assignment
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	r, err := h.roles.GetByID(c.Context(), roleID)
	if err != nil {
		return h.mapError(c, err)
	}

	if r.Scope == role.ScopeServer {
		if body.ChannelID != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Server-scoped roles take no channel")
		}
		_, err = writer.Await(c.Context(), h.writes, "role.assign_server", func(ctx context.Context) (struct{}, error) {
			if assign {
				return struct{}{}, h.roles.AssignServer(ctx, userID, roleID)
			}
			return struct{}{}, h.roles.UnassignServer(ctx, userID, roleID)
		})
		if err != nil {
			return h.mapError(c, err)
		}
		if err := h.invalidate.InvalidateUser(c.Context(), userID); err != nil {
			h.log.Warn().Err(err).Msg("permission invalidation failed after role assignment")
		}
		return httputil.Success(c, fiber.Map{"status": "ok"})
	}

	if body.ChannelID == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Channel-scoped roles require a channel")
	}
	channelID, err := uuid.Parse(*body.ChannelID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel id")
	}
	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierr.ChannelNotFound, "Channel not found")
		}
		return h.mapError(c, err)
	}
	if role.ScopeForChannelKind(ch.Kind) != r.Scope {
		return h.mapError(c, role.ErrScopeMismatch)
	}

	_, err = writer.Await(c.Context(), h.writes, "role.assign_channel", func(ctx context.Context) (struct{}, error) {
		if assign {
			return struct{}{}, h.roles.AssignChannel(ctx, userID, roleID, channelID)
		}
		return struct{}{}, h.roles.UnassignChannel(ctx, userID, roleID, channelID)
	})
	if err != nil {
		return h.mapError(c, err)
	}
	if err := h.invalidate.InvalidateUserChannel(c.Context(), userID, channelID); err != nil {
		h.log.Warn().Err(err).Msg("permission invalidation failed after role assignment")
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// mapError converts role-layer errors to wire responses.
func (h *RoleHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "Role not found")
	case errors.Is(err, role.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.ValidationError, "Role name already taken")
	case errors.Is(err, role.ErrBuiltinImmutable):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "Builtin roles cannot be edited or deleted")
	case errors.Is(err, role.ErrScopeMismatch):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Role scope does not match the channel kind")
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}
