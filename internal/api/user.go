package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// UserHandler serves profile endpoints.
type UserHandler struct {
	users  user.Repository
	writes *writer.Serializer
	log    zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, writes *writer.Serializer, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, writes: writes, log: logger}
}

// profileView is the wire shape of the caller's own profile.
type profileView struct {
	ID                string     `json:"id"`
	Address           string     `json:"address"`
	Verified          bool       `json:"verified"`
	DisplayHandle     *string    `json:"display_handle,omitempty"`
	ShortHandle       *string    `json:"short_handle,omitempty"`
	BackupCodesIssued bool       `json:"backup_codes_issued"`
	Prefs             user.Prefs `json:"prefs"`
	CreatedAt         int64      `json:"created_at"`
}

func toProfileView(u *user.User) profileView {
	return profileView{
		ID:                u.ID.String(),
		Address:           u.Address,
		Verified:          u.Verified,
		DisplayHandle:     u.DisplayHandle,
		ShortHandle:       u.ShortHandle,
		BackupCodesIssued: u.BackupCodesIssued,
		Prefs:             u.Prefs,
		CreatedAt:         u.CreatedAt.Unix(),
	}
}

// Me handles GET /api/v1/users/me.
func (h *UserHandler) Me(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	u, err := h.users.GetByID(c.Context(), p.UserID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toProfileView(u))
}

// Update handles PATCH /api/v1/users/me. Absent fields are left as they are.
func (h *UserHandler) Update(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		DisplayHandle *string     `json:"display_handle"`
		ShortHandle   *string     `json:"short_handle"`
		Prefs         *user.Prefs `json:"prefs"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}

	if body.DisplayHandle != nil {
		display, err := user.NormalizeDisplayHandle(*body.DisplayHandle)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
		}
		body.DisplayHandle = &display
	}
	if body.ShortHandle != nil {
		if err := user.ValidateShortHandle(*body.ShortHandle); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
		}
	}

	userID := p.UserID
	_, err := writer.Await(c.Context(), h.writes, "user.update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.users.Update(ctx, userID, user.UpdateParams{
			DisplayHandle: body.DisplayHandle,
			ShortHandle:   body.ShortHandle,
			Prefs:         body.Prefs,
		})
	})
	if err != nil {
		return h.mapError(c, err)
	}

	u, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toProfileView(u))
}

// SetAvatar handles PUT /api/v1/users/me/avatar. The raw body is decoded,
// scaled to fit 512x512, and stored as PNG.
func (h *UserHandler) SetAvatar(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	raw := c.Body()
	if len(raw) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Request body must carry the image")
	}

	blob, err := user.ProcessAvatar(raw)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrAvatarInvalid):
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "Image could not be decoded")
		case errors.Is(err, user.ErrAvatarTooLarge):
			return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, apierr.PayloadTooLarge, "Image is too large even after scaling")
		default:
			return h.mapError(c, err)
		}
	}

	userID := p.UserID
	_, err = writer.Await(c.Context(), h.writes, "user.set_avatar", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.users.SetAvatar(ctx, userID, blob)
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "stored"})
}

// Avatar handles GET /api/v1/users/:userID/avatar.
func (h *UserHandler) Avatar(c fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid user id")
	}

	blob, err := h.users.GetAvatar(c.Context(), userID)
	if err != nil {
		return h.mapError(c, err)
	}
	if len(blob) == 0 {
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "No avatar set")
	}

	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(blob)
}

// Delete handles DELETE /api/v1/users/me. The account row and everything
// hanging off it (devices, keys, sessions, envelopes) cascade away.
func (h *UserHandler) Delete(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	userID := p.UserID
	_, err := writer.Await(c.Context(), h.writes, "user.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.users.Delete(ctx, userID)
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

// mapError converts user-layer errors to wire responses.
func (h *UserHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.UserNotFound, "User not found")
	case errors.Is(err, user.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.ValidationError, "Handle is already taken")
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}
