package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/addrpolicy"
	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/invite"
	"github.com/quiethall/quiethall-server/internal/mail"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
)

// InviteHandler serves invitation management endpoints.
type InviteHandler struct {
	invites    *invite.Service
	users      user.Repository
	sender     mail.Sender
	serverName string
	serverURL  string
	log        zerolog.Logger
}

// NewInviteHandler creates a new invite handler. A nil sender disables
// invitation mail.
func NewInviteHandler(invites *invite.Service, users user.Repository, sender mail.Sender, serverName, serverURL string, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, users: users, sender: sender, serverName: serverName, serverURL: serverURL, log: logger}
}

// inviteView is the wire shape of one invitation.
type inviteView struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	CreatedBy string `json:"created_by"`
	ExpiresAt int64  `json:"expires_at"`
	Used      bool   `json:"used"`
	CreatedAt int64  `json:"created_at"`
}

func toInviteView(inv *invite.Invite) inviteView {
	return inviteView{
		ID:        inv.ID.String(),
		Address:   inv.Address,
		CreatedBy: inv.CreatedBy.String(),
		ExpiresAt: inv.ExpiresAt.Unix(),
		Used:      inv.UsedAt != nil,
		CreatedAt: inv.CreatedAt.Unix(),
	}
}

// Mint handles POST /api/v1/invites. The signed token is returned to the
// caller and, unless the recipient has opted out, mailed to the address.
func (h *InviteHandler) Mint(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	addr, _, err := addrpolicy.Normalize(body.Address)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidAddress, "Invalid address")
	}

	inv, token, err := h.invites.Mint(c.Context(), addr, p.UserID)
	if err != nil {
		return h.mapError(c, err)
	}

	h.deliver(c, addr, token)
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"invite": toInviteView(inv),
		"token":  token,
	})
}

// deliver mails the invitation unless the recipient already has an account
// and has switched invitation mail off. Delivery failures are logged, never
// surfaced; the minted token is already in the response.
func (h *InviteHandler) deliver(c fiber.Ctx, addr, token string) {
	if h.sender == nil {
		h.log.Warn().Str("address", addr).Msg("no mail sender configured, invitation not mailed")
		return
	}
	if u, err := h.users.GetByAddress(c.Context(), addr); err == nil && !u.Prefs.InviteEmail {
		h.log.Info().Str("address", addr).Msg("recipient opted out of invitation mail")
		return
	}

	subject, bodyText := mail.InviteMessage(h.serverName, h.serverURL+"/invite#"+token)
	if err := h.sender.Send(addr, subject, bodyText); err != nil {
		h.log.Warn().Err(err).Str("address", addr).Msg("invitation mail failed")
	}
}

// List handles GET /api/v1/invites.
func (h *InviteHandler) List(c fiber.Ctx) error {
	invites, err := h.invites.List(c.Context())
	if err != nil {
		return h.mapError(c, err)
	}
	views := make([]inviteView, len(invites))
	for i := range invites {
		views[i] = toInviteView(&invites[i])
	}
	return httputil.Success(c, views)
}

// Revoke handles DELETE /api/v1/invites/:inviteID. Deleting the row revokes
// the signed token with it.
func (h *InviteHandler) Revoke(c fiber.Ctx) error {
	inviteID, err := uuid.Parse(c.Params("inviteID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid invite id")
	}

	if err := h.invites.Revoke(c.Context(), inviteID); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "revoked"})
}

// mapError converts invite-layer errors to wire responses.
func (h *InviteHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, "Invitation not found")
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("unhandled invite error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}
