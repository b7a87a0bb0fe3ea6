package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/refresh"
	"github.com/quiethall/quiethall-server/internal/session"
)

// TokenHandler serves native-session maintenance: sliding extension of the
// HMAC session and rotation of the refresh-token chain.
type TokenHandler struct {
	verifier *session.Verifier
	sessions *session.Manager
	refresh  *refresh.Store
	log      zerolog.Logger
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(verifier *session.Verifier, sessions *session.Manager, refreshStore *refresh.Store, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{verifier: verifier, sessions: sessions, refresh: refreshStore, log: logger}
}

// ExtendSession handles POST /api/v1/session/extend. Only a signed request
// can extend its own session; cookie principals have no HMAC session.
func (h *TokenHandler) ExtendSession(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil || p.Method != session.MethodHMAC {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "Only signed requests can extend a session")
	}

	expiresAt, err := h.verifier.Extend(c.Context(), p.ClientHandle, h.sessions.HMACLifetime())
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NoSession, "Session no longer exists")
		}
		h.log.Error().Err(err).Str("handler", "token").Msg("session extend failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"expires_at": expiresAt.Unix()})
}

// RefreshToken handles POST /api/v1/token/refresh. Each token works once;
// replaying a used token burns the whole chain for that device.
func (h *TokenHandler) RefreshToken(c fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "refresh_token is required")
	}

	successor, err := h.refresh.Redeem(c.Context(), body.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrChainCompromised):
			return httputil.Fail(c, fiber.StatusForbidden, apierr.ChainCompromised, "Token reuse detected; all tokens for this device are revoked")
		case errors.Is(err, refresh.ErrTokenExpired):
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenExpired, "Refresh token has expired")
		case errors.Is(err, refresh.ErrTokenInvalid):
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenInvalid, "Unknown refresh token")
		default:
			h.log.Error().Err(err).Str("handler", "token").Msg("refresh redeem failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
		}
	}

	return httputil.Success(c, fiber.Map{
		"refresh_token": successor.Token,
		"expires_at":    successor.ExpiresAt.Unix(),
	})
}
