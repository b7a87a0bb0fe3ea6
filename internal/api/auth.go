package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/auth"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/geo"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/invite"
	"github.com/quiethall/quiethall-server/internal/refresh"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// AuthHandler serves the enrollment and login flow endpoints. Every flow step
// rides the caller's cookie session; native credentials are minted only where
// a step explicitly admits it.
type AuthHandler struct {
	flow     *auth.Flow
	sessions *session.Manager
	magic    *auth.MagicLinks
	backups  *auth.BackupCodeService
	users    user.Repository
	refresh  *refresh.Store
	writes   *writer.Serializer
	geo      *geo.Lookup
	log      zerolog.Logger
}

// NewAuthHandler creates a new auth flow handler.
func NewAuthHandler(
	flow *auth.Flow,
	sessions *session.Manager,
	magic *auth.MagicLinks,
	backups *auth.BackupCodeService,
	users user.Repository,
	refreshStore *refresh.Store,
	writes *writer.Serializer,
	lookup *geo.Lookup,
	logger zerolog.Logger,
) *AuthHandler {
	return &AuthHandler{
		flow:     flow,
		sessions: sessions,
		magic:    magic,
		backups:  backups,
		users:    users,
		refresh:  refreshStore,
		writes:   writes,
		geo:      lookup,
		log:      logger,
	}
}

// mintedCredentials is the one-time native credential payload. The session
// secret is never retrievable again.
type mintedCredentials struct {
	ClientHandle     string `json:"client_handle"`
	SessionSecret    string `json:"session_secret"`
	SessionExpiresAt int64  `json:"session_expires_at"`
	RefreshToken     string `json:"refresh_token"`
}

func toMinted(m *auth.MintResult) *mintedCredentials {
	if m == nil {
		return nil
	}
	return &mintedCredentials{
		ClientHandle:     m.Session.ClientHandle,
		SessionSecret:    base64.RawURLEncoding.EncodeToString(m.Session.Secret),
		SessionExpiresAt: m.Session.ExpiresAt.Unix(),
		RefreshToken:     m.RefreshToken,
	}
}

// nativeMint builds the optional native-mint request from a flow body.
func (h *AuthHandler) nativeMint(c fiber.Ctx, clientHandle, deviceInfo string) *auth.NativeMint {
	if clientHandle == "" {
		return nil
	}
	ip := c.IP()
	return &auth.NativeMint{
		ClientHandle: clientHandle,
		DeviceInfo:   deviceInfo,
		Sighting: device.Sighting{
			IP:        ip,
			UserAgent: c.Get(fiber.HeaderUserAgent),
			Location:  h.geo.Locate(c.Context(), ip),
		},
	}
}

// userSummary is the user shape returned by flow steps.
type userSummary struct {
	ID            string  `json:"id"`
	Address       string  `json:"address"`
	Verified      bool    `json:"verified"`
	DisplayHandle *string `json:"display_handle,omitempty"`
	ShortHandle   *string `json:"short_handle,omitempty"`
}

func toUserSummary(u *user.User) userSummary {
	return userSummary{
		ID:            u.ID.String(),
		Address:       u.Address,
		Verified:      u.Verified,
		DisplayHandle: u.DisplayHandle,
		ShortHandle:   u.ShortHandle,
	}
}

// BeginEnrollment handles POST /api/v1/auth/enroll/begin.
func (h *AuthHandler) BeginEnrollment(c fiber.Ctx) error {
	var body struct {
		Address     string `json:"address"`
		InviteToken string `json:"invite_token"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Address == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "address is required")
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	if err := h.flow.BeginEnrollment(c.Context(), sess, body.Address, body.InviteToken); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "code_sent"})
}

// VerifyOTP handles POST /api/v1/auth/enroll/verify-otp.
func (h *AuthHandler) VerifyOTP(c fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Address == "" || body.Code == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "address and code are required")
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	u, err := h.flow.VerifyOTP(c.Context(), sess, body.Address, body.Code)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toUserSummary(u))
}

// EmitBackupCodes handles POST /api/v1/auth/backup-codes. The codes are shown
// exactly once.
func (h *AuthHandler) EmitBackupCodes(c fiber.Ctx) error {
	sess, err := h.sessions.Current(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	codes, err := h.flow.EmitBackupCodes(c.Context(), sess)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"codes": codes})
}

// RegenerateBackupCodes handles POST /api/v1/auth/backup-codes/regenerate for
// an authenticated user. Refused while more than one code remains unused.
func (h *AuthHandler) RegenerateBackupCodes(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	codes, err := h.backups.Generate(c.Context(), p.UserID)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"codes": codes})
}

// BeginCredentialEnrollment handles POST /api/v1/auth/credentials/begin.
func (h *AuthHandler) BeginCredentialEnrollment(c fiber.Ctx) error {
	sess, err := h.sessions.Current(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	options, err := h.flow.BeginCredentialEnrollment(c.Context(), sess)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, options)
}

// FinishCredentialEnrollment handles POST /api/v1/auth/credentials/finish.
// When the body carries a client handle and this is the user's first
// credential, native-session credentials are minted alongside.
func (h *AuthHandler) FinishCredentialEnrollment(c fiber.Ctx) error {
	var body struct {
		Attestation  json.RawMessage `json:"attestation"`
		ClientHandle string          `json:"client_handle"`
		DeviceInfo   string          `json:"device_info"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if len(body.Attestation) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "attestation is required")
	}

	sess, err := h.sessions.Current(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	minted, err := h.flow.EnrollCredential(c.Context(), sess, bytes.NewReader(body.Attestation),
		h.nativeMint(c, body.ClientHandle, body.DeviceInfo))
	if err != nil {
		return h.mapError(c, err)
	}

	if m := toMinted(minted); m != nil {
		return httputil.Success(c, fiber.Map{"status": "enrolled", "native": m})
	}
	return httputil.Success(c, fiber.Map{"status": "enrolled"})
}

// BeginLogin handles POST /api/v1/auth/login/begin.
func (h *AuthHandler) BeginLogin(c fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Address == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "address is required")
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	options, err := h.flow.BeginAssertion(c.Context(), sess, body.Address)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, options)
}

// FinishLogin handles POST /api/v1/auth/login/finish. Assertions relayed
// through an embedded browser must echo the previously issued csrf_state.
func (h *AuthHandler) FinishLogin(c fiber.Ctx) error {
	var body struct {
		Address             string          `json:"address"`
		Assertion           json.RawMessage `json:"assertion"`
		FromEmbeddedBrowser bool            `json:"from_embedded_browser"`
		CSRFState           string          `json:"csrf_state"`
		ClientHandle        string          `json:"client_handle"`
		DeviceInfo          string          `json:"device_info"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Address == "" || len(body.Assertion) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "address and assertion are required")
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	minted, err := h.flow.AssertCredential(c.Context(), sess, body.Address, bytes.NewReader(body.Assertion),
		body.FromEmbeddedBrowser, body.CSRFState, h.nativeMint(c, body.ClientHandle, body.DeviceInfo))
	if err != nil {
		return h.mapError(c, err)
	}

	if m := toMinted(minted); m != nil {
		return httputil.Success(c, fiber.Map{"status": "authenticated", "native": m})
	}
	return httputil.Success(c, fiber.Map{"status": "authenticated"})
}

// Recover handles POST /api/v1/auth/recover. A valid backup code reopens
// credential enrollment for the account.
func (h *AuthHandler) Recover(c fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Address == "" || body.Code == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "address and code are required")
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	if err := h.flow.RecoverWithBackupCode(c.Context(), sess, body.Address, body.Code); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "recovery_accepted"})
}

// IssueCSRFState handles POST /api/v1/auth/csrf-state.
func (h *AuthHandler) IssueCSRFState(c fiber.Ctx) error {
	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	state, err := h.flow.IssueCSRFState(c.Context(), sess)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"csrf_state": state})
}

// MintMagicLink handles POST /api/v1/auth/magic-link for an authenticated
// user, producing a one-shot sign-in link bound to their address.
func (h *AuthHandler) MintMagicLink(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}
	u, err := h.users.GetByID(c.Context(), p.UserID)
	if err != nil {
		return h.mapError(c, err)
	}
	link, err := h.magic.Mint(c.Context(), u.Address)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"link": link})
}

// RedeemMagicLink handles POST /api/v1/auth/magic-link/redeem. A valid link
// verifies the address on the caller's session exactly as a one-time code
// would; the caller continues with credential assertion or enrollment.
func (h *AuthHandler) RedeemMagicLink(c fiber.Ctx) error {
	var body struct {
		Link string `json:"link"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}
	if body.Link == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "link is required")
	}

	address, err := h.magic.Redeem(c.Context(), body.Link)
	if err != nil {
		return h.mapError(c, err)
	}
	u, err := h.users.GetByAddress(c.Context(), address)
	if err != nil {
		return h.mapError(c, err)
	}

	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	if _, err := h.sessions.Update(c.Context(), sess.ID, session.CookieUpdate{
		UserID:    &u.ID,
		Address:   &u.Address,
		FlowState: strPtr(session.FlowOTPVerified),
	}); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toUserSummary(u))
}

// CompleteProfile handles POST /api/v1/auth/profile. It stores the chosen
// handles and closes the enrollment flow.
func (h *AuthHandler) CompleteProfile(c fiber.Ctx) error {
	var body struct {
		DisplayHandle string  `json:"display_handle"`
		ShortHandle   *string `json:"short_handle"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid request body")
	}

	sess, err := h.sessions.Current(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	if sess.UserID == nil || sess.FlowState != session.FlowAwaitingProfile {
		return httputil.Fail(c, fiber.StatusConflict, apierr.StateMismatch, "Profile step is not open")
	}

	display, err := user.NormalizeDisplayHandle(body.DisplayHandle)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	}
	if body.ShortHandle != nil {
		if err := user.ValidateShortHandle(*body.ShortHandle); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
		}
	}

	userID := *sess.UserID
	_, err = writer.Await(c.Context(), h.writes, "auth.complete_profile", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.users.Update(ctx, userID, user.UpdateParams{
			DisplayHandle: &display,
			ShortHandle:   body.ShortHandle,
		})
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if err := h.flow.CompleteProfile(c.Context(), sess); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "complete"})
}

// Logout handles POST /api/v1/auth/logout for both session surfaces.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	p := session.FromCtx(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
	}

	if p.Method == session.MethodHMAC {
		if err := h.sessions.RevokeHMAC(c.Context(), p.ClientHandle); err != nil {
			return h.mapError(c, err)
		}
		if err := h.refresh.RevokeChain(c.Context(), p.ClientHandle); err != nil {
			return h.mapError(c, err)
		}
		return httputil.Success(c, fiber.Map{"status": "logged_out"})
	}

	if err := h.sessions.Destroy(c.Context(), c); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "logged_out"})
}

// SessionInfo handles GET /api/v1/auth/session, exposing the caller's flow
// state so clients can resume an interrupted enrollment.
func (h *AuthHandler) SessionInfo(c fiber.Ctx) error {
	sess, err := h.sessions.Ensure(c.Context(), c)
	if err != nil {
		return h.mapError(c, err)
	}
	info := fiber.Map{
		"flow_state": sess.FlowState,
		"address":    sess.Address,
	}
	if sess.UserID != nil {
		info["user_id"] = sess.UserID.String()
	}
	return httputil.Success(c, info)
}

// mapError converts auth-layer errors to wire responses.
func (h *AuthHandler) mapError(c fiber.Ctx, err error) error {
	var cooldown *auth.CooldownError
	var tooEarly *auth.TooEarlyError

	switch {
	case errors.As(err, &cooldown):
		return httputil.FailRetry(c, fiber.StatusTooManyRequests, apierr.CooldownActive, err.Error(), cooldown.Seconds())
	case errors.As(err, &tooEarly):
		return httputil.FailRetry(c, fiber.StatusTooManyRequests, apierr.TooEarly, err.Error(), tooEarly.Seconds())

	case errors.Is(err, auth.ErrPolicyRefused):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.PolicyRefused, "Address not accepted by enrollment policy")
	case errors.Is(err, auth.ErrInviteRequired):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.PolicyRefused, "An invitation is required to enroll")
	case errors.Is(err, invite.ErrTokenInvalid), errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.TokenInvalid, "Invitation token is not valid")
	case errors.Is(err, invite.ErrExpired):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.TokenExpired, "Invitation has expired")
	case errors.Is(err, invite.ErrUsed):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.TokenRevoked, "Invitation was already used")
	case errors.Is(err, invite.ErrAddressMismatch):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.PolicyRefused, "Invitation is bound to a different address")

	case errors.Is(err, auth.ErrOtpInvalid):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.OtpInvalid, "Code does not match")
	case errors.Is(err, auth.ErrOtpExpired):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.OtpExpired, "Code expired or was never issued")
	case errors.Is(err, auth.ErrNoBackupCodes):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.NoBackupCodes, "No backup codes on file")
	case errors.Is(err, auth.ErrRegenerateNotAllowed):
		return httputil.Fail(c, fiber.StatusConflict, apierr.RegenerateNotYetAllowed, "Backup codes can only be regenerated when at most one remains unused")

	case errors.Is(err, auth.ErrAccountUnverified):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.AccountUnverified, "Address is not verified")
	case errors.Is(err, auth.ErrNoCredentialsEnrolled):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.NoCredentialsEnrol, "No credentials enrolled for this account")
	case errors.Is(err, auth.ErrCredentialUnknown):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.CredentialUnknown, "Credential is not registered")
	case errors.Is(err, auth.ErrOriginMismatch):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.OriginMismatch, "Assertion origin is not accepted")
	case errors.Is(err, auth.ErrChallengeMismatch):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.ChallengeMismatch, "Ceremony challenge expired or does not match")
	case errors.Is(err, auth.ErrCredentialInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.CredentialInvalid, "Credential verification failed")
	case errors.Is(err, auth.ErrCSRFStateMismatch):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.StateMismatch, "csrf_state missing or does not match")

	case errors.Is(err, auth.ErrTokenInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenInvalid, "Link is not valid")
	case errors.Is(err, auth.ErrTokenExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenExpired, "Link has expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.TokenRevoked, "Link was already used")

	case errors.Is(err, session.ErrStateMismatch):
		return httputil.Fail(c, fiber.StatusConflict, apierr.StateMismatch, "Session flow state does not admit this operation")
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionExpired):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NoSession, "Authentication required")
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.UserNotFound, "Unknown account")
	case errors.Is(err, user.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierr.ValidationError, "Handle is already taken")

	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "An internal error occurred")
	}
}

func strPtr(s string) *string { return &s }
