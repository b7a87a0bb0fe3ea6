package session

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/httputil"
)

// Authentication header names for signed native-client requests.
const (
	HeaderClientID  = "X-Client-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// PrincipalKey is the Locals key the guard stores the Principal under.
const PrincipalKey = "principal"

// FromCtx returns the authenticated principal set by Guard, or nil.
func FromCtx(c fiber.Ctx) *Principal {
	p, _ := c.Locals(PrincipalKey).(*Principal)
	return p
}

// Guard returns the hybrid authentication middleware. A request carrying the
// signed-request headers takes the HMAC path; otherwise the session cookie is
// consulted. HMAC wins when both are present.
func Guard(verifier *Verifier, manager *Manager, users ActiveChecker) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Get(HeaderClientID) != "" {
			return guardHMAC(c, verifier)
		}
		return guardCookie(c, manager, users)
	}
}

func guardHMAC(c fiber.Ctx, verifier *Verifier) error {
	ts, err := strconv.ParseInt(c.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.MalformedInput, "Invalid request timestamp")
	}

	p, err := verifier.Verify(c.Context(), SignedRequest{
		ClientHandle: c.Get(HeaderClientID),
		TimestampMS:  ts,
		Nonce:        c.Get(HeaderNonce),
		Signature:    c.Get(HeaderSignature),
		Path:         c.Path(),
		Body:         c.Body(),
	})
	if err != nil {
		status, code, msg := mapAuthError(err)
		return httputil.Fail(c, status, code, msg)
	}

	c.Locals(PrincipalKey, p)
	c.Locals("userID", p.UserID)
	return c.Next()
}

func guardCookie(c fiber.Ctx, manager *Manager, users ActiveChecker) error {
	s, err := manager.Current(c.Context(), c)
	if err != nil {
		status, code, msg := mapAuthError(err)
		return httputil.Fail(c, status, code, msg)
	}
	if s.UserID == nil || s.FlowState != FlowComplete {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication incomplete")
	}

	active, err := users.IsActive(c.Context(), *s.UserID)
	if err != nil {
		status, code, msg := mapAuthError(err)
		return httputil.Fail(c, status, code, msg)
	}
	if !active {
		return httputil.Fail(c, fiber.StatusForbidden, apierr.UserInactive, "Account is deactivated")
	}

	p := &Principal{UserID: *s.UserID, Method: MethodCookie}
	if s.DeviceID != nil {
		p.DeviceID = *s.DeviceID
	}
	if s.ClientHandle != nil {
		p.ClientHandle = *s.ClientHandle
	}
	c.Locals(PrincipalKey, p)
	c.Locals("userID", p.UserID)
	return c.Next()
}

func mapAuthError(err error) (int, apierr.Code, string) {
	switch {
	case errors.Is(err, ErrNoCredentials), errors.Is(err, ErrNoSession):
		return fiber.StatusUnauthorized, apierr.NoSession, "Authentication required"
	case errors.Is(err, ErrRequestExpired):
		return fiber.StatusUnauthorized, apierr.RequestExpired, "Request timestamp outside the allowed window"
	case errors.Is(err, ErrDuplicateNonce):
		return fiber.StatusUnauthorized, apierr.DuplicateNonce, "Nonce already used"
	case errors.Is(err, ErrSessionExpired):
		return fiber.StatusUnauthorized, apierr.SessionExpired, "Session expired"
	case errors.Is(err, ErrInvalidSignature):
		return fiber.StatusUnauthorized, apierr.InvalidSignature, "Request signature mismatch"
	case errors.Is(err, ErrUserInactive):
		return fiber.StatusForbidden, apierr.UserInactive, "Account is deactivated"
	case errors.Is(err, ErrUserMissing):
		return fiber.StatusUnauthorized, apierr.UserNotFound, "Account no longer exists"
	default:
		return fiber.StatusInternalServerError, apierr.InternalError, "Authentication check failed"
	}
}
