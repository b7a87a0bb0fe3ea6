// Package session owns both authentication surfaces: opaque-cookie sessions
// for browsers and signed-request HMAC sessions for native clients. The two
// meet in the hybrid guard; HMAC wins when both are presented.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Flow states of an in-progress enrollment or login session, advanced only by
// the corresponding auth contracts.
const (
	FlowAnonymous           = "anonymous"
	FlowAwaitingOTP         = "awaiting_otp"
	FlowOTPVerified         = "otp_verified"
	FlowAwaitingBackupCodes = "awaiting_backup_codes"
	FlowAwaitingCredential  = "awaiting_credential_enrollment"
	FlowAwaitingProfile     = "awaiting_profile"
	FlowComplete            = "complete"
)

// CookieName is the browser session cookie.
const CookieName = "quiethall_session"

// Sentinel errors shared by both session surfaces.
var (
	ErrNoCredentials    = errors.New("no authentication credentials presented")
	ErrRequestExpired   = errors.New("request timestamp outside the freshness window")
	ErrDuplicateNonce   = errors.New("nonce already seen")
	ErrNoSession        = errors.New("no session for client handle")
	ErrSessionExpired   = errors.New("session expired")
	ErrInvalidSignature = errors.New("request signature mismatch")
	ErrUserInactive     = errors.New("user is deactivated")
	ErrUserMissing      = errors.New("user backing the session no longer exists")
	ErrStateMismatch    = errors.New("session flow state does not admit this operation")
)

// Session is a cookie-backed browser session row. UserID is nil while the
// enrollment flow has not yet bound an account.
type Session struct {
	ID           string
	UserID       *uuid.UUID
	Address      string
	ClientHandle *string
	DeviceID     *int
	FlowState    string
	CSRFState    *string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// HMACSession is a long-lived native-client session keyed by the device's
// client handle. The secret never leaves the server after the mint response.
type HMACSession struct {
	ClientHandle string
	UserID       uuid.UUID
	DeviceID     int
	Secret       []byte
	DeviceInfo   string
	CreatedAt    time.Time
	LastUsed     time.Time
	ExpiresAt    time.Time
}

// AuthMethod names which surface authenticated a request.
type AuthMethod string

const (
	MethodCookie AuthMethod = "cookie"
	MethodHMAC   AuthMethod = "hmac"
)

// Principal is the authenticated identity exposed to handlers.
type Principal struct {
	UserID       uuid.UUID
	DeviceID     int
	ClientHandle string
	Method       AuthMethod
}
