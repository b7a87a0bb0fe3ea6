// Package apierr defines the stable machine-readable error codes carried by
// every failed API response. Clients match on the code, never on the message.
package apierr

// Code identifies an error condition on the wire.
type Code string

// Input errors.
const (
	MalformedInput Code = "malformed_input"
	InvalidAddress Code = "invalid_address"
	PolicyRefused  Code = "policy_refused"
)

// Flow errors.
const (
	NotAuthenticated Code = "not_authenticated"
	Forbidden        Code = "forbidden"
	StateMismatch    Code = "state_mismatch"
)

// Credential errors.
const (
	CredentialInvalid  Code = "credential_invalid"
	OriginMismatch     Code = "origin_mismatch"
	ChallengeMismatch  Code = "challenge_mismatch"
	CredentialUnknown  Code = "credential_unknown"
	UserNotFound       Code = "user_not_found"
	AccountUnverified  Code = "account_unverified"
	NoCredentialsEnrol Code = "no_credentials_enrolled"
)

// OTP and backup-code errors.
const (
	OtpInvalid              Code = "otp_invalid"
	OtpExpired              Code = "otp_expired"
	CooldownActive          Code = "cooldown_active"
	TooEarly                Code = "too_early"
	NoBackupCodes           Code = "no_backup_codes"
	RegenerateNotYetAllowed Code = "regenerate_not_yet_allowed"
)

// Session errors.
const (
	RequestExpired   Code = "request_expired"
	DuplicateNonce   Code = "duplicate_nonce"
	InvalidSignature Code = "invalid_signature"
	NoSession        Code = "no_session"
	SessionExpired   Code = "session_expired"
	UserInactive     Code = "user_inactive"
	ChainCompromised Code = "chain_compromised"
)

// Device and pre-key errors.
const (
	DeviceNotFound       Code = "device_not_found"
	PreKeyPoolEmpty      Code = "prekey_pool_empty"
	CurrentDeviceRefused Code = "current_device_refused"
)

// Channel errors.
const (
	ChannelNotFound  Code = "channel_not_found"
	NotMember        Code = "not_member"
	OwnerCannotLeave Code = "owner_cannot_leave"
)

// Token errors.
const (
	TokenRevoked Code = "token_revoked"
	TokenExpired Code = "token_expired"
	TokenInvalid Code = "token_invalid"
)

// Transport-level errors.
const (
	NotFound           Code = "not_found"
	ValidationError    Code = "validation_error"
	RateLimited        Code = "rate_limited"
	PayloadTooLarge    Code = "payload_too_large"
	ServiceUnavailable Code = "service_unavailable"
	InternalError      Code = "internal_error"
)
