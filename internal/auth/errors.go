package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the auth package.
var (
	ErrOtpInvalid            = errors.New("one-time code does not match")
	ErrOtpExpired            = errors.New("one-time code expired or never issued")
	ErrNoBackupCodes         = errors.New("no backup codes on file")
	ErrRegenerateNotAllowed  = errors.New("backup codes may only be regenerated when at most one unused code remains")
	ErrPolicyRefused         = errors.New("address refused by enrollment policy")
	ErrInviteRequired        = errors.New("an invitation is required to enroll")
	ErrAccountUnverified     = errors.New("account address is not verified")
	ErrCredentialInvalid     = errors.New("credential verification failed")
	ErrCredentialUnknown     = errors.New("credential is not registered")
	ErrOriginMismatch        = errors.New("assertion origin is not accepted")
	ErrNoCredentialsEnrolled = errors.New("no credentials enrolled for this account")
	ErrChallengeMismatch     = errors.New("ceremony challenge expired or does not match")
	ErrCSRFStateMismatch     = errors.New("csrf state missing or does not match")
	ErrTokenInvalid          = errors.New("token signature mismatch")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenRevoked          = errors.New("token already used or revoked")
)

// CooldownError reports that a fresh one-time code cannot be issued yet.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("a code was issued recently, retry in %ds", int(e.Wait.Seconds()))
}

// Seconds returns the remaining wait rounded up for the wire.
func (e *CooldownError) Seconds() int {
	return int((e.Wait + time.Second - 1) / time.Second)
}

// TooEarlyError reports that backup-code verification is backed off.
type TooEarlyError struct {
	Wait time.Duration
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %ds", int(e.Wait.Seconds()))
}

// Seconds returns the remaining wait rounded up for the wire.
func (e *TooEarlyError) Seconds() int {
	return int((e.Wait + time.Second - 1) / time.Second)
}
