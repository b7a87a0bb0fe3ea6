package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/addrpolicy"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/invite"
	"github.com/quiethall/quiethall-server/internal/refresh"
	"github.com/quiethall/quiethall-server/internal/role"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Flow is the enrollment and login state machine. Each contract advances the
// caller's cookie session only on success; a failed step leaves the state
// untouched.
type Flow struct {
	users      user.Repository
	invites    *invite.Service
	policy     *addrpolicy.Policy
	roles      role.Repository
	otp        *OTPService
	backups    *BackupCodeService
	broker     *Broker
	sessions   *session.Manager
	devices    *device.Registry
	refresh    *refresh.Store
	writes     *writer.Serializer
	inviteOnly bool
	autoAssign map[string][]string
	log        zerolog.Logger
}

// FlowParams groups the collaborators wired into a Flow.
type FlowParams struct {
	Users      user.Repository
	Invites    *invite.Service
	Policy     *addrpolicy.Policy
	Roles      role.Repository
	OTP        *OTPService
	Backups    *BackupCodeService
	Broker     *Broker
	Sessions   *session.Manager
	Devices    *device.Registry
	Refresh    *refresh.Store
	Writes     *writer.Serializer
	InviteOnly bool
	AutoAssign map[string][]string
}

// NewFlow creates the auth state machine.
func NewFlow(p FlowParams, log zerolog.Logger) *Flow {
	return &Flow{
		users:      p.Users,
		invites:    p.Invites,
		policy:     p.Policy,
		roles:      p.Roles,
		otp:        p.OTP,
		backups:    p.Backups,
		broker:     p.Broker,
		sessions:   p.Sessions,
		devices:    p.Devices,
		refresh:    p.Refresh,
		writes:     p.Writes,
		inviteOnly: p.InviteOnly,
		autoAssign: p.AutoAssign,
		log:        log.With().Str("component", "auth_flow").Logger(),
	}
}

// NativeMint asks a flow step to mint native-client credentials alongside its
// main effect: an HMAC session for the device plus a refresh token.
type NativeMint struct {
	ClientHandle string
	DeviceInfo   string
	Sighting     device.Sighting
}

// MintResult carries the one-time secrets of a native mint.
type MintResult struct {
	Session      *session.HMACSession
	RefreshToken string
}

// BeginEnrollment checks enrollment policy for the address, ensures an
// unverified user row, and issues the enrollment one-time code. In
// invite-only mode a live, address-matched invitation token is required.
func (f *Flow) BeginEnrollment(ctx context.Context, sess *session.Session, address, inviteToken string) error {
	addr, domain, err := addrpolicy.Normalize(address)
	if err != nil {
		return ErrPolicyRefused
	}
	if !f.policy.SuffixAllowed(addr) {
		return ErrPolicyRefused
	}
	blocked, err := f.policy.DomainBlocked(ctx, domain)
	if err != nil {
		f.log.Warn().Err(err).Msg("blocked-domain list unavailable, admitting address")
	} else if blocked {
		return ErrPolicyRefused
	}

	if f.inviteOnly {
		if inviteToken == "" {
			return ErrInviteRequired
		}
		if _, err := f.invites.Validate(ctx, inviteToken, addr); err != nil {
			return err
		}
	}

	_, err = writer.Await(ctx, f.writes, "flow.ensure_user", func(ctx context.Context) (*user.User, error) {
		return f.users.EnsureByAddress(ctx, addr)
	})
	if err != nil {
		return err
	}

	if err := f.otp.Generate(ctx, addr, OTPEnroll); err != nil {
		return err
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		Address:   &addr,
		FlowState: ptr(session.FlowAwaitingOTP),
	})
	return err
}

// VerifyOTP consumes the code, marks the user verified, consumes any pending
// invitation, applies configured auto-assign roles, and advances the session.
func (f *Flow) VerifyOTP(ctx context.Context, sess *session.Session, address, code string) (*user.User, error) {
	if sess.FlowState != session.FlowAwaitingOTP {
		return nil, session.ErrStateMismatch
	}
	addr, _, err := addrpolicy.Normalize(address)
	if err != nil {
		return nil, ErrPolicyRefused
	}

	if err := f.otp.Verify(ctx, addr, code); err != nil {
		return nil, err
	}

	u, err := writer.Await(ctx, f.writes, "flow.verify_otp", func(ctx context.Context) (*user.User, error) {
		u, err := f.users.GetByAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		if err := f.users.SetVerified(ctx, u.ID); err != nil {
			return nil, err
		}
		u.Verified = true

		if inv, err := f.invites.ActiveByAddress(ctx, addr); err == nil {
			if err := f.invites.Consume(ctx, inv.ID); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, invite.ErrNotFound) {
			return nil, err
		}

		if err := f.assignConfiguredRoles(ctx, u.ID, addr); err != nil {
			return nil, err
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		UserID:    &u.ID,
		FlowState: ptr(session.FlowOTPVerified),
	})
	if err != nil {
		return nil, err
	}

	f.log.Info().Str("user_id", u.ID.String()).Msg("address verified")
	return u, nil
}

// EmitBackupCodes issues the user's recovery codes. The underlying service
// permits this once; regeneration has its own gate.
func (f *Flow) EmitBackupCodes(ctx context.Context, sess *session.Session) ([]string, error) {
	if sess.UserID == nil {
		return nil, session.ErrStateMismatch
	}
	if sess.FlowState != session.FlowOTPVerified && sess.FlowState != session.FlowAwaitingBackupCodes {
		return nil, session.ErrStateMismatch
	}

	codes, err := f.backups.Generate(ctx, *sess.UserID)
	if err != nil {
		return nil, err
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		FlowState: ptr(session.FlowAwaitingCredential),
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// BeginCredentialEnrollment issues attestation options for the session's user.
func (f *Flow) BeginCredentialEnrollment(ctx context.Context, sess *session.Session) (*protocol.CredentialCreation, error) {
	if sess.UserID == nil || sess.FlowState != session.FlowAwaitingCredential {
		return nil, session.ErrStateMismatch
	}
	u, creds, err := f.userWithCredentials(ctx, *sess.UserID)
	if err != nil {
		return nil, err
	}
	return f.broker.BeginRegistration(ctx, sess.ID, u, creds)
}

// EnrollCredential verifies the attestation and appends the credential. For
// the user's first credential a native mint may be requested, binding the
// device and returning its one-time secrets.
func (f *Flow) EnrollCredential(ctx context.Context, sess *session.Session, body io.Reader, native *NativeMint) (*MintResult, error) {
	if sess.UserID == nil || sess.FlowState != session.FlowAwaitingCredential {
		return nil, session.ErrStateMismatch
	}
	userID := *sess.UserID

	u, creds, err := f.userWithCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	cred, err := f.broker.FinishRegistration(ctx, sess.ID, u, creds, body)
	if err != nil {
		return nil, err
	}
	cred.IP = native.sightingIP()

	first, err := f.appendCredential(ctx, userID, cred)
	if err != nil {
		return nil, err
	}

	var minted *MintResult
	if first && native != nil {
		minted, err = f.mintNative(ctx, userID, native)
		if err != nil {
			return nil, err
		}
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		FlowState: ptr(session.FlowAwaitingProfile),
	})
	if err != nil {
		return nil, err
	}

	f.log.Info().Str("user_id", userID.String()).Str("credential_id", cred.ID).Msg("credential enrolled")
	return minted, nil
}

// BeginAssertion issues assertion options for a returning user.
func (f *Flow) BeginAssertion(ctx context.Context, sess *session.Session, address string) (*protocol.CredentialAssertion, error) {
	u, creds, err := f.lookupForAssertion(ctx, address)
	if err != nil {
		return nil, err
	}
	return f.broker.BeginLogin(ctx, sess.ID, u, creds)
}

// AssertCredential validates a login assertion and completes the session.
// Flows arriving from an embedded browser must present the one-time
// csrf_state previously parked in the session.
func (f *Flow) AssertCredential(ctx context.Context, sess *session.Session, address string, body io.Reader, fromEmbeddedBrowser bool, csrfState string, native *NativeMint) (*MintResult, error) {
	if fromEmbeddedBrowser {
		if sess.CSRFState == nil || csrfState == "" || csrfState != *sess.CSRFState {
			return nil, ErrCSRFStateMismatch
		}
	}

	u, creds, err := f.lookupForAssertion(ctx, address)
	if err != nil {
		return nil, err
	}

	credID, err := f.broker.FinishLogin(ctx, sess.ID, u, creds, body)
	if err != nil {
		return nil, err
	}

	if err := f.recordAssertion(ctx, u.ID, credID, native); err != nil {
		return nil, err
	}

	var minted *MintResult
	if native != nil {
		minted, err = f.mintNative(ctx, u.ID, native)
		if err != nil {
			return nil, err
		}
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		UserID:    &u.ID,
		FlowState: ptr(session.FlowComplete),
		ClearCSRF: fromEmbeddedBrowser,
	})
	if err != nil {
		return nil, err
	}

	f.log.Info().Str("user_id", u.ID.String()).Str("credential_id", credID).Msg("login asserted")
	return minted, nil
}

// RecoverWithBackupCode verifies a recovery code for the session's address
// and reopens credential enrollment so the user can register a new
// authenticator.
func (f *Flow) RecoverWithBackupCode(ctx context.Context, sess *session.Session, address, code string) error {
	addr, _, err := addrpolicy.Normalize(address)
	if err != nil {
		return ErrPolicyRefused
	}
	u, err := f.users.GetByAddress(ctx, addr)
	if err != nil {
		return err
	}

	if err := f.backups.Verify(ctx, sess.ID, u.ID, code); err != nil {
		return err
	}

	_, err = f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		UserID:    &u.ID,
		FlowState: ptr(session.FlowAwaitingCredential),
	})
	return err
}

// CompleteProfile closes the enrollment flow once the profile step is done.
func (f *Flow) CompleteProfile(ctx context.Context, sess *session.Session) error {
	if sess.UserID == nil || sess.FlowState != session.FlowAwaitingProfile {
		return session.ErrStateMismatch
	}
	_, err := f.sessions.Update(ctx, sess.ID, session.CookieUpdate{
		FlowState: ptr(session.FlowComplete),
	})
	return err
}

// IssueCSRFState parks a one-time state value in the session for a subsequent
// embedded-browser assertion.
func (f *Flow) IssueCSRFState(ctx context.Context, sess *session.Session) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	_, err := f.sessions.Update(ctx, sess.ID, session.CookieUpdate{CSRFState: &state})
	if err != nil {
		return "", err
	}
	return state, nil
}

// appendCredential re-reads the user's credential list and appends inside one
// serialized turn, reporting whether this was the first credential. Appending
// a list fetched before the turn could overwrite a concurrent enrollment.
func (f *Flow) appendCredential(ctx context.Context, userID uuid.UUID, cred *user.Credential) (bool, error) {
	return writer.Await(ctx, f.writes, "flow.enroll_credential", func(ctx context.Context) (bool, error) {
		current, err := f.users.Credentials(ctx, userID)
		if err != nil {
			return false, err
		}
		first := len(current) == 0
		return first, f.users.SetCredentials(ctx, userID, append(current, *cred))
	})
}

// recordAssertion stamps the asserted credential's last login and reactivates
// the account, read-modify-write inside one serialized turn.
func (f *Flow) recordAssertion(ctx context.Context, userID uuid.UUID, credID string, native *NativeMint) error {
	_, err := writer.Await(ctx, f.writes, "flow.assert_credential", func(ctx context.Context) (struct{}, error) {
		current, err := f.users.Credentials(ctx, userID)
		if err != nil {
			return struct{}{}, err
		}
		now := time.Now()
		for i := range current {
			if current[i].ID == credID {
				current[i].LastLogin = &now
				if native != nil {
					current[i].IP = native.sightingIP()
				}
			}
		}
		if err := f.users.SetCredentials(ctx, userID, current); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, f.users.SetActive(ctx, userID, true)
	})
	return err
}

func (f *Flow) mintNative(ctx context.Context, userID uuid.UUID, native *NativeMint) (*MintResult, error) {
	dev, err := f.devices.Ensure(ctx, userID, native.ClientHandle, native.Sighting)
	if err != nil {
		return nil, err
	}

	hmacSess, err := f.sessions.MintHMAC(ctx, userID, dev.DeviceID, dev.ClientHandle, native.DeviceInfo)
	if err != nil {
		return nil, err
	}

	token, err := f.refresh.Issue(ctx, dev.ClientHandle, userID)
	if err != nil {
		return nil, err
	}
	return &MintResult{Session: hmacSess, RefreshToken: token.Token}, nil
}

func (f *Flow) lookupForAssertion(ctx context.Context, address string) (*user.User, []user.Credential, error) {
	addr, _, err := addrpolicy.Normalize(address)
	if err != nil {
		return nil, nil, ErrPolicyRefused
	}
	u, err := f.users.GetByAddress(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	if !u.Verified {
		return nil, nil, ErrAccountUnverified
	}
	creds, err := f.users.Credentials(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(creds) == 0 {
		return nil, nil, ErrNoCredentialsEnrolled
	}
	return u, creds, nil
}

func (f *Flow) userWithCredentials(ctx context.Context, userID uuid.UUID) (*user.User, []user.Credential, error) {
	u, err := f.users.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	creds, err := f.users.Credentials(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return u, creds, nil
}

func (f *Flow) assignConfiguredRoles(ctx context.Context, userID uuid.UUID, addr string) error {
	for _, name := range f.autoAssign[addr] {
		r, err := f.roles.GetByName(ctx, name)
		if errors.Is(err, role.ErrNotFound) {
			f.log.Warn().Str("role", name).Str("address", addr).Msg("auto-assign role does not exist")
			continue
		}
		if err != nil {
			return err
		}
		if err := f.roles.AssignServer(ctx, userID, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (n *NativeMint) sightingIP() string {
	if n == nil {
		return ""
	}
	return n.Sighting.IP
}

func ptr[T any](v T) *T { return &v }
