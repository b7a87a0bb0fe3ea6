package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/user"
)

const (
	ceremonyPrefix = "webauthn:"
	ceremonyTTL    = 5 * time.Minute
)

// Broker wraps the WebAuthn protocol layer. It is a pure adapter: credential
// storage stays on the user row, ceremony state lives in Valkey keyed by the
// in-progress session.
type Broker struct {
	wa  *webauthn.WebAuthn
	rdb *redis.Client
	log zerolog.Logger
}

// NewBroker creates a credential broker. serverOrigin is the proxy-derived
// scheme://host; appOrigins are platform app-identity origins accepted
// verbatim alongside it.
func NewBroker(rdb *redis.Client, rpID, serverName, serverOrigin string, appOrigins []string, log zerolog.Logger) (*Broker, error) {
	origins := append([]string{serverOrigin}, appOrigins...)

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: serverName,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Broker{
		wa:  wa,
		rdb: rdb,
		log: log.With().Str("component", "credential_broker").Logger(),
	}, nil
}

// brokerUser adapts a user row plus its credential list to the webauthn.User
// interface.
type brokerUser struct {
	u     *user.User
	creds []user.Credential
}

func (b brokerUser) WebAuthnID() []byte { return b.u.ID[:] }

func (b brokerUser) WebAuthnName() string { return b.u.Address }

func (b brokerUser) WebAuthnDisplayName() string {
	if b.u.DisplayHandle != nil {
		return *b.u.DisplayHandle
	}
	return b.u.Address
}

func (b brokerUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(b.creds))
	for _, c := range b.creds {
		id, err := base64.RawURLEncoding.DecodeString(c.ID)
		if err != nil {
			continue
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, webauthn.Credential{
			ID:        id,
			PublicKey: c.PublicKey,
			Transport: transports,
		})
	}
	return out
}

// BeginRegistration issues creation options with a fresh challenge and parks
// the ceremony state under the session.
func (b *Broker) BeginRegistration(ctx context.Context, sessionID string, u *user.User, creds []user.Credential) (*protocol.CredentialCreation, error) {
	exclude := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, wc := range (brokerUser{u: u, creds: creds}).WebAuthnCredentials() {
		exclude = append(exclude, wc.Descriptor())
	}

	options, sess, err := b.wa.BeginRegistration(brokerUser{u: u, creds: creds},
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			RequireResidentKey: protocol.ResidentKeyRequired(),
			UserVerification:   protocol.VerificationPreferred,
		}),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
		webauthn.WithExclusions(exclude),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := b.storeCeremony(ctx, sessionID, "reg", sess); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the attestation response and returns the
// credential to append to the user's list. "hybrid" is always present in the
// stored transports.
func (b *Broker) FinishRegistration(ctx context.Context, sessionID string, u *user.User, creds []user.Credential, body io.Reader) (*user.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, ErrCredentialInvalid
	}

	sess, err := b.loadCeremony(ctx, sessionID, "reg")
	if err != nil {
		return nil, err
	}

	cred, err := b.wa.CreateCredential(brokerUser{u: u, creds: creds}, *sess, parsed)
	if err != nil {
		return nil, mapProtocolError(err)
	}

	stored := toStoredCredential(cred)
	return &stored, nil
}

// BeginLogin issues assertion options for the user's registered credentials.
func (b *Broker) BeginLogin(ctx context.Context, sessionID string, u *user.User, creds []user.Credential) (*protocol.CredentialAssertion, error) {
	if len(creds) == 0 {
		return nil, ErrCredentialUnknown
	}

	options, sess, err := b.wa.BeginLogin(brokerUser{u: u, creds: creds},
		webauthn.WithUserVerification(protocol.VerificationPreferred))
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}

	if err := b.storeCeremony(ctx, sessionID, "login", sess); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishLogin verifies the assertion response and returns the id of the
// credential that signed it.
func (b *Broker) FinishLogin(ctx context.Context, sessionID string, u *user.User, creds []user.Credential, body io.Reader) (string, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return "", ErrCredentialInvalid
	}

	known := slices.ContainsFunc(creds, func(c user.Credential) bool {
		return c.ID == parsed.ID
	})
	if !known {
		return "", ErrCredentialUnknown
	}

	sess, err := b.loadCeremony(ctx, sessionID, "login")
	if err != nil {
		return "", err
	}

	cred, err := b.wa.ValidateLogin(brokerUser{u: u, creds: creds}, *sess, parsed)
	if err != nil {
		return "", mapProtocolError(err)
	}
	return base64.RawURLEncoding.EncodeToString(cred.ID), nil
}

func (b *Broker) storeCeremony(ctx context.Context, sessionID, kind string, sess *webauthn.SessionData) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode ceremony state: %w", err)
	}
	key := ceremonyPrefix + sessionID + ":" + kind
	if err := b.rdb.Set(ctx, key, payload, ceremonyTTL).Err(); err != nil {
		return fmt.Errorf("store ceremony state: %w", err)
	}
	return nil
}

func (b *Broker) loadCeremony(ctx context.Context, sessionID, kind string) (*webauthn.SessionData, error) {
	key := ceremonyPrefix + sessionID + ":" + kind
	raw, err := b.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("load ceremony state: %w", err)
	}

	var sess webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode ceremony state: %w", err)
	}
	return &sess, nil
}

// toStoredCredential converts a verified credential to its persisted shape,
// guaranteeing "hybrid" appears in the transports.
func toStoredCredential(cred *webauthn.Credential) user.Credential {
	transports := make([]string, 0, len(cred.Transport)+1)
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	if !slices.Contains(transports, string(protocol.Hybrid)) {
		transports = append(transports, string(protocol.Hybrid))
	}

	var flags byte
	if cred.Flags.UserPresent {
		flags |= 1 << 0
	}
	if cred.Flags.UserVerified {
		flags |= 1 << 2
	}
	if cred.Flags.BackupEligible {
		flags |= 1 << 3
	}
	if cred.Flags.BackupState {
		flags |= 1 << 4
	}

	return user.Credential{
		ID:         base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:  cred.PublicKey,
		Transports: transports,
		Flags:      flags,
		CreatedAt:  time.Now(),
	}
}

// mapProtocolError folds library verification failures into the package's
// sentinel errors.
func mapProtocolError(err error) error {
	var pErr *protocol.Error
	if errors.As(err, &pErr) {
		details := strings.ToLower(pErr.Details + " " + pErr.DevInfo)
		switch {
		case strings.Contains(details, "origin"):
			return ErrOriginMismatch
		case strings.Contains(details, "challenge"):
			return ErrChallengeMismatch
		}
	}
	return ErrCredentialInvalid
}
