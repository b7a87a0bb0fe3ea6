package auth

import (
	"errors"
	"slices"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

func TestToStoredCredentialAppendsHybrid(t *testing.T) {
	t.Parallel()

	cred := &webauthn.Credential{
		ID:        []byte{1, 2, 3, 4},
		PublicKey: []byte{5, 6},
		Transport: []protocol.AuthenticatorTransport{protocol.Internal},
	}

	stored := toStoredCredential(cred)
	if !slices.Contains(stored.Transports, "hybrid") {
		t.Errorf("transports = %v, missing hybrid", stored.Transports)
	}
	if !slices.Contains(stored.Transports, "internal") {
		t.Errorf("transports = %v, missing internal", stored.Transports)
	}
}

func TestToStoredCredentialKeepsSingleHybrid(t *testing.T) {
	t.Parallel()

	cred := &webauthn.Credential{
		ID:        []byte{1},
		Transport: []protocol.AuthenticatorTransport{protocol.Hybrid},
	}

	stored := toStoredCredential(cred)
	count := 0
	for _, tr := range stored.Transports {
		if tr == "hybrid" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("hybrid appears %d times, want 1", count)
	}
}

func TestMapProtocolError(t *testing.T) {
	t.Parallel()

	origin := &protocol.Error{Details: "Error validating origin", DevInfo: "expected https://chat.example.com"}
	if err := mapProtocolError(origin); !errors.Is(err, ErrOriginMismatch) {
		t.Errorf("origin error mapped to %v, want ErrOriginMismatch", err)
	}

	challenge := &protocol.Error{Details: "Error validating challenge"}
	if err := mapProtocolError(challenge); !errors.Is(err, ErrChallengeMismatch) {
		t.Errorf("challenge error mapped to %v, want ErrChallengeMismatch", err)
	}

	other := &protocol.Error{Details: "Attestation format unsupported"}
	if err := mapProtocolError(other); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("generic error mapped to %v, want ErrCredentialInvalid", err)
	}
}
