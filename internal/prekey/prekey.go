// Package prekey stores per-device Signal key material: the long-term
// identity key, an append-only chain of signed pre-keys, and a pool of
// one-time pre-keys consumed exactly once by bundle fetches.
package prekey

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoIdentity means the device never published an identity key.
	ErrNoIdentity = errors.New("device has no identity key")
	// ErrNoSignedPreKey means the device never published a signed pre-key.
	ErrNoSignedPreKey = errors.New("device has no signed pre-key")
)

// SignedPreKey is one entry of a device's append-only signed pre-key chain.
type SignedPreKey struct {
	PreKeyID  int64     `json:"prekey_id"`
	Blob      []byte    `json:"blob"`
	CreatedAt time.Time `json:"created_at"`
}

// OneTimePreKey is one pool entry, destroyed when a bundle fetch selects it.
type OneTimePreKey struct {
	PreKeyID int64  `json:"prekey_id"`
	Blob     []byte `json:"blob"`
}

// DeviceBundle is the key material for one device inside a bundle response.
// OneTimePreKey is nil when the pool is empty; the caller proceeds without it.
type DeviceBundle struct {
	UserID         uuid.UUID      `json:"user_id"`
	DeviceID       int            `json:"device_id"`
	IdentityKey    []byte         `json:"identity_key"`
	RegistrationID int64          `json:"registration_id"`
	SignedPreKey   SignedPreKey   `json:"signed_prekey"`
	OneTimePreKey  *OneTimePreKey `json:"one_time_prekey"`
}

// Status is the minimal key-state summary a client uses to decide whether it
// must (re)publish.
type Status struct {
	IdentityKey        []byte `json:"identity_key,omitempty"`
	NewestSignedKeyID  *int64 `json:"newest_signed_prekey_id,omitempty"`
	OneTimePreKeyCount int    `json:"one_time_prekey_count"`
}

// ClientState is what a client claims to hold locally for one device.
type ClientState struct {
	HasIdentity       bool    `json:"has_identity"`
	SignedPreKeyID    *int64  `json:"signed_prekey_id"`
	OneTimePreKeyIDs  []int64 `json:"one_time_prekey_ids"`
}

// SyncReport describes the difference between a client's claimed key state
// and the server's. All fields zero means the two agree.
type SyncReport struct {
	OK                 bool    `json:"ok"`
	IdentityMissing    bool    `json:"identity_missing,omitempty"`
	SignedPreKeyStale  bool    `json:"signed_prekey_stale,omitempty"`
	ConsumedPreKeyIDs  []int64 `json:"consumed_prekey_ids,omitempty"`
}
