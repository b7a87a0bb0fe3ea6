// Package device owns the per-user device registry. Device numbers are
// server-assigned positive integers, densely monotone per user; the
// client-generated handle is globally unique and may be reclaimed across
// accounts.
package device

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the device package.
var (
	ErrNotFound       = errors.New("device not found")
	ErrCurrentDevice  = errors.New("the current device cannot be removed from its own session")
	ErrHandleConflict = errors.New("client handle already registered")
)

// Device is one registered device of a user.
type Device struct {
	UserID         uuid.UUID
	DeviceID       int
	ClientHandle   string
	IP             string
	UserAgent      string
	Location       string
	IdentityKey    []byte
	RegistrationID int64
	CreatedAt      time.Time
	LastSeen       time.Time
}

// Sighting carries the request metadata refreshed on every authenticated
// sighting of a device.
type Sighting struct {
	IP        string
	UserAgent string
	Location  string
}
