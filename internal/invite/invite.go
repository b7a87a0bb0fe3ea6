// Package invite implements address-bound, time-limited, single-use
// invitations for invite-only servers. The link token is a signed JWT
// carrying the invite id; the database row is the revocation set.
package invite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound        = errors.New("invite not found")
	ErrExpired         = errors.New("invite has expired")
	ErrUsed            = errors.New("invite has already been used")
	ErrAddressMismatch = errors.New("invite is bound to a different address")
	ErrTokenInvalid    = errors.New("invite token is invalid")
)

// Audience is the JWT audience claim for invite tokens.
const Audience = "invite"

// Invite holds the fields read from the invites table.
type Invite struct {
	ID        uuid.UUID  `json:"id"`
	Address   string     `json:"address"`
	CreatedBy uuid.UUID  `json:"created_by"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Live reports whether the invite can still be redeemed at now.
func (i *Invite) Live(now time.Time) error {
	if i.UsedAt != nil {
		return ErrUsed
	}
	if now.After(i.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Repository defines the data-access contract for invite operations.
// Create and Consume are called from inside write-serializer closures only.
type Repository interface {
	Create(ctx context.Context, address string, createdBy uuid.UUID, lifetime time.Duration) (*Invite, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Invite, error)
	ActiveByAddress(ctx context.Context, address string) (*Invite, error)
	List(ctx context.Context) ([]Invite, error)
	Consume(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}
