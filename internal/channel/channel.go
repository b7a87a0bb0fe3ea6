package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Channel kind constants matching the database CHECK constraint. The kind
// decides which role scope applies and whether the channel carries ciphertext
// envelopes (signal) or live media sessions (realtime).
const (
	KindRealtime = "realtime"
	KindSignal   = "signal"
)

// Sentinel errors for the channel package.
var (
	ErrNotFound       = errors.New("channel not found")
	ErrNotMember      = errors.New("user is not a member of the channel")
	ErrAlreadyMember  = errors.New("user is already a member of the channel")
	ErrOwnerLeave     = errors.New("the channel owner cannot leave; delete or transfer the channel")
	ErrNameLength     = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidKind    = errors.New("channel kind must be realtime or signal")
)

// Channel holds the fields read from the database.
type Channel struct {
	ID            uuid.UUID
	Name          string
	Kind          string
	Private       bool
	OwnerUserID   uuid.UUID
	DefaultRoleID *uuid.UUID
	CreatedAt     time.Time
}

// Member is one membership row.
type Member struct {
	ChannelID       uuid.UUID
	UserID          uuid.UUID
	PermissionLevel int
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	Name          string
	Kind          string
	Private       bool
	OwnerUserID   uuid.UUID
	DefaultRoleID *uuid.UUID
}

// ValidateName trims and length-checks a channel name.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateKind checks that the channel kind is one of the allowed values.
func ValidateKind(kind string) error {
	if kind != KindRealtime && kind != KindSignal {
		return ErrInvalidKind
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
// Mutating methods are called from inside write-serializer closures only.
type Repository interface {
	List(ctx context.Context) ([]Channel, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	Rename(ctx context.Context, id uuid.UUID, name string) (*Channel, error)
	Delete(ctx context.Context, id uuid.UUID) error

	Members(ctx context.Context, id uuid.UUID) ([]Member, error)
	IsMember(ctx context.Context, id, userID uuid.UUID) (bool, error)
	AddMember(ctx context.Context, id, userID uuid.UUID, level int) error
	RemoveMember(ctx context.Context, id, userID uuid.UUID) error

	// RecipientUserIDs returns owner plus members, deduplicated. Used by
	// envelope fan-out.
	RecipientUserIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}
