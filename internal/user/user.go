package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for the user package.
var (
	ErrNotFound            = errors.New("user not found")
	ErrAlreadyExists       = errors.New("address or handle already taken")
	ErrInactive            = errors.New("user is deactivated")
	ErrDisplayHandleLength = errors.New("display handle must be between 1 and 32 characters")
	ErrShortHandleInvalid  = errors.New("short handle may only contain lowercase letters, digits, underscores, and periods")
	ErrAvatarTooLarge      = errors.New("profile image must be at most 1 MiB")
)

// MaxAvatarBytes bounds the stored profile image blob.
const MaxAvatarBytes = 1 << 20

// Prefs holds the per-user notification opt-in flags. Each flag is an
// authoritative on/off switch for the corresponding outbound mail.
type Prefs struct {
	InviteEmail          bool `json:"invite_email_enabled"`
	UpdateEmail          bool `json:"update_email_enabled"`
	CancelEmail          bool `json:"cancel_email_enabled"`
	SelfInviteEmail      bool `json:"self_invite_email_enabled"`
	RSVPToOrganizerEmail bool `json:"rsvp_to_organizer_email_enabled"`
}

// User holds the core identity fields read from the database.
type User struct {
	ID                uuid.UUID
	Address           string
	Verified          bool
	Active            bool
	DisplayHandle     *string
	ShortHandle       *string
	BackupCodesIssued bool
	Prefs             Prefs
	CreatedAt         time.Time
}

// BackupCode is one stored recovery code: a bcrypt hash plus a used flag.
// The slice of these is persisted as a JSON array on the user row; any
// mutation is a read-modify-write inside a single write-serializer closure.
type BackupCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used"`
}

// Credential is one public-key credential owned by the user, persisted as an
// element of a JSON array on the user row. PublicKey holds the COSE-encoded
// key exactly as extracted from the attestation; Transports always includes
// "hybrid" so cross-device resumption stays possible.
type Credential struct {
	ID         string     `json:"id"`
	PublicKey  []byte     `json:"public_key"`
	Transports []string   `json:"transports"`
	Flags      byte       `json:"flags"`
	CreatedAt  time.Time  `json:"created_at"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	IP         string     `json:"ip,omitempty"`
	Location   string     `json:"location,omitempty"`
}

// UpdateParams groups the optional profile fields. Nil means "leave as is".
type UpdateParams struct {
	DisplayHandle *string
	ShortHandle   *string
	Prefs         *Prefs
}

// Repository is the persistence port for users. Mutating methods are called
// from inside write-serializer closures only.
type Repository interface {
	EnsureByAddress(ctx context.Context, address string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByAddress(ctx context.Context, address string) (*User, error)
	SetVerified(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) error
	Delete(ctx context.Context, id uuid.UUID) error

	GetAvatar(ctx context.Context, id uuid.UUID) ([]byte, error)
	SetAvatar(ctx context.Context, id uuid.UUID, blob []byte) error

	BackupCodes(ctx context.Context, id uuid.UUID) ([]BackupCode, bool, error)
	SetBackupCodes(ctx context.Context, id uuid.UUID, codes []BackupCode, issued bool) error

	Credentials(ctx context.Context, id uuid.UUID) ([]Credential, error)
	SetCredentials(ctx context.Context, id uuid.UUID, creds []Credential) error
	FindCredentialOwner(ctx context.Context, credentialID string) (uuid.UUID, error)
}

var handlePolicy = bluemonday.StrictPolicy()

// NormalizeDisplayHandle strips markup and surrounding whitespace and
// validates length.
func NormalizeDisplayHandle(handle string) (string, error) {
	cleaned := strings.TrimSpace(handlePolicy.Sanitize(handle))
	n := utf8.RuneCountInString(cleaned)
	if n < 1 || n > 32 {
		return "", ErrDisplayHandleLength
	}
	return cleaned, nil
}

// ValidateShortHandle checks the short-handle alphabet and length.
func ValidateShortHandle(handle string) error {
	if len(handle) < 2 || len(handle) > 32 {
		return ErrShortHandleInvalid
	}
	for _, r := range handle {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return ErrShortHandleInvalid
		}
	}
	return nil
}
