package role

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role scope constants matching the database CHECK constraint. The scope
// decides where a role may be assigned: server-wide, or per channel of the
// matching kind.
const (
	ScopeServer          = "server"
	ScopeRealtimeChannel = "realtime_channel"
	ScopeSignalChannel   = "signal_channel"
)

// Well-known permission strings. The set is open; unknown strings flow
// through resolution untouched.
const (
	PermChannelCreate = "channel.create"
	PermChannelManage = "channel.manage"
	PermUserAdd       = "user.add"
	PermUserKick      = "user.kick"
	PermRoleCreate    = "role.create"
	PermRoleEdit      = "role.edit"
	PermRoleDelete    = "role.delete"
	PermRoleAssign    = "role.assign"
	PermMemberView    = "member.view"
	PermServerManage  = "server.manage"
)

// Sentinel errors for the role package.
var (
	ErrNotFound         = errors.New("role not found")
	ErrAlreadyExists    = errors.New("role name already taken")
	ErrNameLength       = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidScope     = errors.New("role scope must be server, realtime_channel, or signal_channel")
	ErrScopeMismatch    = errors.New("role scope does not match the channel kind")
	ErrBuiltinImmutable = errors.New("builtin roles cannot be edited or deleted")
)

// Role holds the fields read from the database. Permissions is a set of
// opaque strings.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Scope       string
	Permissions []string
	Builtin     bool
}

// CreateParams groups the inputs for creating a new role.
type CreateParams struct {
	Name        string
	Description string
	Scope       string
	Permissions []string
}

// UpdateParams groups the optional fields for updating a role. Scope is
// immutable after creation.
type UpdateParams struct {
	Name        *string
	Description *string
	Permissions *[]string
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateScope checks that the scope is one of the allowed values.
func ValidateScope(scope string) error {
	switch scope {
	case ScopeServer, ScopeRealtimeChannel, ScopeSignalChannel:
		return nil
	}
	return ErrInvalidScope
}

// ScopeForChannelKind maps a channel kind to the role scope its roles must
// carry.
func ScopeForChannelKind(kind string) string {
	if kind == "realtime" {
		return ScopeRealtimeChannel
	}
	return ScopeSignalChannel
}

// Repository defines the data-access contract for role operations. Mutating
// methods are called from inside write-serializer closures only.
type Repository interface {
	List(ctx context.Context) ([]Role, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	Create(ctx context.Context, params CreateParams) (*Role, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Role, error)
	Delete(ctx context.Context, id uuid.UUID) error

	AssignServer(ctx context.Context, userID, roleID uuid.UUID) error
	UnassignServer(ctx context.Context, userID, roleID uuid.UUID) error
	AssignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error
	UnassignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error

	// ServerPermissions and ChannelPermissions return the union of the
	// permission sets granted by the user's role assignments at the given
	// scope. Owner-implicit grants are layered on top by the resolver.
	ServerPermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
	ChannelPermissions(ctx context.Context, userID, channelID uuid.UUID) ([]string, error)
}
