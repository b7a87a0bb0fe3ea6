package permission

import (
	"context"

	"github.com/google/uuid"
)

// Store provides read access to permission-related data.
type Store interface {
	// ServerPermissions is the union of the permission sets of the user's
	// server-scoped role assignments.
	ServerPermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
	// ChannelPermissions is the union of the permission sets of the user's
	// role assignments within one channel.
	ChannelPermissions(ctx context.Context, userID, channelID uuid.UUID) ([]string, error)
	// ChannelOwner returns the owner of a channel.
	ChannelOwner(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error)
}
