package permission

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ownerImplicit lists the channel-scope permissions every channel owner holds
// regardless of role assignments.
var ownerImplicit = []string{"channel.manage", "member.view", "user.add", "user.kick"}

// serverPermKey is a fixed sentinel UUID used as the channel ID component in cache keys for server-scope permission
// results. Channel IDs are v4 UUIDs, so the nil UUID cannot collide with a real channel.
var serverPermKey = uuid.Nil

// Resolver computes effective permissions for a user at server or channel
// scope.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// ResolveServer returns the user's effective server-scope permission set,
// using the cache when available.
func (r *Resolver) ResolveServer(ctx context.Context, userID uuid.UUID) (Set, error) {
	return r.resolve(ctx, userID, serverPermKey, func(ctx context.Context) (Set, error) {
		perms, err := r.store.ServerPermissions(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewSet(perms), nil
	})
}

// ResolveChannel returns the user's effective permission set within one
// channel: the union of channel-scope role grants plus the owner-implicit
// grants when the user owns the channel.
func (r *Resolver) ResolveChannel(ctx context.Context, userID, channelID uuid.UUID) (Set, error) {
	return r.resolve(ctx, userID, channelID, func(ctx context.Context) (Set, error) {
		perms, err := r.store.ChannelPermissions(ctx, userID, channelID)
		if err != nil {
			return nil, err
		}
		set := NewSet(perms)

		owner, err := r.store.ChannelOwner(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if owner == userID {
			for _, p := range ownerImplicit {
				set.Add(p)
			}
		}
		return set, nil
	})
}

// HasServer checks one server-scope permission.
func (r *Resolver) HasServer(ctx context.Context, userID uuid.UUID, perm string) (bool, error) {
	set, err := r.ResolveServer(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

// HasChannel checks one channel-scope permission.
func (r *Resolver) HasChannel(ctx context.Context, userID uuid.UUID, perm string, channelID uuid.UUID) (bool, error) {
	set, err := r.ResolveChannel(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

func (r *Resolver) resolve(ctx context.Context, userID, cacheChannel uuid.UUID, compute func(ctx context.Context) (Set, error)) (Set, error) {
	set, ok, err := r.cache.Get(ctx, userID, cacheChannel)
	if err != nil {
		// Cache error is non-fatal; fall through to compute.
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to compute")
	}
	if ok {
		return set, nil
	}

	set, err = compute(ctx)
	if err != nil {
		return nil, err
	}

	if cacheErr := r.cache.Set(ctx, userID, cacheChannel, set); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}
	return set, nil
}
