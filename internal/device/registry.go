package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Registry orchestrates device lifecycle. Every mutation goes through the
// write serializer so device-number assignment and cross-account reclaim
// never race.
type Registry struct {
	repo   *PGRepository
	db     *pgxpool.Pool
	writes *writer.Serializer
	log    zerolog.Logger
}

// NewRegistry creates a device registry.
func NewRegistry(db *pgxpool.Pool, writes *writer.Serializer, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   NewPGRepository(db),
		db:     db,
		writes: writes,
		log:    logger.With().Str("component", "device").Logger(),
	}
}

// Repo exposes read access for other components.
func (g *Registry) Repo() *PGRepository { return g.repo }

// Ensure finds or creates the device for (userID, clientHandle) and refreshes
// its sighting metadata. A handle already registered to a different account is
// reclaimed: the old row is deleted, which cascades its pre-keys and sessions,
// and a fresh row with a new device number is created for the new owner.
func (g *Registry) Ensure(ctx context.Context, userID uuid.UUID, clientHandle string, s Sighting) (*Device, error) {
	existing, err := g.repo.GetByHandle(ctx, clientHandle)
	if err == nil && existing.UserID == userID {
		if err := g.repo.touch(ctx, userID, existing.DeviceID, s); err != nil {
			g.log.Warn().Err(err).Str("client_handle", clientHandle).Msg("failed to refresh device sighting")
		}
		existing.IP, existing.UserAgent, existing.Location = s.IP, s.UserAgent, s.Location
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return writer.Await(ctx, g.writes, "device.ensure", func(ctx context.Context) (*Device, error) {
		var created *Device
		err := postgres.WithTx(ctx, g.db, func(tx pgx.Tx) error {
			// Re-check under the serializer; the handle may have been
			// registered or reclaimed since the read above.
			var owner uuid.UUID
			err := tx.QueryRow(ctx,
				`SELECT user_id FROM devices WHERE client_handle = $1`, clientHandle).Scan(&owner)
			switch {
			case err == nil && owner == userID:
				d, err := scanDevice(tx.QueryRow(ctx,
					`SELECT `+selectColumns+` FROM devices WHERE client_handle = $1`, clientHandle))
				if err != nil {
					return err
				}
				created = d
				return nil
			case err == nil:
				g.log.Info().
					Str("client_handle", clientHandle).
					Str("old_user_id", owner.String()).
					Str("new_user_id", userID.String()).
					Msg("reclaiming device handle across accounts")
				if err := deleteByHandle(ctx, tx, clientHandle); err != nil {
					return err
				}
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("query device owner: %w", err)
			}

			d, err := insert(ctx, tx, userID, clientHandle, s)
			if err != nil {
				return err
			}
			created = d
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ensure device: %w", err)
		}
		return created, nil
	})
}

// Touch refreshes the sighting metadata of a known device. Failures are
// logged, not surfaced; a stale last-seen must never fail a request.
func (g *Registry) Touch(ctx context.Context, userID uuid.UUID, deviceID int, s Sighting) {
	if err := g.repo.touch(ctx, userID, deviceID, s); err != nil {
		g.log.Warn().Err(err).Int("device_id", deviceID).Msg("failed to refresh device sighting")
	}
}

// SetIdentity stores the long-term identity key and registration id published
// by the device during key setup.
func (g *Registry) SetIdentity(ctx context.Context, userID uuid.UUID, deviceID int, identityKey []byte, registrationID int64) error {
	_, err := writer.Await(ctx, g.writes, "device.set_identity", func(ctx context.Context) (struct{}, error) {
		tag, err := g.db.Exec(ctx,
			`UPDATE devices SET identity_key = $3, registration_id = $4 WHERE user_id = $1 AND device_id = $2`,
			userID, deviceID, identityKey, registrationID)
		if err != nil {
			return struct{}{}, fmt.Errorf("set device identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, ErrNotFound
		}
		return struct{}{}, nil
	})
	return err
}

// Remove deletes one of the caller's devices. The device the caller is
// currently authenticated as is refused; log out first, then remove it from
// another device. Pre-keys, sessions, and refresh tokens go with the row.
func (g *Registry) Remove(ctx context.Context, userID uuid.UUID, deviceID, currentDeviceID int) error {
	if deviceID == currentDeviceID {
		return ErrCurrentDevice
	}
	_, err := writer.Await(ctx, g.writes, "device.remove", func(ctx context.Context) (struct{}, error) {
		err := postgres.WithTx(ctx, g.db, func(tx pgx.Tx) error {
			var handle string
			err := tx.QueryRow(ctx,
				`SELECT client_handle FROM devices WHERE user_id = $1 AND device_id = $2`,
				userID, deviceID).Scan(&handle)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("query device handle: %w", err)
			}
			return deleteByHandle(ctx, tx, handle)
		})
		return struct{}{}, err
	})
	return err
}

// List returns the caller's devices.
func (g *Registry) List(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	return g.repo.ListByUser(ctx, userID)
}
