package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// selectColumns lists the columns returned by queries that produce a *Device.
const selectColumns = `user_id, device_id, client_handle, ip, user_agent, location, identity_key,
	registration_id, created_at, last_seen`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.UserID, &d.DeviceID, &d.ClientHandle, &d.IP, &d.UserAgent, &d.Location,
		&d.IdentityKey, &d.RegistrationID, &d.CreatedAt, &d.LastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}

// PGRepository implements device persistence using PostgreSQL. Mutating
// methods are only called from inside write-serializer closures.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed device repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Get returns the device identified by (userID, deviceID).
func (r *PGRepository) Get(ctx context.Context, userID uuid.UUID, deviceID int) (*Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// GetByHandle returns the device with the given client handle, regardless of owner.
func (r *PGRepository) GetByHandle(ctx context.Context, clientHandle string) (*Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM devices WHERE client_handle = $1`, clientHandle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device by handle: %w", err)
	}
	return d, nil
}

// ListByUser returns all devices of a user ordered by device number.
func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM devices WHERE user_id = $1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.UserID, &d.DeviceID, &d.ClientHandle, &d.IP, &d.UserAgent, &d.Location,
			&d.IdentityKey, &d.RegistrationID, &d.CreatedAt, &d.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListByUsers returns all devices belonging to any of the given users.
func (r *PGRepository) ListByUsers(ctx context.Context, userIDs []uuid.UUID) ([]Device, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM devices WHERE user_id = ANY($1) ORDER BY user_id, device_id`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query devices for users: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.UserID, &d.DeviceID, &d.ClientHandle, &d.IP, &d.UserAgent, &d.Location,
			&d.IdentityKey, &d.RegistrationID, &d.CreatedAt, &d.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// insert creates a device row with the next dense device number for the user.
// Runs inside the caller's transaction so the max() read and the insert are
// atomic; the write serializer additionally guarantees no concurrent assigner.
func insert(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientHandle string, s Sighting) (*Device, error) {
	d, err := scanDevice(tx.QueryRow(ctx,
		`INSERT INTO devices (user_id, device_id, client_handle, ip, user_agent, location)
		 SELECT $1, COALESCE(MAX(device_id), 0) + 1, $2, $3, $4, $5 FROM devices WHERE user_id = $1
		 RETURNING `+selectColumns,
		userID, clientHandle, s.IP, s.UserAgent, s.Location,
	))
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return d, nil
}

// deleteByHandle removes a device row together with its pre-keys, HMAC
// sessions, and refresh tokens. Pre-keys and sessions cascade from the device
// row; refresh tokens are keyed by client handle and deleted explicitly.
func deleteByHandle(ctx context.Context, tx pgx.Tx, clientHandle string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE client_handle = $1`, clientHandle); err != nil {
		return fmt.Errorf("delete refresh tokens for handle: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM hmac_sessions WHERE client_handle = $1`, clientHandle); err != nil {
		return fmt.Errorf("delete hmac sessions for handle: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM devices WHERE client_handle = $1`, clientHandle); err != nil {
		return fmt.Errorf("delete device for handle: %w", err)
	}
	return nil
}

// touch refreshes the sighting metadata and last-seen timestamp.
func (r *PGRepository) touch(ctx context.Context, userID uuid.UUID, deviceID int, s Sighting) error {
	_, err := r.db.Exec(ctx,
		`UPDATE devices SET ip = $3, user_agent = $4, location = $5, last_seen = now()
		 WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID, s.IP, s.UserAgent, s.Location)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
