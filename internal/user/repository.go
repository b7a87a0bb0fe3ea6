package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, address, verified, active, display_handle, short_handle, backup_codes_issued,
	invite_email_enabled, update_email_enabled, cancel_email_enabled, self_invite_email_enabled,
	rsvp_to_organizer_email_enabled, created_at`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Address, &u.Verified, &u.Active, &u.DisplayHandle, &u.ShortHandle, &u.BackupCodesIssued,
		&u.Prefs.InviteEmail, &u.Prefs.UpdateEmail, &u.Prefs.CancelEmail, &u.Prefs.SelfInviteEmail,
		&u.Prefs.RSVPToOrganizerEmail, &u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// EnsureByAddress returns the user for the given (lowercased) address, creating an unverified row on first sighting.
// The insert-then-reselect handles a concurrent creation of the same address.
func (r *PGRepository) EnsureByAddress(ctx context.Context, address string) (*User, error) {
	u, err := r.GetByAddress(ctx, address)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u, err = scanUser(r.db.QueryRow(ctx,
		`INSERT INTO users (id, address) VALUES ($1, $2) RETURNING `+selectColumns,
		uuid.New(), address,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return r.GetByAddress(ctx, address)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByAddress returns the user with the given address, matched case-insensitively.
func (r *PGRepository) GetByAddress(ctx context.Context, address string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM users WHERE lower(address) = lower($1)`, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by address: %w", err)
	}
	return u, nil
}

// SetVerified marks the user's address as verified.
func (r *PGRepository) SetVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the active flag.
func (r *PGRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update applies the non-nil profile fields.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) error {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.DisplayHandle != nil {
			if _, err := tx.Exec(ctx, `UPDATE users SET display_handle = $2 WHERE id = $1`, id, *params.DisplayHandle); err != nil {
				return err
			}
		}
		if params.ShortHandle != nil {
			if _, err := tx.Exec(ctx, `UPDATE users SET short_handle = $2 WHERE id = $1`, id, *params.ShortHandle); err != nil {
				return err
			}
		}
		if params.Prefs != nil {
			p := params.Prefs
			if _, err := tx.Exec(ctx,
				`UPDATE users SET invite_email_enabled = $2, update_email_enabled = $3, cancel_email_enabled = $4,
				 self_invite_email_enabled = $5, rsvp_to_organizer_email_enabled = $6 WHERE id = $1`,
				id, p.InviteEmail, p.UpdateEmail, p.CancelEmail, p.SelfInviteEmail, p.RSVPToOrganizerEmail); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// Delete hard-deletes the user; devices, pre-keys, sessions, refresh tokens, envelopes, memberships, and role
// assignments go with it via ON DELETE CASCADE.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAvatar returns the stored profile image blob, or nil when unset.
func (r *PGRepository) GetAvatar(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRow(ctx, `SELECT avatar FROM users WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query avatar: %w", err)
	}
	return blob, nil
}

// SetAvatar stores the profile image blob verbatim.
func (r *PGRepository) SetAvatar(ctx context.Context, id uuid.UUID, blob []byte) error {
	if len(blob) > MaxAvatarBytes {
		return ErrAvatarTooLarge
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET avatar = $2 WHERE id = $1`, id, blob)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BackupCodes returns the stored recovery codes and whether a batch was ever issued.
func (r *PGRepository) BackupCodes(ctx context.Context, id uuid.UUID) ([]BackupCode, bool, error) {
	var raw []byte
	var issued bool
	err := r.db.QueryRow(ctx, `SELECT backup_codes, backup_codes_issued FROM users WHERE id = $1`, id).Scan(&raw, &issued)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("query backup codes: %w", err)
	}

	var codes []BackupCode
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, false, fmt.Errorf("decode backup codes: %w", err)
	}
	return codes, issued, nil
}

// SetBackupCodes replaces the stored recovery-code array.
func (r *PGRepository) SetBackupCodes(ctx context.Context, id uuid.UUID, codes []BackupCode, issued bool) error {
	raw, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET backup_codes = $2, backup_codes_issued = $3 WHERE id = $1`, id, raw, issued)
	if err != nil {
		return fmt.Errorf("set backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Credentials returns the stored public-key credential array.
func (r *PGRepository) Credentials(ctx context.Context, id uuid.UUID) ([]Credential, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT credentials FROM users WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}

	var creds []Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// SetCredentials replaces the stored credential array.
func (r *PGRepository) SetCredentials(ctx context.Context, id uuid.UUID, creds []Credential) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET credentials = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindCredentialOwner returns the id of the user whose credential array contains the given credential id. Used by
// discoverable (resident-key) assertions where the client does not name a user.
func (r *PGRepository) FindCredentialOwner(ctx context.Context, credentialID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users
		 WHERE credentials @> jsonb_build_array(jsonb_build_object('id', $1::text))`,
		credentialID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query credential owner: %w", err)
	}
	return id, nil
}
