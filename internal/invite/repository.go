package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = "id, address, created_by, expires_at, used_at, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a fresh invite bound to the given address.
func (r *PGRepository) Create(ctx context.Context, address string, createdBy uuid.UUID, lifetime time.Duration) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`INSERT INTO invites (id, address, created_by, expires_at)
		 VALUES ($1, $2, $3, now() + $4) RETURNING `+selectColumns,
		uuid.New(), address, createdBy, lifetime))
	if err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// GetByID returns the invite with the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM invites WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite: %w", err)
	}
	return inv, nil
}

// ActiveByAddress returns the newest unused, unexpired invite bound to the
// address.
func (r *PGRepository) ActiveByAddress(ctx context.Context, address string) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM invites
		 WHERE lower(address) = lower($1) AND used_at IS NULL AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite by address: %w", err)
	}
	return inv, nil
}

// List returns all invites, newest first.
func (r *PGRepository) List(ctx context.Context) ([]Invite, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, *inv)
	}
	return invites, rows.Err()
}

// Consume marks the invite used. A second consumption finds no matching row
// and reports ErrUsed.
func (r *PGRepository) Consume(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE invites SET used_at = now() WHERE id = $1 AND used_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("consume invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var used *time.Time
		err := r.db.QueryRow(ctx, `SELECT used_at FROM invites WHERE id = $1`, id).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check invite: %w", err)
		}
		return ErrUsed
	}
	return nil
}

// Delete revokes an invite outright.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM invites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(&inv.ID, &inv.Address, &inv.CreatedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
