package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChannelNotFound is returned by ChannelOwner for an unknown channel.
var ErrChannelNotFound = errors.New("channel not found")

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) ServerPermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT unnest(r.permissions) FROM roles r
		JOIN user_roles_server ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query server permissions: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) ChannelPermissions(ctx context.Context, userID, channelID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT unnest(r.permissions) FROM roles r
		JOIN user_roles_channel ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 AND ur.channel_id = $2
	`, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel permissions: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) ChannelOwner(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := s.db.QueryRow(ctx,
		"SELECT owner_user_id FROM channels WHERE id = $1", channelID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrChannelNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query channel owner: %w", err)
	}
	return owner, nil
}

func collect(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
