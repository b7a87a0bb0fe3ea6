package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
)

const selectColumns = "id, name, kind, private, owner_user_id, default_role_id, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns all channels ordered by creation time.
func (r *PGRepository) List(ctx context.Context) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM channels ORDER BY created_at", selectColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	return collectChannels(rows)
}

// ListForUser returns every channel the user owns or is a member of, plus all
// public channels.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM channels c
		 WHERE NOT c.private
		    OR c.owner_user_id = $1
		    OR EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.user_id = $1)
		 ORDER BY c.created_at`, selectColumns), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels for user: %w", err)
	}
	return collectChannels(rows)
}

// GetByID returns the channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE id = $1", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// Create inserts a new channel and its owner's membership row in one
// transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	var ch *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO channels (id, name, kind, private, owner_user_id, default_role_id)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING %s`, selectColumns),
			uuid.New(), params.Name, params.Kind, params.Private, params.OwnerUserID, params.DefaultRoleID,
		)
		var err error
		ch, err = scanChannel(row)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO channel_members (channel_id, user_id, permission_level) VALUES ($1, $2, $3)`,
			ch.ID, params.OwnerUserID, 0)
		if err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Rename updates the channel name and returns the updated row.
func (r *PGRepository) Rename(ctx context.Context, id uuid.UUID, name string) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE channels SET name = $2 WHERE id = $1 RETURNING %s", selectColumns), id, name,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rename channel: %w", err)
	}
	return ch, nil
}

// Delete removes the channel; memberships, role assignments, and envelopes
// cascade.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM channels WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Members returns the membership rows of a channel.
func (r *PGRepository) Members(ctx context.Context, id uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel_id, user_id, permission_level FROM channel_members WHERE channel_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.PermissionLevel); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsMember reports whether the user is the channel owner or has a membership
// row.
func (r *PGRepository) IsMember(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	var member bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM channels WHERE id = $1 AND owner_user_id = $2
		     UNION ALL
		     SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2
		 )`, id, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return member, nil
}

// AddMember inserts a membership row.
func (r *PGRepository) AddMember(ctx context.Context, id, userID uuid.UUID, level int) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id, permission_level) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`,
		id, userID, level)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert channel member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// RemoveMember deletes a membership row. The owner cannot be removed.
func (r *PGRepository) RemoveMember(ctx context.Context, id, userID uuid.UUID) error {
	ch, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ch.OwnerUserID == userID {
		return ErrOwnerLeave
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete channel member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// RecipientUserIDs returns the channel owner plus all members, deduplicated.
func (r *PGRepository) RecipientUserIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT owner_user_id FROM channels WHERE id = $1
		 UNION
		 SELECT user_id FROM channel_members WHERE channel_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query channel recipients: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var uid uuid.UUID
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan recipient id: %w", err)
		}
		ids = append(ids, uid)
	}
	return ids, rows.Err()
}

func collectChannels(rows pgx.Rows) ([]Channel, error) {
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// scanChannel scans a single row into a Channel struct.
func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.Private, &ch.OwnerUserID, &ch.DefaultRoleID, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}
