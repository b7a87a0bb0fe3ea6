package envelope

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `id, message_id, sender_user_id, sender_device_id, receiver_user_id, receiver_device_id,
	channel_id, kind, cipher_kind, payload, created_at`

// PGRepository implements envelope persistence using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed envelope repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

var copyColumns = []string{
	"message_id", "sender_user_id", "sender_device_id", "receiver_user_id", "receiver_device_id",
	"channel_id", "kind", "cipher_kind", "payload",
}

// insertBatch bulk-inserts envelope rows via COPY inside the caller's
// transaction. Failure is atomic at the batch level.
func insertBatch(ctx context.Context, tx pgx.Tx, envs []Envelope) error {
	rows := make([][]any, len(envs))
	for i, e := range envs {
		rows[i] = []any{
			e.MessageID, e.SenderUserID, e.SenderDeviceID, e.ReceiverUserID, e.ReceiverDeviceID,
			e.ChannelID, e.Kind, e.CipherKind, e.Payload,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"envelopes"}, copyColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy envelopes: %w", err)
	}
	return nil
}

// ReadDirect returns the caller device's direct inbox with one peer: rows
// addressed to the caller device, outside any channel, sent by the peer or by
// the caller's own other devices.
func (r *PGRepository) ReadDirect(ctx context.Context, userID uuid.UUID, deviceID int, peerUserID uuid.UUID) ([]Envelope, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes
		 WHERE receiver_user_id = $1 AND receiver_device_id = $2
		   AND channel_id IS NULL
		   AND sender_user_id IN ($1, $3)
		 ORDER BY id`,
		userID, deviceID, peerUserID)
	if err != nil {
		return nil, fmt.Errorf("query direct inbox: %w", err)
	}
	return collectEnvelopes(rows)
}

// ReadChannel returns the caller device's inbox rows for one channel.
func (r *PGRepository) ReadChannel(ctx context.Context, userID uuid.UUID, deviceID int, channelID uuid.UUID) ([]Envelope, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes
		 WHERE receiver_user_id = $1 AND receiver_device_id = $2 AND channel_id = $3
		 ORDER BY id`,
		userID, deviceID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel inbox: %w", err)
	}
	return collectEnvelopes(rows)
}

// ReadAllChannels returns the caller device's inbox rows across every channel
// the caller belongs to.
func (r *PGRepository) ReadAllChannels(ctx context.Context, userID uuid.UUID, deviceID int) ([]Envelope, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM envelopes e
		 WHERE e.receiver_user_id = $1 AND e.receiver_device_id = $2
		   AND e.channel_id IS NOT NULL
		   AND (EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = e.channel_id AND m.user_id = $1)
		     OR EXISTS (SELECT 1 FROM channels c WHERE c.id = e.channel_id AND c.owner_user_id = $1))
		 ORDER BY e.id`,
		userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query all-channels inbox: %w", err)
	}
	return collectEnvelopes(rows)
}

// canDelete reports whether the caller is sender or receiver of at least one
// envelope in the matching set.
func canDelete(ctx context.Context, tx pgx.Tx, callerUserID uuid.UUID, messageID uuid.UUID, receiverUserID *uuid.UUID, receiverDeviceID *int) (bool, error) {
	var allowed bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM envelopes
		     WHERE message_id = $1
		       AND ($2::uuid IS NULL OR receiver_user_id = $2)
		       AND ($3::int IS NULL OR receiver_device_id = $3)
		       AND (sender_user_id = $4 OR receiver_user_id = $4)
		 )`,
		messageID, receiverUserID, receiverDeviceID, callerUserID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check delete permission: %w", err)
	}
	return allowed, nil
}

// deleteMatching removes every envelope matching (message_id, optional
// receiver user, optional receiver device) and returns the row count.
func deleteMatching(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, receiverUserID *uuid.UUID, receiverDeviceID *int) (int64, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM envelopes
		 WHERE message_id = $1
		   AND ($2::uuid IS NULL OR receiver_user_id = $2)
		   AND ($3::int IS NULL OR receiver_device_id = $3)`,
		messageID, receiverUserID, receiverDeviceID)
	if err != nil {
		return 0, fmt.Errorf("delete envelopes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	defer rows.Close()

	var envs []Envelope
	for rows.Next() {
		var e Envelope
		if err := rows.Scan(
			&e.ID, &e.MessageID, &e.SenderUserID, &e.SenderDeviceID, &e.ReceiverUserID, &e.ReceiverDeviceID,
			&e.ChannelID, &e.Kind, &e.CipherKind, &e.Payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}
