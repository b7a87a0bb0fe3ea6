// Package refresh implements single-use rotating refresh tokens. Used tokens
// are retained so a replay is distinguishable from an unknown token; replay
// burns the whole chain for that client handle.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// tokenSize is the raw token length in bytes before base64url encoding.
const tokenSize = 64

// Sentinel errors for the refresh package.
var (
	ErrTokenInvalid     = errors.New("refresh token unknown")
	ErrTokenExpired     = errors.New("refresh token expired")
	ErrChainCompromised = errors.New("refresh token reuse detected, chain revoked")
)

// Token is one refresh-token row.
type Token struct {
	Token         string
	ClientHandle  string
	UserID        uuid.UUID
	ExpiresAt     time.Time
	UsedAt        *time.Time
	RotationCount int
	CreatedAt     time.Time
}

// Store issues and redeems refresh tokens. All writes run through the
// serializer so redemption is atomic.
type Store struct {
	db       *pgxpool.Pool
	writes   *writer.Serializer
	lifetime time.Duration
	log      zerolog.Logger
}

// NewStore creates a refresh-token store.
func NewStore(db *pgxpool.Pool, writes *writer.Serializer, lifetime time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		db:       db,
		writes:   writes,
		lifetime: lifetime,
		log:      logger.With().Str("component", "refresh").Logger(),
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates the first token of a chain.
func (s *Store) Issue(ctx context.Context, clientHandle string, userID uuid.UUID) (*Token, error) {
	return writer.Await(ctx, s.writes, "refresh.issue", func(ctx context.Context) (*Token, error) {
		return insert(ctx, s.db, clientHandle, userID, 0, s.lifetime)
	})
}

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insert(ctx context.Context, db execer, clientHandle string, userID uuid.UUID, rotation int, lifetime time.Duration) (*Token, error) {
	value, err := newToken()
	if err != nil {
		return nil, err
	}
	var t Token
	err = db.QueryRow(ctx,
		`INSERT INTO refresh_tokens (token, client_handle, user_id, expires_at, rotation_count)
		 VALUES ($1, $2, $3, now() + $4, $5)
		 RETURNING token, client_handle, user_id, expires_at, used_at, rotation_count, created_at`,
		value, clientHandle, userID, lifetime, rotation).
		Scan(&t.Token, &t.ClientHandle, &t.UserID, &t.ExpiresAt, &t.UsedAt, &t.RotationCount, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert refresh token: %w", err)
	}
	return &t, nil
}

// chain is the storage surface one redemption works against.
type chain interface {
	lookup(ctx context.Context, token string) (*Token, error)
	markUsed(ctx context.Context, token string) error
	revoke(ctx context.Context, clientHandle string) error
	insert(ctx context.Context, clientHandle string, userID uuid.UUID, rotation int) (*Token, error)
}

// redeem exchanges a live token for its successor. An already-used token
// deletes every token for its client handle and fails with
// ErrChainCompromised.
func redeem(ctx context.Context, c chain, tokenValue string, now time.Time, log zerolog.Logger) (*Token, error) {
	t, err := c.lookup(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	if t.UsedAt != nil {
		log.Warn().
			Str("client_handle", t.ClientHandle).
			Str("user_id", t.UserID.String()).
			Msg("refresh token reuse, revoking chain")
		if err := c.revoke(ctx, t.ClientHandle); err != nil {
			return nil, err
		}
		return nil, ErrChainCompromised
	}
	if now.After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if err := c.markUsed(ctx, tokenValue); err != nil {
		return nil, err
	}
	return c.insert(ctx, t.ClientHandle, t.UserID, t.RotationCount+1)
}

// txChain backs one redemption with the enclosing transaction.
type txChain struct {
	tx       pgx.Tx
	lifetime time.Duration
}

func (c txChain) lookup(ctx context.Context, tokenValue string) (*Token, error) {
	var t Token
	err := c.tx.QueryRow(ctx,
		`SELECT token, client_handle, user_id, expires_at, used_at, rotation_count, created_at
		 FROM refresh_tokens WHERE token = $1`, tokenValue).
		Scan(&t.Token, &t.ClientHandle, &t.UserID, &t.ExpiresAt, &t.UsedAt, &t.RotationCount, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	return &t, nil
}

func (c txChain) markUsed(ctx context.Context, tokenValue string) error {
	if _, err := c.tx.Exec(ctx,
		`UPDATE refresh_tokens SET used_at = now() WHERE token = $1`, tokenValue); err != nil {
		return fmt.Errorf("mark refresh token used: %w", err)
	}
	return nil
}

func (c txChain) revoke(ctx context.Context, clientHandle string) error {
	if _, err := c.tx.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE client_handle = $1`, clientHandle); err != nil {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	return nil
}

func (c txChain) insert(ctx context.Context, clientHandle string, userID uuid.UUID, rotation int) (*Token, error) {
	return insert(ctx, c.tx, clientHandle, userID, rotation, c.lifetime)
}

// Redeem exchanges a live token for its successor inside one serialized
// transaction.
func (s *Store) Redeem(ctx context.Context, tokenValue string) (*Token, error) {
	return writer.Await(ctx, s.writes, "refresh.redeem", func(ctx context.Context) (*Token, error) {
		var successor *Token
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			var err error
			successor, err = redeem(ctx, txChain{tx: tx, lifetime: s.lifetime}, tokenValue, time.Now(), s.log)
			return err
		})
		if err != nil {
			return nil, err
		}
		return successor, nil
	})
}

// RevokeChain deletes every token for a client handle, used on logout and
// device removal.
func (s *Store) RevokeChain(ctx context.Context, clientHandle string) error {
	_, err := writer.Await(ctx, s.writes, "refresh.revoke_chain", func(ctx context.Context) (struct{}, error) {
		if _, err := s.db.Exec(ctx,
			`DELETE FROM refresh_tokens WHERE client_handle = $1`, clientHandle); err != nil {
			return struct{}{}, fmt.Errorf("revoke refresh chain: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
