package session

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
)

const cookieColumns = `id, user_id, address, client_handle, device_id, flow_state, csrf_state, created_at, expires_at`

const hmacColumns = `client_handle, user_id, device_id, secret, device_info, created_at, last_used, expires_at`

// PGRepository persists both session kinds in PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed session repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// newSessionID returns a 256-bit random cookie value.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateCookie inserts a fresh anonymous cookie session.
func (r *PGRepository) CreateCookie(ctx context.Context, lifetime time.Duration) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	s, err := scanCookie(r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, expires_at) VALUES ($1, now() + $2) RETURNING `+cookieColumns,
		id, lifetime))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// GetCookie returns a live cookie session, or ErrNoSession / ErrSessionExpired.
func (r *PGRepository) GetCookie(ctx context.Context, id string) (*Session, error) {
	s, err := scanCookie(r.db.QueryRow(ctx,
		`SELECT `+cookieColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// CookieUpdate groups the mutable cookie-session fields. Nil means keep.
type CookieUpdate struct {
	UserID       *uuid.UUID
	Address      *string
	ClientHandle *string
	DeviceID     *int
	FlowState    *string
	CSRFState    *string
	ClearCSRF    bool
}

// UpdateCookie applies the non-nil fields.
func (r *PGRepository) UpdateCookie(ctx context.Context, id string, upd CookieUpdate) (*Session, error) {
	s, err := scanCookie(r.db.QueryRow(ctx,
		`UPDATE sessions SET
		     user_id = COALESCE($2, user_id),
		     address = COALESCE($3, address),
		     client_handle = COALESCE($4, client_handle),
		     device_id = COALESCE($5, device_id),
		     flow_state = COALESCE($6, flow_state),
		     csrf_state = CASE WHEN $8 THEN NULL ELSE COALESCE($7, csrf_state) END
		 WHERE id = $1 RETURNING `+cookieColumns,
		id, upd.UserID, upd.Address, upd.ClientHandle, upd.DeviceID, upd.FlowState, upd.CSRFState, upd.ClearCSRF))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("update session: %w", err)
	}
	return s, nil
}

// DeleteCookie destroys a cookie session.
func (r *PGRepository) DeleteCookie(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CreateHMAC inserts an HMAC session for a device, replacing any previous one
// for the same client handle.
func (r *PGRepository) CreateHMAC(ctx context.Context, s HMACSession) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO hmac_sessions (client_handle, user_id, device_id, secret, device_info, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (client_handle) DO UPDATE SET
		     user_id = EXCLUDED.user_id, device_id = EXCLUDED.device_id, secret = EXCLUDED.secret,
		     device_info = EXCLUDED.device_info, last_used = now(), expires_at = EXCLUDED.expires_at`,
		s.ClientHandle, s.UserID, s.DeviceID, s.Secret, s.DeviceInfo, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert hmac session: %w", err)
	}
	return nil
}

// GetHMAC returns the HMAC session for a client handle regardless of expiry;
// the verifier decides how to treat a stale row.
func (r *PGRepository) GetHMAC(ctx context.Context, clientHandle string) (*HMACSession, error) {
	var s HMACSession
	err := r.db.QueryRow(ctx,
		`SELECT `+hmacColumns+` FROM hmac_sessions WHERE client_handle = $1`, clientHandle).
		Scan(&s.ClientHandle, &s.UserID, &s.DeviceID, &s.Secret, &s.DeviceInfo, &s.CreatedAt, &s.LastUsed, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("query hmac session: %w", err)
	}
	return &s, nil
}

// TouchHMAC bumps last_used.
func (r *PGRepository) TouchHMAC(ctx context.Context, clientHandle string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE hmac_sessions SET last_used = now() WHERE client_handle = $1`, clientHandle)
	if err != nil {
		return fmt.Errorf("touch hmac session: %w", err)
	}
	return nil
}

// ExtendHMAC pushes expires_at out by the configured lifetime.
func (r *PGRepository) ExtendHMAC(ctx context.Context, clientHandle string, lifetime time.Duration) (time.Time, error) {
	var expires time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE hmac_sessions SET expires_at = now() + $2 WHERE client_handle = $1 RETURNING expires_at`,
		clientHandle, lifetime).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNoSession
		}
		return time.Time{}, fmt.Errorf("extend hmac session: %w", err)
	}
	return expires, nil
}

// DeleteHMAC destroys the HMAC session for a client handle.
func (r *PGRepository) DeleteHMAC(ctx context.Context, clientHandle string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM hmac_sessions WHERE client_handle = $1`, clientHandle)
	if err != nil {
		return fmt.Errorf("delete hmac session: %w", err)
	}
	return nil
}

func scanCookie(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.Address, &s.ClientHandle, &s.DeviceID,
		&s.FlowState, &s.CSRFState, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
