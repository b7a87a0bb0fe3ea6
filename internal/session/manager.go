package session

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Manager owns cookie-session lifecycle and HMAC-session minting. Every
// mutation is a write-serializer submission.
type Manager struct {
	repo           *PGRepository
	writes         *writer.Serializer
	cookieLifetime time.Duration
	hmacLifetime   time.Duration
	secureCookies  bool
	log            zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(repo *PGRepository, writes *writer.Serializer, cookieLifetime, hmacLifetime time.Duration, secureCookies bool, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:           repo,
		writes:         writes,
		cookieLifetime: cookieLifetime,
		hmacLifetime:   hmacLifetime,
		secureCookies:  secureCookies,
		log:            logger.With().Str("component", "session").Logger(),
	}
}

// HMACLifetime exposes the configured native-session lifetime.
func (m *Manager) HMACLifetime() time.Duration { return m.hmacLifetime }

// Create mints a fresh anonymous cookie session and sets the cookie.
func (m *Manager) Create(ctx context.Context, c fiber.Ctx) (*Session, error) {
	s, err := writer.Await(ctx, m.writes, "session.create", func(ctx context.Context) (*Session, error) {
		return m.repo.CreateCookie(ctx, m.cookieLifetime)
	})
	if err != nil {
		return nil, err
	}
	m.setCookie(c, s)
	return s, nil
}

// Current returns the live cookie session for the request, or ErrNoSession.
func (m *Manager) Current(ctx context.Context, c fiber.Ctx) (*Session, error) {
	id := c.Cookies(CookieName)
	if id == "" {
		return nil, ErrNoSession
	}
	return m.repo.GetCookie(ctx, id)
}

// Ensure returns the request's session, creating one when absent or expired.
func (m *Manager) Ensure(ctx context.Context, c fiber.Ctx) (*Session, error) {
	s, err := m.Current(ctx, c)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNoSession) && !errors.Is(err, ErrSessionExpired) {
		return nil, err
	}
	return m.Create(ctx, c)
}

// Update applies a cookie-session mutation through the serializer.
func (m *Manager) Update(ctx context.Context, id string, upd CookieUpdate) (*Session, error) {
	return writer.Await(ctx, m.writes, "session.update", func(ctx context.Context) (*Session, error) {
		return m.repo.UpdateCookie(ctx, id, upd)
	})
}

// Destroy deletes the session row and clears the cookie.
func (m *Manager) Destroy(ctx context.Context, c fiber.Ctx) error {
	id := c.Cookies(CookieName)
	if id != "" {
		if _, err := writer.Await(ctx, m.writes, "session.destroy", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.repo.DeleteCookie(ctx, id)
		}); err != nil {
			return err
		}
	}
	m.clearCookie(c)
	return nil
}

// MintHMAC creates a native-client session and returns it with the secret
// populated. The secret appears in exactly one response and is never
// retrievable afterwards.
func (m *Manager) MintHMAC(ctx context.Context, userID uuid.UUID, deviceID int, clientHandle, deviceInfo string) (*HMACSession, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	sess := HMACSession{
		ClientHandle: clientHandle,
		UserID:       userID,
		DeviceID:     deviceID,
		Secret:       secret,
		DeviceInfo:   deviceInfo,
		ExpiresAt:    time.Now().Add(m.hmacLifetime),
	}
	_, err = writer.Await(ctx, m.writes, "session.mint_hmac", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.repo.CreateHMAC(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RevokeHMAC destroys the native session for a client handle.
func (m *Manager) RevokeHMAC(ctx context.Context, clientHandle string) error {
	_, err := writer.Await(ctx, m.writes, "session.revoke_hmac", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.repo.DeleteHMAC(ctx, clientHandle)
	})
	return err
}

func (m *Manager) setCookie(c fiber.Ctx, s *Session) {
	c.Cookie(&fiber.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Expires:  s.ExpiresAt,
		HTTPOnly: true,
		Secure:   m.secureCookies,
		SameSite: fiber.CookieSameSiteStrictMode,
		Path:     "/",
	})
}

func (m *Manager) clearCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     CookieName,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
		Secure:   m.secureCookies,
		SameSite: fiber.CookieSameSiteStrictMode,
		Path:     "/",
	})
}

// RepoActiveChecker adapts the user repository to the verifier's
// ActiveChecker.
type RepoActiveChecker struct {
	Users user.Repository
}

func (a RepoActiveChecker) IsActive(ctx context.Context, userID uuid.UUID) (bool, error) {
	u, err := a.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return false, ErrUserMissing
		}
		return false, err
	}
	return u.Active, nil
}
