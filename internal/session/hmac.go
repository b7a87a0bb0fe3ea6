package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FreshnessWindow bounds the clock skew a signed request may carry.
const FreshnessWindow = 5 * time.Minute

// nonceTTL is how long seen nonces are retained. A nonce older than the
// freshness window can never verify again, so one day is comfortably past any
// replay horizon.
const nonceTTL = 24 * time.Hour

// SecretSize is the HMAC session secret length in bytes.
const SecretSize = 16

// Sign computes the request signature: hex HMAC-SHA256 over
// "handle:timestamp:nonce:path:body".
func Sign(secret []byte, clientHandle string, timestampMS int64, nonce, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(clientHandle))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(timestampMS, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write([]byte(path))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSecret returns a fresh 128-bit session secret.
func NewSecret() ([]byte, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	return buf, nil
}

// NonceCache remembers nonces long enough to refuse replays.
type NonceCache interface {
	// Insert records the nonce; fresh is false when it was already present.
	Insert(ctx context.Context, nonce string) (fresh bool, err error)
}

// ValkeyNonceCache implements NonceCache with SET NX and a TTL sweep.
type ValkeyNonceCache struct {
	Client *redis.Client
}

// NewValkeyNonceCache creates a Valkey-backed nonce cache.
func NewValkeyNonceCache(client *redis.Client) *ValkeyNonceCache {
	return &ValkeyNonceCache{Client: client}
}

func (c *ValkeyNonceCache) Insert(ctx context.Context, nonce string) (bool, error) {
	fresh, err := c.Client.SetNX(ctx, "nonce:"+nonce, time.Now().UnixMilli(), nonceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return fresh, nil
}

// HMACStore is the persistence surface the verifier needs.
type HMACStore interface {
	GetHMAC(ctx context.Context, clientHandle string) (*HMACSession, error)
	TouchHMAC(ctx context.Context, clientHandle string) error
	ExtendHMAC(ctx context.Context, clientHandle string, lifetime time.Duration) (time.Time, error)
}

// ActiveChecker answers whether the backing user still exists and is active.
type ActiveChecker interface {
	IsActive(ctx context.Context, userID uuid.UUID) (bool, error)
}

// SignedRequest carries the four authentication headers plus the signed
// request parts.
type SignedRequest struct {
	ClientHandle string
	TimestampMS  int64
	Nonce        string
	Signature    string
	Path         string
	Body         []byte
}

// Verifier checks signed native-client requests.
type Verifier struct {
	store  HMACStore
	users  ActiveChecker
	nonces NonceCache
	now    func() time.Time
	log    zerolog.Logger
}

// NewVerifier creates an HMAC request verifier.
func NewVerifier(store HMACStore, users ActiveChecker, nonces NonceCache, logger zerolog.Logger) *Verifier {
	return &Verifier{store: store, users: users, nonces: nonces, now: time.Now, log: logger}
}

// Verify runs the full check sequence and returns the authenticated
// principal. Order matters: freshness and replay are refused before any
// store lookup, and the signature is compared in constant time.
func (v *Verifier) Verify(ctx context.Context, req SignedRequest) (*Principal, error) {
	if req.ClientHandle == "" || req.Nonce == "" || req.Signature == "" {
		return nil, ErrNoCredentials
	}

	now := v.now()
	ts := time.UnixMilli(req.TimestampMS)
	if ts.Before(now.Add(-FreshnessWindow)) || ts.After(now.Add(FreshnessWindow)) {
		return nil, ErrRequestExpired
	}

	fresh, err := v.nonces.Insert(ctx, req.Nonce)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrDuplicateNonce
	}

	sess, err := v.store.GetHMAC(ctx, req.ClientHandle)
	if err != nil {
		return nil, err
	}
	if now.After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	want := Sign(sess.Secret, req.ClientHandle, req.TimestampMS, req.Nonce, req.Path, req.Body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(req.Signature)) != 1 {
		return nil, ErrInvalidSignature
	}

	active, err := v.users.IsActive(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrUserInactive
	}

	if err := v.store.TouchHMAC(ctx, req.ClientHandle); err != nil {
		v.log.Warn().Err(err).Str("client_handle", req.ClientHandle).Msg("failed to bump hmac session last_used")
	}

	return &Principal{
		UserID:       sess.UserID,
		DeviceID:     sess.DeviceID,
		ClientHandle: sess.ClientHandle,
		Method:       MethodHMAC,
	}, nil
}

// Extend pushes the session expiry out by lifetime. Callers gate this behind
// Verify.
func (v *Verifier) Extend(ctx context.Context, clientHandle string, lifetime time.Duration) (time.Time, error) {
	return v.store.ExtendHMAC(ctx, clientHandle, lifetime)
}
