package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const magicPrefix = "magic:"

// MagicLinks mints and redeems one-shot sign-in links of the form
//
//	{server_url}|{random_32B_hex}|{timestamp_ms}|{hmac_hex}
//
// The HMAC covers the first three fields; the random token doubles as the
// Valkey lookup key, so redeeming is a single GETDEL.
type MagicLinks struct {
	rdb       *redis.Client
	key       []byte
	serverURL string
	lifetime  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewMagicLinks creates a magic-link service signed with the server signing
// key.
func NewMagicLinks(rdb *redis.Client, key []byte, serverURL string, lifetime time.Duration, log zerolog.Logger) *MagicLinks {
	return &MagicLinks{
		rdb:       rdb,
		key:       key,
		serverURL: serverURL,
		lifetime:  lifetime,
		now:       time.Now,
		log:       log.With().Str("component", "magic_link").Logger(),
	}
}

// Mint creates a link bound to the given payload (typically the address or
// session being handed off) and stores its one-shot state.
func (m *MagicLinks) Mint(ctx context.Context, payload string) (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate magic link token: %w", err)
	}
	token := hex.EncodeToString(random)
	ts := strconv.FormatInt(m.now().UnixMilli(), 10)

	sig := m.sign(token, ts)
	link := strings.Join([]string{m.serverURL, token, ts, sig}, "|")

	if err := m.rdb.Set(ctx, magicPrefix+token, payload, m.lifetime).Err(); err != nil {
		return "", fmt.Errorf("store magic link: %w", err)
	}
	return link, nil
}

// Redeem verifies a link and consumes it, returning the payload it was
// minted with. The signature is checked before any store access, so a forged
// link cannot probe or consume live tokens.
func (m *MagicLinks) Redeem(ctx context.Context, link string) (string, error) {
	parts := strings.Split(link, "|")
	if len(parts) != 4 {
		return "", ErrTokenInvalid
	}
	serverURL, token, ts, sig := parts[0], parts[1], parts[2], parts[3]

	if serverURL != m.serverURL {
		return "", ErrTokenInvalid
	}
	if !hmac.Equal([]byte(m.sign(token, ts)), []byte(sig)) {
		return "", ErrTokenInvalid
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	if m.now().Sub(time.UnixMilli(issued)) > m.lifetime {
		return "", ErrTokenExpired
	}

	payload, err := m.rdb.GetDel(ctx, magicPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenRevoked
	}
	if err != nil {
		return "", fmt.Errorf("consume magic link: %w", err)
	}
	return payload, nil
}

func (m *MagicLinks) sign(token, ts string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(m.serverURL))
	mac.Write([]byte("|"))
	mac.Write([]byte(token))
	mac.Write([]byte("|"))
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}
