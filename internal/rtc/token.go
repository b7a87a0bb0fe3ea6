// Package rtc mints credentials for the external media plane: signed room
// tokens for the SFU and short-lived ICE credentials for the TURN relay.
// Neither media path terminates here; the server only brokers access.
package rtc

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MaxTokenTTL bounds room-token validity.
const MaxTokenTTL = 24 * time.Hour

// ErrNotConfigured is returned when no media API key pair is set.
var ErrNotConfigured = errors.New("media token minting is not configured")

// Grants are the per-room capabilities embedded in a token.
type Grants struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
	RoomAdmin      bool   `json:"roomAdmin"`
}

// roomClaims is the signed token body. The API key travels in the issuer
// claim so the SFU can select the matching secret.
type roomClaims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Grants Grants `json:"video"`
}

// Minter signs media room tokens with a shared API key pair.
type Minter struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewMinter creates a room-token minter. The TTL is clamped to MaxTokenTTL.
func NewMinter(apiKey, apiSecret string, ttl time.Duration) *Minter {
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	return &Minter{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}
}

// Configured reports whether the minter holds a usable key pair.
func (m *Minter) Configured() bool {
	return m.apiKey != "" && m.apiSecret != ""
}

// RoomToken mints a token admitting the user to the room. Owners receive the
// admin grant on top of publish and subscribe.
func (m *Minter) RoomToken(userID uuid.UUID, displayLabel, roomID string, canPublish, canSubscribe, isOwner bool) (string, error) {
	if !m.Configured() {
		return "", ErrNotConfigured
	}

	now := time.Now()
	claims := roomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    m.apiKey,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Name: displayLabel,
		Grants: Grants{
			Room:           roomID,
			RoomJoin:       true,
			CanPublish:     canPublish,
			CanSubscribe:   canSubscribe,
			CanPublishData: canPublish,
			RoomAdmin:      isOwner,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}
