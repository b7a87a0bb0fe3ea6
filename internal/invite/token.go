package invite

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// linkClaims are the JWT claims carried by an invitation link token. The jti
// claim is the invite row id, which lets the row serve as the revocation set.
type linkClaims struct {
	jwt.RegisteredClaims
}

// Tokens mints and verifies signed invitation link tokens.
type Tokens struct {
	key    []byte
	issuer string
}

// NewTokens creates a token codec signed with the server signing key.
func NewTokens(key []byte, issuer string) *Tokens {
	return &Tokens{key: key, issuer: issuer}
}

// Mint signs a link token for the given invite. The token expires together
// with the row, but the row remains authoritative.
func (t *Tokens) Mint(inv *Invite) (string, error) {
	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        inv.ID.String(),
			Subject:   strings.ToLower(inv.Address),
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(inv.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(inv.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign invite token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and standard claims and returns the
// invite id it names. Whether that invite is still live is the repository's
// call, not the token's.
func (t *Tokens) Verify(tokenStr string) (uuid.UUID, error) {
	claims := &linkClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.key, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithAudience(Audience))
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return id, nil
}
