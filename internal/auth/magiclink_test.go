package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const testServerURL = "https://chat.example.com"

func setupMagicLinks(t *testing.T) *MagicLinks {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key := []byte("0123456789abcdef0123456789abcdef")
	return NewMagicLinks(rdb, key, testServerURL, 5*time.Minute, zerolog.Nop())
}

func TestMagicLinkRoundTrip(t *testing.T) {
	t.Parallel()

	ml := setupMagicLinks(t)
	ctx := context.Background()

	link, err := ml.Mint(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if parts := strings.Split(link, "|"); len(parts) != 4 || parts[0] != testServerURL {
		t.Fatalf("link %q does not have four fields starting with the server URL", link)
	}

	payload, err := ml.Redeem(ctx, link)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if payload != "a@example.com" {
		t.Errorf("payload = %q, want a@example.com", payload)
	}
}

func TestMagicLinkOneShot(t *testing.T) {
	t.Parallel()

	ml := setupMagicLinks(t)
	ctx := context.Background()

	link, err := ml.Mint(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := ml.Redeem(ctx, link); err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}
	if _, err := ml.Redeem(ctx, link); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("second Redeem() error = %v, want ErrTokenRevoked", err)
	}
}

func TestMagicLinkTamperedSignature(t *testing.T) {
	t.Parallel()

	ml := setupMagicLinks(t)
	ctx := context.Background()

	link, err := ml.Mint(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	parts := strings.Split(link, "|")
	parts[3] = strings.Repeat("0", len(parts[3]))
	forged := strings.Join(parts, "|")

	if _, err := ml.Redeem(ctx, forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Redeem() error = %v, want ErrTokenInvalid", err)
	}

	// A signature mismatch must not consume the live token.
	if _, err := ml.Redeem(ctx, link); err != nil {
		t.Errorf("Redeem() after forgery error = %v", err)
	}
}

func TestMagicLinkExpired(t *testing.T) {
	t.Parallel()

	ml := setupMagicLinks(t)
	ctx := context.Background()

	link, err := ml.Mint(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	ml.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if _, err := ml.Redeem(ctx, link); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Redeem() error = %v, want ErrTokenExpired", err)
	}
}

func TestMagicLinkMalformed(t *testing.T) {
	t.Parallel()

	ml := setupMagicLinks(t)
	for _, link := range []string{
		"",
		"a|b|c",
		"a|b|c|d|e",
		"https://other.example.com|deadbeef|0|0000",
	} {
		if _, err := ml.Redeem(context.Background(), link); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Redeem(%q) error = %v, want ErrTokenInvalid", link, err)
		}
	}
}
