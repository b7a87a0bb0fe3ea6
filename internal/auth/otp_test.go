package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupOTP(t *testing.T) (*OTPService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc := NewOTPService(rdb, nil, "Quiethall", 10*time.Minute, 8*time.Minute, zerolog.Nop())
	return svc, mr
}

func issuedCode(t *testing.T, svc *OTPService, address string) string {
	t.Helper()
	raw, err := svc.rdb.Get(context.Background(), otpPrefix+address).Result()
	if err != nil {
		t.Fatalf("read stored code: %v", err)
	}
	var rec otpRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode stored code: %v", err)
	}
	return rec.Code
}

func TestOTPGenerateAndVerify(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, "a@example.com", OTPEnroll); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	code := issuedCode(t, svc, "a@example.com")
	if len(code) != OTPEnroll {
		t.Fatalf("code length = %d, want %d", len(code), OTPEnroll)
	}

	if err := svc.Verify(ctx, "a@example.com", code); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	// Single use: the code is gone after success.
	if err := svc.Verify(ctx, "a@example.com", code); !errors.Is(err, ErrOtpExpired) {
		t.Errorf("second Verify() error = %v, want ErrOtpExpired", err)
	}
}

func TestOTPVerifyMismatchKeepsCode(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, "a@example.com", OTPEnroll); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	code := issuedCode(t, svc, "a@example.com")

	if err := svc.Verify(ctx, "a@example.com", "00000"); !errors.Is(err, ErrOtpInvalid) {
		// The random code could be 00000; regenerate odds are negligible but
		// tolerate a pass.
		if code != "00000" {
			t.Fatalf("Verify() error = %v, want ErrOtpInvalid", err)
		}
	}

	if err := svc.Verify(ctx, "a@example.com", code); err != nil {
		t.Errorf("Verify() after mismatch error = %v", err)
	}
}

func TestOTPVerifyUnknownAddress(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	if err := svc.Verify(context.Background(), "nobody@example.com", "12345"); !errors.Is(err, ErrOtpExpired) {
		t.Errorf("Verify() error = %v, want ErrOtpExpired", err)
	}
}

func TestOTPCooldown(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, "a@example.com", OTPEnroll); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	err := svc.Generate(ctx, "a@example.com", OTPEnroll)
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("Generate() error = %v, want CooldownError", err)
	}
	if cooldown.Seconds() < 1 || cooldown.Wait > 8*time.Minute {
		t.Errorf("cooldown wait = %v, want within (0, 8m]", cooldown.Wait)
	}
}

func TestOTPCooldownElapses(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, "a@example.com", OTPEnroll); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	first := issuedCode(t, svc, "a@example.com")

	svc.now = func() time.Time { return time.Now().Add(9 * time.Minute) }
	if err := svc.Generate(ctx, "a@example.com", OTPEnroll); err != nil {
		t.Fatalf("Generate() after cooldown error = %v", err)
	}
	if second := issuedCode(t, svc, "a@example.com"); second == first {
		t.Error("expected a fresh code after the cooldown")
	}
}

func TestOTPRecoveryDigits(t *testing.T) {
	t.Parallel()

	svc, _ := setupOTP(t)
	if err := svc.Generate(context.Background(), "r@example.com", OTPRecovery); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if code := issuedCode(t, svc, "r@example.com"); len(code) != OTPRecovery {
		t.Errorf("code length = %d, want %d", len(code), OTPRecovery)
	}
}
