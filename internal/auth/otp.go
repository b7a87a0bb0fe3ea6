package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/mail"
)

// OTP kinds decide the code length: short codes for enrollment typed off a
// second screen, longer ones for account recovery.
const (
	OTPEnroll   = 5
	OTPRecovery = 6
)

const otpPrefix = "otp:"

// otpRecord is the per-address state stored in Valkey. At most one live code
// exists per address; the key's TTL is the code's lifetime.
type otpRecord struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issued_at"`
}

// OTPService issues and verifies single-use numeric codes. Codes live in
// Valkey only; a restart voids them, which is acceptable for a 10 minute
// lifetime.
type OTPService struct {
	rdb        *redis.Client
	sender     mail.Sender
	serverName string
	expiry     time.Duration
	cooldown   time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewOTPService creates an OTP service. sender may be nil; codes are then
// logged instead of mailed.
func NewOTPService(rdb *redis.Client, sender mail.Sender, serverName string, expiry, cooldown time.Duration, log zerolog.Logger) *OTPService {
	return &OTPService{
		rdb:        rdb,
		sender:     sender,
		serverName: serverName,
		expiry:     expiry,
		cooldown:   cooldown,
		now:        time.Now,
		log:        log.With().Str("component", "otp").Logger(),
	}
}

// Generate mints a fresh code for the address and dispatches it. If a live
// code was issued less than the cool-down ago, no new code is minted and a
// CooldownError carries the remaining wait.
func (s *OTPService) Generate(ctx context.Context, address string, digits int) error {
	key := otpPrefix + address

	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read one-time code: %w", err)
	}
	if err == nil {
		var rec otpRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			elapsed := s.now().Sub(rec.IssuedAt)
			if elapsed < s.cooldown {
				return &CooldownError{Wait: s.cooldown - elapsed}
			}
		}
	}

	code, err := numericCode(digits)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(otpRecord{Code: code, IssuedAt: s.now()})
	if err != nil {
		return fmt.Errorf("encode one-time code: %w", err)
	}
	if err := s.rdb.Set(ctx, key, payload, s.expiry).Err(); err != nil {
		return fmt.Errorf("store one-time code: %w", err)
	}

	s.dispatch(address, code)
	return nil
}

// Verify checks the code for the address in constant time and deletes it on
// success. A missing or expired code reports ErrOtpExpired; a mismatch
// reports ErrOtpInvalid and leaves the code in place.
func (s *OTPService) Verify(ctx context.Context, address, code string) error {
	key := otpPrefix + address

	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrOtpExpired
	}
	if err != nil {
		return fmt.Errorf("read one-time code: %w", err)
	}

	var rec otpRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode one-time code: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		return ErrOtpInvalid
	}

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("consume one-time code: %w", err)
	}
	return nil
}

func (s *OTPService) dispatch(address, code string) {
	if s.sender == nil {
		s.log.Warn().Str("address", address).Str("code", code).
			Msg("no mail sender configured, one-time code not delivered")
		return
	}
	subject, body := mail.OTPMessage(s.serverName, code, int(s.expiry.Minutes()))
	if err := s.sender.Send(address, subject, body); err != nil {
		s.log.Error().Err(err).Str("address", address).Msg("failed to send one-time code")
	}
}

// numericCode draws a uniformly random zero-padded decimal code.
func numericCode(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate one-time code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
