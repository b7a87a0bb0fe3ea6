package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Backup-code shape: 10 codes of 16 characters each, drawn from a 36-symbol
// alphabet.
const (
	backupCodeCount  = 10
	backupCodeLength = 16
	backupAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

const (
	backoffPrefix = "backupfail:"
	backoffTTL    = 24 * time.Hour
)

// backoffRecord tracks consecutive failures for one in-progress session.
type backoffRecord struct {
	Failures int       `json:"failures"`
	LastFail time.Time `json:"last_fail"`
}

// backoffWait returns how long after the nth consecutive failure the next
// attempt is admitted.
func backoffWait(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	secs := math.Ceil(60 * math.Pow(1.8, float64(failures-1)))
	return time.Duration(secs) * time.Second
}

// BackupCodeService issues and verifies recovery codes. Hashes live on the
// user row; the failure backoff lives in Valkey keyed by the in-progress
// session, so a fresh session does not inherit another session's penalty.
type BackupCodeService struct {
	users  user.Repository
	writes *writer.Serializer
	rdb    *redis.Client
	now    func() time.Time
	log    zerolog.Logger
}

// NewBackupCodeService creates a backup-code service.
func NewBackupCodeService(users user.Repository, writes *writer.Serializer, rdb *redis.Client, log zerolog.Logger) *BackupCodeService {
	return &BackupCodeService{
		users:  users,
		writes: writes,
		rdb:    rdb,
		now:    time.Now,
		log:    log.With().Str("component", "backup_codes").Logger(),
	}
}

// Generate mints a fresh batch of codes and stores their hashes. The
// plaintext list is returned exactly once and never retained. A user who
// already holds codes must qualify for regeneration first.
func (s *BackupCodeService) Generate(ctx context.Context, userID uuid.UUID) ([]string, error) {
	existing, issued, err := s.users.BackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if issued && !regenerateAllowed(existing) {
		return nil, ErrRegenerateNotAllowed
	}

	plain := make([]string, 0, backupCodeCount)
	hashed := make([]user.BackupCode, 0, backupCodeCount)
	for range backupCodeCount {
		code, err := randomCode(backupCodeLength)
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain = append(plain, code)
		hashed = append(hashed, user.BackupCode{Hash: string(hash)})
	}

	_, err = writer.Await(ctx, s.writes, "backup.generate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.users.SetBackupCodes(ctx, userID, hashed, true)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", userID.String()).Msg("backup codes issued")
	return plain, nil
}

// Verify checks a code against the user's unused hashes, enforcing the
// per-session failure backoff. A matching code is flipped to used through the
// write serializer; the backoff counter resets on success.
func (s *BackupCodeService) Verify(ctx context.Context, sessionID string, userID uuid.UUID, code string) error {
	if err := s.checkBackoff(ctx, sessionID); err != nil {
		return err
	}

	// Read, match, and flip inside one serialized turn so two concurrent
	// attempts cannot write back stale copies of each other's consumption.
	matched, err := writer.Await(ctx, s.writes, "backup.consume", func(ctx context.Context) (bool, error) {
		codes, issued, err := s.users.BackupCodes(ctx, userID)
		if err != nil {
			return false, err
		}
		if !issued || len(codes) == 0 {
			return false, ErrNoBackupCodes
		}

		match := -1
		for i, c := range codes {
			if c.Used {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(code)) == nil {
				match = i
				break
			}
		}
		if match < 0 {
			return false, nil
		}

		codes[match].Used = true
		return true, s.users.SetBackupCodes(ctx, userID, codes, true)
	})
	if err != nil {
		return err
	}
	if !matched {
		s.recordFailure(ctx, sessionID)
		return ErrCredentialInvalid
	}

	if err := s.rdb.Del(ctx, backoffPrefix+sessionID).Err(); err != nil {
		s.log.Warn().Err(err).Msg("failed to reset backup-code backoff")
	}
	return nil
}

// regenerateAllowed reports whether at most one unused code remains.
func regenerateAllowed(codes []user.BackupCode) bool {
	unused := 0
	for _, c := range codes {
		if !c.Used {
			unused++
		}
	}
	return unused <= 1
}

func (s *BackupCodeService) checkBackoff(ctx context.Context, sessionID string) error {
	raw, err := s.rdb.Get(ctx, backoffPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup-code backoff: %w", err)
	}

	var rec backoffRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil
	}
	wait := backoffWait(rec.Failures)
	if remaining := rec.LastFail.Add(wait).Sub(s.now()); remaining > 0 {
		return &TooEarlyError{Wait: remaining}
	}
	return nil
}

func (s *BackupCodeService) recordFailure(ctx context.Context, sessionID string) {
	key := backoffPrefix + sessionID

	var rec backoffRecord
	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &rec)
	}
	rec.Failures++
	rec.LastFail = s.now()

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, payload, backoffTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("failed to record backup-code failure")
	}
}

// randomCode draws a uniformly random string from the backup alphabet.
// Bytes that would bias the modulo are rejected.
func randomCode(length int) (string, error) {
	const limit = 256 - 256%len(backupAlphabet)

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate backup code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, backupAlphabet[int(b)%len(backupAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
