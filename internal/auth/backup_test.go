package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// fakeUsers implements the slice of user.Repository the backup service needs;
// the rest panics to catch accidental use.
type fakeUsers struct {
	user.Repository

	codes  map[uuid.UUID][]user.BackupCode
	issued map[uuid.UUID]bool
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{codes: map[uuid.UUID][]user.BackupCode{}, issued: map[uuid.UUID]bool{}}
}

func (f *fakeUsers) BackupCodes(_ context.Context, id uuid.UUID) ([]user.BackupCode, bool, error) {
	return f.codes[id], f.issued[id], nil
}

func (f *fakeUsers) SetBackupCodes(_ context.Context, id uuid.UUID, codes []user.BackupCode, issued bool) error {
	f.codes[id] = codes
	f.issued[id] = issued
	return nil
}

func setupBackup(t *testing.T) (*BackupCodeService, *fakeUsers) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	writes := writer.New(16, 5*time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = writes.Close(context.Background()) })

	users := newFakeUsers()
	return NewBackupCodeService(users, writes, rdb, zerolog.Nop()), users
}

func TestBackoffWait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 60 * time.Second},
		{2, 108 * time.Second},
		{3, 195 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffWait(tt.failures); got != tt.want {
			t.Errorf("backoffWait(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestGenerateShape(t *testing.T) {
	t.Parallel()

	svc, users := setupBackup(t)
	userID := uuid.New()

	codes, err := svc.Generate(context.Background(), userID)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(codes) != backupCodeCount {
		t.Fatalf("got %d codes, want %d", len(codes), backupCodeCount)
	}
	for _, code := range codes {
		if len(code) != backupCodeLength {
			t.Errorf("code %q length = %d, want %d", code, len(code), backupCodeLength)
		}
		for _, r := range code {
			if !strings.ContainsRune(backupAlphabet, r) {
				t.Errorf("code %q contains %q outside the alphabet", code, r)
			}
		}
	}

	stored, issued, _ := users.BackupCodes(context.Background(), userID)
	if !issued || len(stored) != backupCodeCount {
		t.Fatalf("stored %d codes issued=%v, want %d issued=true", len(stored), issued, backupCodeCount)
	}
	for i, c := range stored {
		if c.Used {
			t.Errorf("stored code %d starts used", i)
		}
		if c.Hash == codes[i] {
			t.Errorf("stored code %d is plaintext", i)
		}
	}
}

func TestGenerateRefusedWhileCodesRemain(t *testing.T) {
	t.Parallel()

	svc, _ := setupBackup(t)
	userID := uuid.New()

	if _, err := svc.Generate(context.Background(), userID); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := svc.Generate(context.Background(), userID); !errors.Is(err, ErrRegenerateNotAllowed) {
		t.Errorf("second Generate() error = %v, want ErrRegenerateNotAllowed", err)
	}
}

func TestGenerateAllowedWhenOneUnusedRemains(t *testing.T) {
	t.Parallel()

	svc, users := setupBackup(t)
	userID := uuid.New()

	if _, err := svc.Generate(context.Background(), userID); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	for i := range users.codes[userID] {
		if i < backupCodeCount-1 {
			users.codes[userID][i].Used = true
		}
	}

	if _, err := svc.Generate(context.Background(), userID); err != nil {
		t.Errorf("regenerate with one unused code error = %v", err)
	}
}

func TestVerifyConsumesCode(t *testing.T) {
	t.Parallel()

	svc, users := setupBackup(t)
	userID := uuid.New()
	ctx := context.Background()

	codes, err := svc.Generate(ctx, userID)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if err := svc.Verify(ctx, "sess-1", userID, codes[3]); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !users.codes[userID][3].Used {
		t.Error("matched code not flipped to used")
	}

	// A consumed code no longer matches.
	if err := svc.Verify(ctx, "sess-1", userID, codes[3]); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("reused code Verify() error = %v, want ErrCredentialInvalid", err)
	}
}

func TestVerifyBackoff(t *testing.T) {
	t.Parallel()

	svc, _ := setupBackup(t)
	userID := uuid.New()
	ctx := context.Background()

	if _, err := svc.Generate(ctx, userID); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if err := svc.Verify(ctx, "sess-1", userID, "wrongwrongwrongw"); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("Verify() error = %v, want ErrCredentialInvalid", err)
	}

	err := svc.Verify(ctx, "sess-1", userID, "wrongwrongwrongw")
	var tooEarly *TooEarlyError
	if !errors.As(err, &tooEarly) {
		t.Fatalf("Verify() during backoff error = %v, want TooEarlyError", err)
	}
	if tooEarly.Seconds() < 1 || tooEarly.Wait > time.Minute {
		t.Errorf("backoff wait = %v, want within (0, 60s]", tooEarly.Wait)
	}

	// Another in-progress session is unaffected.
	if err := svc.Verify(ctx, "sess-2", userID, "wrongwrongwrongw"); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("other session Verify() error = %v, want ErrCredentialInvalid", err)
	}
}

// rendezvousUsers parks an armed read until a second concurrent read arrives
// or a short grace period passes, so overlapping read-modify-write windows
// line up instead of racing past each other.
type rendezvousUsers struct {
	*fakeUsers

	mu     sync.Mutex
	armed  bool
	parked chan struct{}
}

func (r *rendezvousUsers) arm() {
	r.mu.Lock()
	r.armed = true
	r.mu.Unlock()
}

func (r *rendezvousUsers) BackupCodes(ctx context.Context, id uuid.UUID) ([]user.BackupCode, bool, error) {
	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return r.fakeUsers.BackupCodes(ctx, id)
	}
	if r.parked != nil {
		close(r.parked)
		r.parked = nil
		r.mu.Unlock()
		return r.fakeUsers.BackupCodes(ctx, id)
	}
	ch := make(chan struct{})
	r.parked = ch
	r.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(50 * time.Millisecond):
	}
	r.mu.Lock()
	if r.parked == ch {
		r.parked = nil
	}
	r.mu.Unlock()
	return r.fakeUsers.BackupCodes(ctx, id)
}

func TestVerifyConcurrentDistinctCodes(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	writes := writer.New(16, 5*time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = writes.Close(context.Background()) })

	users := &rendezvousUsers{fakeUsers: newFakeUsers()}
	svc := NewBackupCodeService(users, writes, rdb, zerolog.Nop())

	userID := uuid.New()
	ctx := context.Background()
	codes, err := svc.Generate(ctx, userID)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	users.arm()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, code := range []string{codes[1], codes[4]} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.Verify(ctx, fmt.Sprintf("sess-%d", i), userID, code)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent Verify() %d error = %v", i, err)
		}
	}

	// Both consumptions must survive; a write based on a stale read would
	// flip one of them back to unused.
	used := 0
	for _, c := range users.codes[userID] {
		if c.Used {
			used++
		}
	}
	if used != 2 {
		t.Fatalf("got %d used codes after two successful verifications, want 2", used)
	}
}

func TestVerifyNoCodes(t *testing.T) {
	t.Parallel()

	svc, _ := setupBackup(t)
	if err := svc.Verify(context.Background(), "sess-1", uuid.New(), "whatever12345678"); !errors.Is(err, ErrNoBackupCodes) {
		t.Errorf("Verify() error = %v, want ErrNoBackupCodes", err)
	}
}
