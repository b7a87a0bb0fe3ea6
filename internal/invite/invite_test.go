package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testInvite() *Invite {
	now := time.Now()
	return &Invite{
		ID:        uuid.New(),
		Address:   "new.user@example.com",
		CreatedBy: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tokens := NewTokens(testKey, "https://chat.example.com")
	inv := testInvite()

	signed, err := tokens.Mint(inv)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	id, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id != inv.ID {
		t.Errorf("Verify() id = %s, want %s", id, inv.ID)
	}
}

func TestTokenRejectsWrongKey(t *testing.T) {
	t.Parallel()

	inv := testInvite()
	signed, err := NewTokens(testKey, "https://chat.example.com").Mint(inv)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	other := NewTokens([]byte("ffffffffffffffffffffffffffffffff"), "https://chat.example.com")
	if _, err := other.Verify(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	inv := testInvite()
	signed, err := NewTokens(testKey, "https://other.example.com").Mint(inv)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	tokens := NewTokens(testKey, "https://chat.example.com")
	if _, err := tokens.Verify(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	inv := testInvite()
	inv.CreatedAt = time.Now().Add(-2 * time.Hour)
	inv.ExpiresAt = time.Now().Add(-time.Hour)

	tokens := NewTokens(testKey, "https://chat.example.com")
	signed, err := tokens.Mint(inv)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := tokens.Verify(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	tokens := NewTokens(testKey, "https://chat.example.com")
	if _, err := tokens.Verify("not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestLive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	used := now.Add(-time.Minute)

	tests := []struct {
		name    string
		inv     Invite
		wantErr error
	}{
		{
			name: "redeemable",
			inv:  Invite{ExpiresAt: now.Add(time.Hour)},
		},
		{
			name:    "expired",
			inv:     Invite{ExpiresAt: now.Add(-time.Minute)},
			wantErr: ErrExpired,
		},
		{
			name:    "already used",
			inv:     Invite{ExpiresAt: now.Add(time.Hour), UsedAt: &used},
			wantErr: ErrUsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.inv.Live(now); !errors.Is(err, tt.wantErr) {
				t.Errorf("Live() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

type fakeRepo struct {
	invites map[uuid.UUID]*Invite
}

func (f *fakeRepo) Create(_ context.Context, address string, createdBy uuid.UUID, lifetime time.Duration) (*Invite, error) {
	inv := &Invite{ID: uuid.New(), Address: address, CreatedBy: createdBy, ExpiresAt: time.Now().Add(lifetime), CreatedAt: time.Now()}
	f.invites[inv.ID] = inv
	return inv, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Invite, error) {
	inv, ok := f.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (f *fakeRepo) ActiveByAddress(_ context.Context, address string) (*Invite, error) {
	for _, inv := range f.invites {
		if inv.UsedAt == nil && time.Now().Before(inv.ExpiresAt) && inv.Address == address {
			return inv, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) List(_ context.Context) ([]Invite, error) { return nil, nil }

func (f *fakeRepo) Consume(_ context.Context, id uuid.UUID) error {
	inv, ok := f.invites[id]
	if !ok {
		return ErrNotFound
	}
	if inv.UsedAt != nil {
		return ErrUsed
	}
	now := time.Now()
	inv.UsedAt = &now
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.invites[id]; !ok {
		return ErrNotFound
	}
	delete(f.invites, id)
	return nil
}

func newTestService(repo Repository) *Service {
	return &Service{
		repo:     repo,
		tokens:   NewTokens(testKey, "https://chat.example.com"),
		lifetime: time.Hour,
		log:      zerolog.Nop(),
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{invites: map[uuid.UUID]*Invite{}}
	svc := newTestService(repo)

	inv := testInvite()
	repo.invites[inv.ID] = inv
	signed, err := svc.tokens.Mint(inv)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	got, err := svc.Validate(context.Background(), signed, "New.User@Example.com")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.ID != inv.ID {
		t.Errorf("Validate() id = %s, want %s", got.ID, inv.ID)
	}
}

func TestValidateAddressMismatch(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{invites: map[uuid.UUID]*Invite{}}
	svc := newTestService(repo)

	inv := testInvite()
	repo.invites[inv.ID] = inv
	signed, _ := svc.tokens.Mint(inv)

	if _, err := svc.Validate(context.Background(), signed, "someone.else@example.com"); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Validate() error = %v, want ErrAddressMismatch", err)
	}
}

func TestValidateUsedInvite(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{invites: map[uuid.UUID]*Invite{}}
	svc := newTestService(repo)

	inv := testInvite()
	used := time.Now()
	inv.UsedAt = &used
	repo.invites[inv.ID] = inv
	signed, _ := svc.tokens.Mint(inv)

	if _, err := svc.Validate(context.Background(), signed, inv.Address); !errors.Is(err, ErrUsed) {
		t.Errorf("Validate() error = %v, want ErrUsed", err)
	}
}

func TestValidateRevokedInvite(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{invites: map[uuid.UUID]*Invite{}}
	svc := newTestService(repo)

	inv := testInvite()
	signed, _ := svc.tokens.Mint(inv)

	// Row never stored: a revoked invite looks exactly like a forged token.
	if _, err := svc.Validate(context.Background(), signed, inv.Address); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Validate() error = %v, want ErrTokenInvalid", err)
	}
}
