package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/invite"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
)

// fakeInviteRepo implements invite.Repository for handler tests.
type fakeInviteRepo struct {
	invites map[uuid.UUID]*invite.Invite
}

func newFakeInviteRepo() *fakeInviteRepo {
	return &fakeInviteRepo{invites: make(map[uuid.UUID]*invite.Invite)}
}

func (r *fakeInviteRepo) Create(_ context.Context, address string, createdBy uuid.UUID, lifetime time.Duration) (*invite.Invite, error) {
	inv := &invite.Invite{
		ID:        uuid.New(),
		Address:   address,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().Add(lifetime),
		CreatedAt: time.Now(),
	}
	r.invites[inv.ID] = inv
	return inv, nil
}

func (r *fakeInviteRepo) GetByID(_ context.Context, id uuid.UUID) (*invite.Invite, error) {
	inv, ok := r.invites[id]
	if !ok {
		return nil, invite.ErrNotFound
	}
	return inv, nil
}

func (r *fakeInviteRepo) ActiveByAddress(_ context.Context, address string) (*invite.Invite, error) {
	for _, inv := range r.invites {
		if inv.Address == address && inv.UsedAt == nil && time.Now().Before(inv.ExpiresAt) {
			return inv, nil
		}
	}
	return nil, invite.ErrNotFound
}

func (r *fakeInviteRepo) List(_ context.Context) ([]invite.Invite, error) {
	out := make([]invite.Invite, 0, len(r.invites))
	for _, inv := range r.invites {
		out = append(out, *inv)
	}
	return out, nil
}

func (r *fakeInviteRepo) Consume(_ context.Context, id uuid.UUID) error {
	inv, ok := r.invites[id]
	if !ok {
		return invite.ErrNotFound
	}
	if inv.UsedAt != nil {
		return invite.ErrUsed
	}
	now := time.Now()
	inv.UsedAt = &now
	return nil
}

func (r *fakeInviteRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.invites[id]; !ok {
		return invite.ErrNotFound
	}
	delete(r.invites, id)
	return nil
}

// recordingSender captures outbound mail.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return nil
}

func (s *recordingSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func setupInviteApp(t *testing.T, users *fakeUserRepo, sender *recordingSender, p *session.Principal) (*fiber.App, *fakeInviteRepo) {
	t.Helper()
	repo := newFakeInviteRepo()
	tokens := invite.NewTokens([]byte("0123456789abcdef0123456789abcdef"), "https://hall.example.com")
	svc := invite.NewService(repo, tokens, newTestWriter(t), 7*24*time.Hour, zerolog.Nop())

	h := NewInviteHandler(svc, users, sender, "Quiethall", "https://hall.example.com", zerolog.Nop())
	app := newTestApp(p, func(app *fiber.App) {
		app.Post("/invites", h.Mint)
		app.Get("/invites", h.List)
		app.Delete("/invites/:inviteID", h.Revoke)
	})
	return app, repo
}

func TestInviteMintReturnsTokenAndMails(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	app, _ := setupInviteApp(t, newFakeUserRepo(), sender, testPrincipal())

	status, envelope := doJSON(t, app, "POST", "/invites", fiber.Map{"address": "Guest@Example.com"})
	wantStatus(t, status, fiber.StatusCreated)

	var data struct {
		Token  string `json:"token"`
		Invite struct {
			Address string `json:"address"`
		} `json:"invite"`
	}
	if err := json.Unmarshal(envelope["data"], &data); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if data.Token == "" {
		t.Error("expected a signed token in the response")
	}
	if data.Invite.Address != "guest@example.com" {
		t.Errorf("address = %q, want guest@example.com", data.Invite.Address)
	}
	if got := sender.recipients(); len(got) != 1 || got[0] != "guest@example.com" {
		t.Errorf("mail recipients = %v, want [guest@example.com]", got)
	}
}

func TestInviteMintHonorsOptOut(t *testing.T) {
	t.Parallel()

	users := newFakeUserRepo()
	users.seed(user.User{Address: "quiet@example.com", Prefs: user.Prefs{InviteEmail: false}})

	sender := &recordingSender{}
	app, _ := setupInviteApp(t, users, sender, testPrincipal())

	status, _ := doJSON(t, app, "POST", "/invites", fiber.Map{"address": "quiet@example.com"})
	wantStatus(t, status, fiber.StatusCreated)

	if got := sender.recipients(); len(got) != 0 {
		t.Errorf("mail recipients = %v, want none", got)
	}
}

func TestInviteRevoke(t *testing.T) {
	t.Parallel()

	app, repo := setupInviteApp(t, newFakeUserRepo(), &recordingSender{}, testPrincipal())

	inv, err := repo.Create(context.Background(), "x@example.com", uuid.New(), time.Hour)
	if err != nil {
		t.Fatalf("seed invite: %v", err)
	}

	status, _ := doJSON(t, app, "DELETE", "/invites/"+inv.ID.String(), nil)
	wantStatus(t, status, fiber.StatusOK)

	status, envelope := doJSON(t, app, "DELETE", "/invites/"+inv.ID.String(), nil)
	wantStatus(t, status, fiber.StatusNotFound)
	if code := errorCode(t, envelope); code != "not_found" {
		t.Errorf("code = %q, want not_found", code)
	}
}

func TestInviteMintRejectsBadAddress(t *testing.T) {
	t.Parallel()

	app, _ := setupInviteApp(t, newFakeUserRepo(), &recordingSender{}, testPrincipal())
	status, envelope := doJSON(t, app, "POST", "/invites", fiber.Map{"address": "not-an-address"})
	wantStatus(t, status, fiber.StatusBadRequest)
	if code := errorCode(t, envelope); code != "invalid_address" {
		t.Errorf("code = %q, want invalid_address", code)
	}
}
