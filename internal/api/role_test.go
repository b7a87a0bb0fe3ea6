package api

import (
	"context"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/channel"
	"github.com/quiethall/quiethall-server/internal/role"
	"github.com/quiethall/quiethall-server/internal/session"
)

// fakeRoleRepo implements role.Repository for handler tests.
type fakeRoleRepo struct {
	roles       map[uuid.UUID]*role.Role
	serverGrant map[uuid.UUID][]uuid.UUID
}

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{
		roles:       make(map[uuid.UUID]*role.Role),
		serverGrant: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *fakeRoleRepo) List(_ context.Context) ([]role.Role, error) {
	out := make([]role.Role, 0, len(r.roles))
	for _, rl := range r.roles {
		out = append(out, *rl)
	}
	return out, nil
}

func (r *fakeRoleRepo) GetByID(_ context.Context, id uuid.UUID) (*role.Role, error) {
	rl, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	return rl, nil
}

func (r *fakeRoleRepo) GetByName(_ context.Context, name string) (*role.Role, error) {
	for _, rl := range r.roles {
		if rl.Name == name {
			return rl, nil
		}
	}
	return nil, role.ErrNotFound
}

func (r *fakeRoleRepo) Create(_ context.Context, params role.CreateParams) (*role.Role, error) {
	for _, rl := range r.roles {
		if rl.Name == params.Name {
			return nil, role.ErrAlreadyExists
		}
	}
	rl := &role.Role{
		ID:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		Scope:       params.Scope,
		Permissions: params.Permissions,
	}
	r.roles[rl.ID] = rl
	return rl, nil
}

func (r *fakeRoleRepo) Update(_ context.Context, id uuid.UUID, params role.UpdateParams) (*role.Role, error) {
	rl, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	if rl.Builtin {
		return nil, role.ErrBuiltinImmutable
	}
	if params.Name != nil {
		rl.Name = *params.Name
	}
	if params.Description != nil {
		rl.Description = *params.Description
	}
	if params.Permissions != nil {
		rl.Permissions = *params.Permissions
	}
	return rl, nil
}

func (r *fakeRoleRepo) Delete(_ context.Context, id uuid.UUID) error {
	rl, ok := r.roles[id]
	if !ok {
		return role.ErrNotFound
	}
	if rl.Builtin {
		return role.ErrBuiltinImmutable
	}
	delete(r.roles, id)
	return nil
}

func (r *fakeRoleRepo) AssignServer(_ context.Context, userID, roleID uuid.UUID) error {
	r.serverGrant[userID] = append(r.serverGrant[userID], roleID)
	return nil
}

func (r *fakeRoleRepo) UnassignServer(_ context.Context, userID, roleID uuid.UUID) error {
	grants := r.serverGrant[userID]
	for i, id := range grants {
		if id == roleID {
			r.serverGrant[userID] = append(grants[:i], grants[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *fakeRoleRepo) AssignChannel(_ context.Context, _, _, _ uuid.UUID) error   { return nil }
func (r *fakeRoleRepo) UnassignChannel(_ context.Context, _, _, _ uuid.UUID) error { return nil }

func (r *fakeRoleRepo) ServerPermissions(_ context.Context, userID uuid.UUID) ([]string, error) {
	var perms []string
	for _, id := range r.serverGrant[userID] {
		if rl, ok := r.roles[id]; ok {
			perms = append(perms, rl.Permissions...)
		}
	}
	return perms, nil
}

func (r *fakeRoleRepo) ChannelPermissions(_ context.Context, _, _ uuid.UUID) ([]string, error) {
	return nil, nil
}

func setupRoleApp(t *testing.T, roles *fakeRoleRepo, channels *fakeChannelRepo, p *session.Principal) *fiber.App {
	t.Helper()
	h := NewRoleHandler(roles, channels, newTestWriter(t), newTestPublisher(t), zerolog.Nop())
	return newTestApp(p, func(app *fiber.App) {
		app.Get("/roles", h.List)
		app.Post("/roles", h.Create)
		app.Patch("/roles/:roleID", h.Update)
		app.Delete("/roles/:roleID", h.Delete)
		app.Post("/roles/:roleID/assign", h.Assign)
		app.Post("/roles/:roleID/unassign", h.Unassign)
	})
}

func TestRoleCreateValidatesScope(t *testing.T) {
	t.Parallel()

	app := setupRoleApp(t, newFakeRoleRepo(), newFakeChannelRepo(), testPrincipal())
	status, envelope := doJSON(t, app, "POST", "/roles", fiber.Map{
		"name":  "ops",
		"scope": "galaxy",
	})
	wantStatus(t, status, fiber.StatusBadRequest)
	if code := errorCode(t, envelope); code != "validation_error" {
		t.Errorf("code = %q, want validation_error", code)
	}
}

func TestRoleBuiltinImmutable(t *testing.T) {
	t.Parallel()

	roles := newFakeRoleRepo()
	builtin := &role.Role{ID: uuid.New(), Name: "admin", Scope: role.ScopeServer, Builtin: true}
	roles.roles[builtin.ID] = builtin

	app := setupRoleApp(t, roles, newFakeChannelRepo(), testPrincipal())
	status, envelope := doJSON(t, app, "DELETE", "/roles/"+builtin.ID.String(), nil)
	wantStatus(t, status, fiber.StatusForbidden)
	if code := errorCode(t, envelope); code != "forbidden" {
		t.Errorf("code = %q, want forbidden", code)
	}
}

func TestRoleAssignServerScope(t *testing.T) {
	t.Parallel()

	roles := newFakeRoleRepo()
	rl, err := roles.Create(context.Background(), role.CreateParams{
		Name: "ops", Scope: role.ScopeServer, Permissions: []string{role.PermChannelCreate},
	})
	if err != nil {
		t.Fatalf("seed role: %v", err)
	}

	app := setupRoleApp(t, roles, newFakeChannelRepo(), testPrincipal())
	target := uuid.New()

	status, _ := doJSON(t, app, "POST", "/roles/"+rl.ID.String()+"/assign", fiber.Map{"user_id": target.String()})
	wantStatus(t, status, fiber.StatusOK)

	perms, _ := roles.ServerPermissions(context.Background(), target)
	if len(perms) != 1 || perms[0] != role.PermChannelCreate {
		t.Errorf("server permissions = %v, want [channel.create]", perms)
	}

	// A server-scoped role refuses a channel target.
	status, envelope := doJSON(t, app, "POST", "/roles/"+rl.ID.String()+"/assign", fiber.Map{
		"user_id":    target.String(),
		"channel_id": uuid.NewString(),
	})
	wantStatus(t, status, fiber.StatusBadRequest)
	if code := errorCode(t, envelope); code != "validation_error" {
		t.Errorf("code = %q, want validation_error", code)
	}
}

func TestRoleAssignScopeMismatch(t *testing.T) {
	t.Parallel()

	roles := newFakeRoleRepo()
	rl, err := roles.Create(context.Background(), role.CreateParams{
		Name: "speaker", Scope: role.ScopeRealtimeChannel,
	})
	if err != nil {
		t.Fatalf("seed role: %v", err)
	}

	channels := newFakeChannelRepo()
	owner := testPrincipal()
	ch, err := channels.Create(context.Background(), channel.CreateParams{
		Name: "letters", Kind: channel.KindSignal, OwnerUserID: owner.UserID,
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	app := setupRoleApp(t, roles, channels, owner)
	status, envelope := doJSON(t, app, "POST", "/roles/"+rl.ID.String()+"/assign", fiber.Map{
		"user_id":    uuid.NewString(),
		"channel_id": ch.ID.String(),
	})
	wantStatus(t, status, fiber.StatusBadRequest)
	if code := errorCode(t, envelope); code != "validation_error" {
		t.Errorf("code = %q, want validation_error", code)
	}
}
