package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/addrpolicy"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/role"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/writer"
)

func TestBeginEnrollmentRefusesBadAddress(t *testing.T) {
	t.Parallel()

	f := &Flow{
		policy: addrpolicy.New(nil, "", false),
		log:    zerolog.Nop(),
	}

	for _, addr := range []string{"", "not-an-address", "a@", "@example.com", "a b@example.com"} {
		err := f.BeginEnrollment(context.Background(), &session.Session{}, addr, "")
		if !errors.Is(err, ErrPolicyRefused) {
			t.Errorf("BeginEnrollment(%q) error = %v, want ErrPolicyRefused", addr, err)
		}
	}
}

func TestBeginEnrollmentRefusesSuffix(t *testing.T) {
	t.Parallel()

	f := &Flow{
		policy: addrpolicy.New([]string{"@corp.example.com"}, "", false),
		log:    zerolog.Nop(),
	}

	err := f.BeginEnrollment(context.Background(), &session.Session{}, "a@example.com", "")
	if !errors.Is(err, ErrPolicyRefused) {
		t.Errorf("BeginEnrollment() error = %v, want ErrPolicyRefused", err)
	}
}

func TestBeginEnrollmentRequiresInvite(t *testing.T) {
	t.Parallel()

	f := &Flow{
		policy:     addrpolicy.New(nil, "", false),
		inviteOnly: true,
		log:        zerolog.Nop(),
	}

	err := f.BeginEnrollment(context.Background(), &session.Session{}, "a@example.com", "")
	if !errors.Is(err, ErrInviteRequired) {
		t.Errorf("BeginEnrollment() error = %v, want ErrInviteRequired", err)
	}
}

func TestVerifyOTPRequiresAwaitingState(t *testing.T) {
	t.Parallel()

	f := &Flow{log: zerolog.Nop()}
	sess := &session.Session{FlowState: session.FlowAnonymous}

	_, err := f.VerifyOTP(context.Background(), sess, "a@example.com", "12345")
	if !errors.Is(err, session.ErrStateMismatch) {
		t.Errorf("VerifyOTP() error = %v, want ErrStateMismatch", err)
	}
}

func TestEmitBackupCodesRequiresBoundUser(t *testing.T) {
	t.Parallel()

	f := &Flow{log: zerolog.Nop()}
	sess := &session.Session{FlowState: session.FlowOTPVerified}

	if _, err := f.EmitBackupCodes(context.Background(), sess); !errors.Is(err, session.ErrStateMismatch) {
		t.Errorf("EmitBackupCodes() error = %v, want ErrStateMismatch", err)
	}
}

func TestAssertCredentialEmbeddedBrowserCSRF(t *testing.T) {
	t.Parallel()

	f := &Flow{log: zerolog.Nop()}
	parked := "parked-state"

	tests := []struct {
		name string
		sess session.Session
		got  string
	}{
		{name: "no state parked", sess: session.Session{}, got: "anything"},
		{name: "empty state presented", sess: session.Session{CSRFState: &parked}, got: ""},
		{name: "state mismatch", sess: session.Session{CSRFState: &parked}, got: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.AssertCredential(context.Background(), &tt.sess, "a@example.com", nil, true, tt.got, nil)
			if !errors.Is(err, ErrCSRFStateMismatch) {
				t.Errorf("AssertCredential() error = %v, want ErrCSRFStateMismatch", err)
			}
		})
	}
}

// fakeCredUsers implements the credential slice of user.Repository; the rest
// panics to catch accidental use.
type fakeCredUsers struct {
	user.Repository

	mu     sync.Mutex
	creds  map[uuid.UUID][]user.Credential
	active map[uuid.UUID]bool
}

func newFakeCredUsers() *fakeCredUsers {
	return &fakeCredUsers{creds: map[uuid.UUID][]user.Credential{}, active: map[uuid.UUID]bool{}}
}

func (f *fakeCredUsers) Credentials(_ context.Context, id uuid.UUID) ([]user.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]user.Credential, len(f.creds[id]))
	copy(out, f.creds[id])
	return out, nil
}

func (f *fakeCredUsers) SetCredentials(_ context.Context, id uuid.UUID, creds []user.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[id] = creds
	return nil
}

func (f *fakeCredUsers) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
	return nil
}

func newCredFlow(t *testing.T, users *fakeCredUsers) *Flow {
	t.Helper()
	writes := writer.New(16, 5*time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = writes.Close(context.Background()) })
	return &Flow{users: users, writes: writes, log: zerolog.Nop()}
}

func TestAppendCredentialConcurrent(t *testing.T) {
	t.Parallel()

	users := newFakeCredUsers()
	f := newCredFlow(t, users)
	userID := uuid.New()

	var wg sync.WaitGroup
	firsts := make([]bool, 2)
	errs := make([]error, 2)
	for i, id := range []string{"cred-a", "cred-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			firsts[i], errs[i] = f.appendCredential(context.Background(), userID, &user.Credential{ID: id})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("appendCredential() %d error = %v", i, err)
		}
	}

	// Both appends must survive; an append based on a stale list would drop
	// the other credential.
	if got := len(users.creds[userID]); got != 2 {
		t.Fatalf("stored %d credentials after two appends, want 2", got)
	}
	if firsts[0] == firsts[1] {
		t.Errorf("first flags = %v, want exactly one true", firsts)
	}
}

func TestRecordAssertionStampsLogin(t *testing.T) {
	t.Parallel()

	users := newFakeCredUsers()
	f := newCredFlow(t, users)
	userID := uuid.New()
	users.creds[userID] = []user.Credential{{ID: "cred-a"}, {ID: "cred-b"}}

	native := &NativeMint{Sighting: device.Sighting{IP: "198.51.100.7"}}
	if err := f.recordAssertion(context.Background(), userID, "cred-b", native); err != nil {
		t.Fatalf("recordAssertion() error = %v", err)
	}

	stored := users.creds[userID]
	if stored[0].LastLogin != nil {
		t.Error("unasserted credential got a login stamp")
	}
	if stored[1].LastLogin == nil {
		t.Error("asserted credential missing its login stamp")
	}
	if stored[1].IP != "198.51.100.7" {
		t.Errorf("asserted credential IP = %q, want %q", stored[1].IP, "198.51.100.7")
	}
	if !users.active[userID] {
		t.Error("account not reactivated")
	}
}

// fakeRoles records server role assignments by role name.
type fakeRoles struct {
	role.Repository

	byName   map[string]*role.Role
	assigned []uuid.UUID
}

func (f *fakeRoles) GetByName(_ context.Context, name string) (*role.Role, error) {
	r, ok := f.byName[name]
	if !ok {
		return nil, role.ErrNotFound
	}
	return r, nil
}

func (f *fakeRoles) AssignServer(_ context.Context, _ uuid.UUID, roleID uuid.UUID) error {
	f.assigned = append(f.assigned, roleID)
	return nil
}

func TestAssignConfiguredRoles(t *testing.T) {
	t.Parallel()

	admin := &role.Role{ID: uuid.New(), Name: "admin"}
	roles := &fakeRoles{byName: map[string]*role.Role{"admin": admin}}
	f := &Flow{
		roles: roles,
		autoAssign: map[string][]string{
			"boss@example.com": {"admin", "missing-role"},
		},
		log: zerolog.Nop(),
	}

	if err := f.assignConfiguredRoles(context.Background(), uuid.New(), "boss@example.com"); err != nil {
		t.Fatalf("assignConfiguredRoles() error = %v", err)
	}
	if len(roles.assigned) != 1 || roles.assigned[0] != admin.ID {
		t.Errorf("assigned = %v, want exactly [%s]", roles.assigned, admin.ID)
	}

	// Addresses without configured roles assign nothing.
	roles.assigned = nil
	if err := f.assignConfiguredRoles(context.Background(), uuid.New(), "other@example.com"); err != nil {
		t.Fatalf("assignConfiguredRoles() error = %v", err)
	}
	if len(roles.assigned) != 0 {
		t.Errorf("assigned = %v, want none", roles.assigned)
	}
}
