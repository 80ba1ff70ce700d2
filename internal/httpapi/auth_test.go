package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"heladeria/backend/internal/domain"
)

type staffStub struct {
	users map[string]domain.StaffUser
}

func (s staffStub) GetStaffUser(_ context.Context, username string) (*domain.StaffUser, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, errors.New("not found")
	}
	return &u, nil
}

func newStub(t *testing.T, active bool) staffStub {
	t.Helper()
	hash, err := hashPassword("helado123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return staffStub{users: map[string]domain.StaffUser{
		"lucia": {Username: "lucia", PasswordHash: hash, Role: domain.RoleCashier, StoreID: 2, Active: active},
	}}
}

func TestLoginIssuesTokenWithStoreBinding(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStub(t, true))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Lucia ", Password: "helado123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleCashier {
		t.Fatalf("unexpected role %s", resp.Role)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "lucia" || actor.StoreID != 2 || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStub(t, false))
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "lucia", Password: "helado123"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStub(t, true))
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "nadie", Password: "helado123"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestParseTokenRejectsOtherSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour, newStub(t, true))
	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "lucia", Password: "helado123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	other := NewAuthManager("secret-two", time.Hour, newStub(t, true))
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, newStub(t, true))
	manager.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "lucia", Password: "helado123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := manager.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestVerifyPasswordRequiresHash(t *testing.T) {
	if verifyPassword("plain-text", "plain-text") {
		t.Fatalf("plain text passwords must never verify")
	}
}

type staffBook struct {
	staffStub
}

func (b staffBook) CreateStaffUser(_ context.Context, u domain.StaffUser) error {
	b.users[u.Username] = u
	return nil
}

func TestSeedStaffWritesHashedAccounts(t *testing.T) {
	book := staffBook{staffStub{users: map[string]domain.StaffUser{}}}

	n, err := SeedStaff(context.Background(), book, []StaffSeed{
		{Username: "Manager", Password: "gerencia-2026", Role: domain.RoleManager},
		{Username: "cashier", Password: "", Role: domain.RoleCashier, StoreID: 1},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 1 || len(book.users) != 1 {
		t.Fatalf("expected only the account with a password, got %d", n)
	}
	stored := book.users["manager"]
	if stored.PasswordHash == "gerencia-2026" || !isPasswordHash(stored.PasswordHash) || !stored.Active {
		t.Fatalf("unexpected stored account %+v", stored)
	}

	manager := NewAuthManager("test-secret", time.Hour, book)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "manager", Password: "gerencia-2026"})
	if err != nil {
		t.Fatalf("login with seeded account: %v", err)
	}
	if resp.Role != domain.RoleManager {
		t.Fatalf("unexpected role %s", resp.Role)
	}
}
