package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"docket/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]store.User)}
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) TouchUserLogin(_ context.Context, _ string) error {
	return nil
}

func TestRegisterAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.Register(ctx, "Dana", "Dana@Example.com", "secret1", "org-1", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "dana@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.Role != "lawyer" {
		t.Fatalf("got default role %q, want lawyer", user.Role)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret1")); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}

	got, err := svc.SignIn(ctx, "dana@example.com", "secret1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("got user %q, want %q", got.ID, user.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "A", "a@example.com", "secret1", "org-1", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Register(ctx, "B", "a@example.com", "secret2", "org-2", "")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("got %v, want ErrEmailTaken", err)
	}
}

func TestRegisterShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())

	if _, err := svc.Register(context.Background(), "A", "a@example.com", "short", "org-1", ""); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "A", "a@example.com", "secret1", "org-1", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.SignIn(ctx, "a@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())

	_, err := svc.SignIn(context.Background(), "nobody@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}
