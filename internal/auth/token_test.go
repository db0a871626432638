package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	claims := NewClaims("user-1", "Dana", "org-acme", "lawyer", time.Now().Add(time.Hour))

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed.Subject != "user-1" || parsed.Name != "Dana" {
		t.Fatalf("unexpected identity: %+v", parsed)
	}
	if parsed.Organization != "org-acme" {
		t.Fatalf("expected organization org-acme, got %q", parsed.Organization)
	}
	if parsed.Role != "lawyer" {
		t.Fatalf("expected role lawyer, got %q", parsed.Role)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	claims := NewClaims("user-1", "Dana", "org-acme", "lawyer", time.Now().Add(time.Hour))
	token, err := IssueToken([]byte("secret-a"), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := ParseToken([]byte("secret-b"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	claims := NewClaims("user-1", "Dana", "org-acme", "lawyer", time.Now().Add(-time.Minute))
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsMissingOrganization(t *testing.T) {
	secret := []byte("test-secret")
	claims := NewClaims("user-1", "Dana", "", "lawyer", time.Now().Add(time.Hour))
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("test-secret"), "definitely-not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
