package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret-test-secret-test-secret"

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService(secret)

	token, err := svc.IssueToken(" alice ")
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("issue: expected token, got empty string")
	}

	principal, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if principal != "alice" {
		t.Fatalf("verify token: expected %q got %q", "alice", principal)
	}
}

func TestService_IssueRejectsEmptyPrincipal(t *testing.T) {
	if _, err := NewService(secret).IssueToken("  "); !errors.Is(err, ErrEmptyPrincipal) {
		t.Fatalf("expected ErrEmptyPrincipal, got %v", err)
	}
}

func TestService_VerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewService(secret).IssueToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewService("another-secret-another-secret-xx").VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_VerifyRejectsExpired(t *testing.T) {
	issuedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewService(secret).WithClock(func() time.Time { return issuedAt }).WithTTL(time.Hour)
	token, err := issuer.IssueToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier := NewService(secret).WithClock(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	if _, err := verifier.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestService_VerifyRejectsMissingClaims(t *testing.T) {
	cases := map[string]jwt.MapClaims{
		"no user_id": {"exp": time.Now().Add(time.Hour).Unix()},
		"no exp":     {"user_id": "alice"},
		"bad type":   {"user_id": 42, "exp": time.Now().Add(time.Hour).Unix()},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := NewService(secret).VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestService_VerifyRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewService(secret).VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
