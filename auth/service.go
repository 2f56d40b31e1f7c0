package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrInvalidToken signals a token that fails signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptyPrincipal signals an attempt to issue a token for nobody.
	ErrEmptyPrincipal = errors.New("auth: empty principal")
)

// Service issues and verifies bearer tokens naming the calling principal.
// Principals are opaque; escrow roles are decided per escrow, not by the token.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service signing with HS256.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTTL,
		now:       time.Now,
	}
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken creates a signed token for principal.
func (s *Service) IssueToken(principal string) (string, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return "", ErrEmptyPrincipal
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": principal,
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a token and returns the principal it names.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	principal, ok := claims["user_id"].(string)
	if !ok || strings.TrimSpace(principal) == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return principal, nil
}
