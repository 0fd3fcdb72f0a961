package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"notification-hub/internal/shared/httpx"
)

const issuer = "notification-hub"

// Service issues and verifies short-lived connection tokens. Tokens are
// stateless: nothing is persisted and verification relies on the signature.
type Service struct {
	secret       []byte
	ttl          time.Duration
	refreshAfter time.Duration
	timeout      time.Duration
	now          func() time.Time
	newID        func() string
}

type Option func(*Service)

func WithTTL(ttl, refreshAfter time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if refreshAfter > 0 {
			s.refreshAfter = refreshAfter
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(secret string, opts ...Option) *Service {
	s := &Service{
		secret:       []byte(strings.TrimSpace(secret)),
		ttl:          60 * time.Minute,
		refreshAfter: 45 * time.Minute,
		timeout:      time.Second,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue signs a token for userID with a fresh jti.
func (s *Service) Issue(userID string, md Metadata) (Token, error) {
	if strings.TrimSpace(userID) == "" {
		return Token{}, fmt.Errorf("%w: empty user id", ErrTokenInvalid)
	}
	now := s.now().UTC().Truncate(time.Second)
	claims := Claims{
		Metadata:     md,
		RefreshAfter: jwt.NewNumericDate(now.Add(s.refreshAfter)),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.newID(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		Token:        signed,
		JTI:          claims.ID,
		UserID:       userID,
		IssuedAt:     now,
		ExpiresAt:    claims.ExpiresAt.Time,
		RefreshAfter: claims.RefreshAfter.Time,
		Metadata:     md,
	}, nil
}

// Verify checks the signature and expiry and returns the embedded claims.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: missing token", ErrTokenInvalid)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or jti", ErrTokenInvalid)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh exchanges a still-valid token for a new one. The caller's session
// user must own the presented token. The metadata snapshot is taken from the
// session at refresh time.
func (s *Service) Refresh(ctx context.Context, sessionUserID string, md Metadata, oldRaw string) (Token, error) {
	claims, err := s.Verify(ctx, oldRaw)
	if err != nil {
		return Token{}, err
	}
	if claims.UserID() != sessionUserID {
		return Token{}, ErrTokenMismatch
	}
	return s.Issue(sessionUserID, md)
}

// Authenticate lets connection tokens authenticate HTTP requests.
func (s *Service) Authenticate(ctx context.Context, raw string) (httpx.Principal, error) {
	c, err := s.Verify(ctx, raw)
	if err != nil {
		return httpx.Principal{}, err
	}
	return httpx.Principal{
		UserID:   c.UserID(),
		Role:     c.Metadata.Role,
		BranchID: c.Metadata.BranchID,
		Via:      "connection",
	}, nil
}
