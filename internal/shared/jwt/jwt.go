package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jw "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSession = errors.New("invalid session token")

// Session is the authenticated user session issued by the auth service.
type Session struct {
	UserID   string
	Role     string
	BranchID string
}

type sessionClaims struct {
	Role     string `json:"role,omitempty"`
	BranchID string `json:"branchId,omitempty"`
	jw.RegisteredClaims
}

// Verifier validates HS256 session JWTs.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

// Parse validates the token and returns the session carried in its claims.
// The user id comes from the "sub" claim.
func (v *Verifier) Parse(tok string) (Session, error) {
	if strings.TrimSpace(tok) == "" || len(v.secret) == 0 {
		return Session{}, ErrInvalidSession
	}
	claims := &sessionClaims{}
	t, err := jw.ParseWithClaims(tok, claims, func(t *jw.Token) (any, error) {
		if _, ok := t.Method.(*jw.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jw.WithTimeFunc(v.now))
	if err != nil || !t.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: no subject", ErrInvalidSession)
	}
	role := claims.Role
	if role == "" {
		role = "user"
	}
	return Session{UserID: claims.Subject, Role: role, BranchID: claims.BranchID}, nil
}

// Make signs a session token. The auth service owns session issuance; this is
// used by tooling and tests.
func (v *Verifier) Make(s Session, ttl time.Duration) (string, error) {
	now := v.now()
	claims := sessionClaims{
		Role:     s.Role,
		BranchID: s.BranchID,
		RegisteredClaims: jw.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jw.NewNumericDate(now),
			ExpiresAt: jw.NewNumericDate(now.Add(ttl)),
		},
	}
	return jw.NewWithClaims(jw.SigningMethodHS256, claims).SignedString(v.secret)
}
