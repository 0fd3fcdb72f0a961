package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth is the parent of every token failure; errors.Is(err, ErrAuth)
// identifies authentication errors regardless of cause.
var ErrAuth = errors.New("auth error")

var (
	ErrTokenInvalid  = fmt.Errorf("%w: token invalid", ErrAuth)
	ErrTokenExpired  = fmt.Errorf("%w: token expired", ErrAuth)
	ErrTokenMismatch = fmt.Errorf("%w: token does not belong to session user", ErrAuth)
)

// Metadata is the snapshot of the user's access at issuance time.
type Metadata struct {
	Role        string   `json:"role"`
	BranchID    string   `json:"branchId,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Claims is the verified payload of a connection token.
type Claims struct {
	Metadata     Metadata         `json:"meta"`
	RefreshAfter *jwt.NumericDate `json:"rfa,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string { return c.Subject }
func (c *Claims) JTI() string    { return c.ID }

func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Token is what the issuance and refresh endpoints return.
type Token struct {
	Token        string    `json:"token"`
	JTI          string    `json:"jti"`
	UserID       string    `json:"userId"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshAfter time.Time `json:"refreshAfter"`
	Metadata     Metadata  `json:"metadata"`
}
