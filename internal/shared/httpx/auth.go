package httpx

import (
	"context"
	"net/http"

	"notification-hub/internal/shared/jwt"
)

// Principal is the caller identity attached to a request.
type Principal struct {
	UserID   string
	Role     string
	BranchID string
	// Via names the credential that authenticated the request ("session" or "connection").
	Via string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Authenticator turns a raw credential into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (Principal, error)
}

type sessionAuth struct{ v *jwt.Verifier }

// SessionAuth authenticates user session JWTs.
func SessionAuth(v *jwt.Verifier) Authenticator { return sessionAuth{v: v} }

func (s sessionAuth) Authenticate(_ context.Context, raw string) (Principal, error) {
	sess, err := s.v.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: sess.UserID, Role: sess.Role, BranchID: sess.BranchID, Via: "session"}, nil
}

type ctxKey string

const principalKey ctxKey = "httpx.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Authenticate attaches the principal of the first authenticator that accepts
// the request token. Requests without a valid token pass through anonymous.
// Tokens are read from the Authorization header or the "token" query parameter.
func Authenticate(next http.Handler, auths ...Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := ExtractToken(r, "token"); tok != "" {
			for _, a := range auths {
				p, err := a.Authenticate(r.Context(), tok)
				if err == nil && p.UserID != "" {
					r = r.WithContext(WithPrincipal(r.Context(), p))
					break
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests that Authenticate left anonymous.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromCtx(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		reason := "invalid_token"
		if ExtractToken(r, "token") == "" {
			reason = "missing_token"
		}
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, reason)
	})
}

// AuthMiddleware is Authenticate followed by RequireAuth.
func AuthMiddleware(next http.Handler, auths ...Authenticator) http.Handler {
	return Authenticate(RequireAuth(next), auths...)
}

// RequireAdmin rejects principals without the admin role. It must run after AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromCtx(r.Context())
		if !ok {
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized, "auth_required")
			return
		}
		if !p.IsAdmin() {
			WriteError(w, http.StatusForbidden, ErrForbidden, "admin_required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func PrincipalFromCtx(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

func UserFromCtx(r *http.Request) (string, error) {
	p, ok := PrincipalFromCtx(r.Context())
	if !ok {
		return "", ErrUnauthorized
	}
	return p.UserID, nil
}
