// Package auth authenticates review triggers: admin sessions carried as HS256
// JWTs, or a shared secret header used by the scheduler.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/food-review/internal/config"
)

const (
	// CronSecretHeader carries the scheduler's shared secret.
	CronSecretHeader = "X-Cron-Secret"
	// SessionCookie carries the admin session token.
	SessionCookie = "session"
)

var (
	// ErrUnauthenticated means no valid credential was presented.
	ErrUnauthenticated = eris.New("unauthenticated")
	// ErrForbidden means the caller is authenticated but not an admin.
	ErrForbidden = eris.New("admin access required")
)

// Claims is the admin session payload.
type Claims struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller recorded as a run's run_by.
type Identity struct {
	RunBy  string
	Source string // "session" or "cron"
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator verifies admin sessions and cron secrets.
type Authenticator struct {
	jwtSecret  []byte
	cronSecret []byte
	cronRunBy  string
}

// New creates an Authenticator. An empty secret disables that method.
func New(cfg config.AuthConfig) *Authenticator {
	runBy := cfg.CronRunBy
	if runBy == "" {
		runBy = "system:cron"
	}
	a := &Authenticator{cronRunBy: runBy}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	if cfg.CronSecret != "" {
		a.cronSecret = []byte(cfg.CronSecret)
	}
	return a
}

// Authenticate resolves the caller of r. The cron header is checked first;
// a header that is present but wrong is rejected without falling back.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if secret := r.Header.Get(CronSecretHeader); secret != "" {
		if a.cronSecret == nil || subtle.ConstantTimeCompare([]byte(secret), a.cronSecret) != 1 {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{RunBy: a.cronRunBy, Source: "cron"}, nil
	}

	token := tokenFromRequest(r)
	if token == "" || a.jwtSecret == nil {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := a.ParseToken(token)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if !claims.IsAdmin {
		return Identity{}, ErrForbidden
	}
	return Identity{RunBy: claims.Email, Source: "session"}, nil
}

// ParseToken validates an HS256 session token.
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, eris.Wrap(err, "auth: parse token")
	}
	if !parsed.Valid || claims.Email == "" {
		return nil, eris.New("auth: invalid token")
	}
	return claims, nil
}

// IssueToken signs a session token. Used by tooling and tests; the session
// issuer itself lives outside this service.
func (a *Authenticator) IssueToken(email string, isAdmin bool, ttl time.Duration) (string, error) {
	if a.jwtSecret == nil {
		return "", eris.New("auth: jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		Email:   email,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", eris.Wrap(err, "auth: sign token")
	}
	return signed, nil
}

// Middleware rejects unauthenticated (401) and non-admin (403) callers and
// stores the Identity on the request context.
func (a *Authenticator) Middleware(onError func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			switch {
			case errors.Is(err, ErrForbidden):
				onError(w, http.StatusForbidden, err.Error())
				return
			case err != nil:
				onError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
