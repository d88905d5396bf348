// Package auth guards the admin HTTP surface with a shared admin code and a
// signed session cookie.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	CookieName = "dicochat_admin"
	issuer     = "dicochat"
	subject    = "admin"
)

var (
	ErrAdminDisabled = errors.New("admin access is disabled")
	ErrInvalidCode   = errors.New("invalid admin code")
	ErrInvalidToken  = errors.New("invalid session token")
)

// Claims is the admin session payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator checks admin codes and issues session tokens.
type Authenticator struct {
	hash   []byte
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New hashes code with bcrypt at the given cost. An empty code disables
// admin login. An empty secret is replaced by random bytes, so sessions do
// not survive a restart.
func New(code string, secret []byte, ttl time.Duration, cost int) (*Authenticator, error) {
	a := &Authenticator{secret: secret, ttl: ttl, now: time.Now}
	if a.ttl <= 0 {
		a.ttl = 12 * time.Hour
	}
	if len(a.secret) == 0 {
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	if code != "" {
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
		if err != nil {
			return nil, fmt.Errorf("hash admin code: %w", err)
		}
		a.hash = hash
	}
	return a, nil
}

// Enabled reports whether an admin code is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.hash) > 0
}

// Login checks code and returns a signed session token with its expiry.
func (a *Authenticator) Login(code string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(code)); err != nil {
		return "", time.Time{}, ErrInvalidCode
	}

	now := a.now()
	expires := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks the signature, issuer, subject and expiry of token.
func (a *Authenticator) Validate(token string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// SessionCookie returns the cookie carrying token.
func SessionCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Middleware rejects requests without a valid session cookie.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(CookieName)
			if err != nil || a.Validate(cookie.Value) != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
