// Package auth verifies the identity behind each mutating request. The
// engine only ever reads an already verified signer; this package is where
// that verification happens.
//
// With an HMAC secret configured, requests carry a bearer JWT whose subject
// is the signer. Without one, the X-Signer header is trusted as-is, which is
// only suitable for local development.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// SignerHeader carries the caller identity in development mode.
const SignerHeader = "X-Signer"

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("auth: missing bearer token")

	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Config controls token verification.
type Config struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type contextKey struct{}

// Authenticator resolves the signer of a request.
type Authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
}

// NewAuthenticator builds an Authenticator. An empty secret selects
// development mode.
func NewAuthenticator(cfg Config) *Authenticator {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer: cfg.Issuer,
		skew:   skew,
	}
}

// DevMode reports whether the X-Signer header is trusted.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// Middleware attaches the verified signer to the request context. Requests
// without credentials pass through unauthenticated; handlers that mutate
// state call Signer and reject an empty identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signer, err := a.resolve(r)
		if err != nil {
			slog.Warn("auth: rejected request", "path", r.URL.Path, "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if signer != "" {
			r = r.WithContext(WithSigner(r.Context(), signer))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) resolve(r *http.Request) (string, error) {
	if a.DevMode() {
		return strings.TrimSpace(r.Header.Get(SignerHeader)), nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	token := extractBearer(header)
	if token == "" {
		return "", ErrMissingToken
	}
	return a.Verify(token)
}

// Verify parses token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.skew),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Issue signs a token for subject. Used by tooling and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	if a.DevMode() {
		return "", errors.New("auth: no secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// WithSigner returns a context carrying signer.
func WithSigner(ctx context.Context, signer string) context.Context {
	return context.WithValue(ctx, contextKey{}, signer)
}

// Signer returns the verified identity, or "" when the request carried none.
func Signer(ctx context.Context) string {
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
