// Package auth authenticates the three kinds of caller the coordinator
// serves: packagers (pre-shared key), the cron trigger (shared secret) and
// dashboard users (OIDC bearer tokens carrying user and tenant ids).
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"packaging-coordinator/internal/config"
)

// Header names for shared-secret callers.
const (
	PackagerKeyHeader = "X-Packager-Key"
	CronSecretHeader  = "X-Cron-Secret"
)

var (
	// ErrMissingToken means no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrMissingTenant means the token carries no tenant id.
	ErrMissingTenant = errors.New("token has no tenant claim")
)

// Principal is an authenticated dashboard user.
type Principal struct {
	UserID   string
	TenantID string
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by RequireUser.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenVerifier turns a raw bearer token into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Principal, error)
}

// OIDCVerifier validates ID tokens against an OIDC issuer.
type OIDCVerifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and builds a verifier for clientID.
func NewOIDCVerifier(ctx context.Context, cfg config.AuthConfig, httpClient *http.Client) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(strings.TrimSuffix(cfg.IssuerURL, "/"), "/.well-known/openid-configuration")
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	return &OIDCVerifier{verifier: op.Verifier(&gooidc.Config{ClientID: cfg.ClientID})}, nil
}

// NewStaticVerifier verifies tokens against a fixed key set without discovery.
func NewStaticVerifier(issuer, clientID string, keys gooidc.KeySet, now func() time.Time) *OIDCVerifier {
	return &OIDCVerifier{verifier: gooidc.NewVerifier(issuer, keys, &gooidc.Config{ClientID: clientID, Now: now})}
}

type tokenClaims struct {
	Subject  string `json:"sub"`
	ObjectID string `json:"oid"`
	TenantID string `json:"tid"`
}

// Verify checks signature, issuer, audience and expiry, then extracts the
// user (oid, falling back to sub) and tenant (tid).
func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (Principal, error) {
	tok, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}
	var c tokenClaims
	if err := tok.Claims(&c); err != nil {
		return Principal{}, fmt.Errorf("decode claims: %w", err)
	}
	if c.TenantID == "" {
		return Principal{}, ErrMissingTenant
	}
	p := Principal{UserID: c.ObjectID, TenantID: c.TenantID}
	if p.UserID == "" {
		p.UserID = c.Subject
	}
	return p, nil
}

// RequireUser rejects requests without a valid bearer token and stores the
// Principal on the request context.
func RequireUser(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				deny(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			p, err := v.Verify(r.Context(), raw)
			if err != nil {
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireSecret rejects requests whose header does not carry secret. An
// empty secret means the surface is not configured and every call is refused.
func RequireSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				deny(w, http.StatusServiceUnavailable, "endpoint not configured")
				return
			}
			got := r.Header.Get(header)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
