package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://login.example/tenant/v2.0"
	testClientID = "packaging-dashboard"
)

var testNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func baseClaims() map[string]any {
	return map[string]any{
		"iss": testIssuer,
		"aud": testClientID,
		"sub": "subject-1",
		"oid": "user-oid-1",
		"tid": "tenant-a",
		"iat": testNow.Add(-time.Minute).Unix(),
		"exp": testNow.Add(time.Hour).Unix(),
	}
}

func newVerifier(t *testing.T) (*OIDCVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return NewStaticVerifier(testIssuer, testClientID, keys, func() time.Time { return testNow }), key
}

func TestOIDCVerifier_Verify(t *testing.T) {
	v, key := newVerifier(t)
	ctx := context.Background()

	p, err := v.Verify(ctx, signToken(t, key, baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-oid-1", TenantID: "tenant-a"}, p)

	claims := baseClaims()
	delete(claims, "oid")
	p, err = v.Verify(ctx, signToken(t, key, claims))
	require.NoError(t, err)
	assert.Equal(t, "subject-1", p.UserID)

	claims = baseClaims()
	delete(claims, "tid")
	_, err = v.Verify(ctx, signToken(t, key, claims))
	require.ErrorIs(t, err, ErrMissingTenant)

	claims = baseClaims()
	claims["aud"] = "someone-else"
	_, err = v.Verify(ctx, signToken(t, key, claims))
	require.Error(t, err)

	claims = baseClaims()
	claims["exp"] = testNow.Add(-time.Minute).Unix()
	_, err = v.Verify(ctx, signToken(t, key, claims))
	require.Error(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = v.Verify(ctx, signToken(t, other, baseClaims()))
	require.Error(t, err)
}

func TestRequireUser(t *testing.T) {
	v, key := newVerifier(t)
	var seen Principal
	h := RequireUser(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, key, baseClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "tenant-a", seen.TenantID)
}

func TestRequireSecret(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"matching", "s3cret", "s3cret", http.StatusOK},
		{"wrong", "s3cret", "guess", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"not configured", "", "", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/cron/stale-jobs", nil)
			if tc.header != "" {
				req.Header.Set(CronSecretHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			RequireSecret(CronSecretHeader, tc.secret)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
