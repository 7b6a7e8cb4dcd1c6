package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/config"
)

const googleClientID = "1234-abc.apps.googleusercontent.com"

func serveJWKS(t *testing.T, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"alg":"RS256","use":"sig","n":%q,"e":%q}]}`, kid, n, e)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func signGoogleToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	base := jwt.MapClaims{
		"iss":   "https://accounts.google.com",
		"aud":   googleClientID,
		"azp":   googleClientID,
		"sub":   "110169484474386276334",
		"email": "ada@example.com",
		"name":  "Ada Lovelace",
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	token.Header["kid"] = "google-key-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewVerifierAcceptsGoogleIDToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Setenv("AUTH0_TEST_MODE", "")
	t.Setenv("LOGIN_CLIENT_ID", googleClientID)
	t.Setenv("OIDC_JWKS_URL", serveJWKS(t, key, "google-key-1"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	v, stop, err := newVerifier(cfg)
	require.NoError(t, err)
	defer stop()

	id, err := v.VerifyCredential(signGoogleToken(t, key, nil))
	require.NoError(t, err)
	assert.Equal(t, "110169484474386276334", id.UserID)
	assert.Equal(t, "Ada Lovelace", id.DisplayName)

	_, err = v.VerifyCredential(signGoogleToken(t, key, jwt.MapClaims{"iss": "accounts.google.com"}))
	assert.NoError(t, err, "bare issuer form is also Google's")

	_, err = v.VerifyCredential(signGoogleToken(t, key, jwt.MapClaims{"aud": "other-client"}))
	assert.Error(t, err, "token minted for another client")

	_, err = v.VerifyCredential(signGoogleToken(t, key, jwt.MapClaims{"iss": "https://tenant.auth0.com/"}))
	assert.Error(t, err, "token from another issuer")
}

func TestNewVerifierTestMode(t *testing.T) {
	cfg := &config.Config{AuthTestMode: true, TestJWTSecret: "secret"}
	v, stop, err := newVerifier(cfg)
	require.NoError(t, err)
	defer stop()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := v.VerifyCredential(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}
