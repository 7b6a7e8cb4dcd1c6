// Package auth signs users in with ID tokens issued by an external identity
// provider and keeps their sessions in Redis.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

const defaultKeyCacheTTL = 15 * time.Minute

// VerifierConfig selects how ID tokens are checked. A non-empty TestSecret
// switches to HS256 shared-secret verification for local runs and tests.
type VerifierConfig struct {
	JWKS     *keyfunc.JWKS
	Audience string
	// Issuers lists the accepted "iss" values; a token must match one.
	Issuers     []string
	TestSecret  []byte
	KeyCacheTTL time.Duration
}

// Verifier validates ID tokens and extracts the identity they carry.
type Verifier struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuers    []string
	testMode   bool
	testSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewVerifier creates a Verifier from cfg.
func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{
		jwks:        cfg.JWKS,
		audience:    cfg.Audience,
		issuers:     cfg.Issuers,
		testSecret:  cfg.TestSecret,
		testMode:    len(cfg.TestSecret) > 0,
		keyCacheTTL: cfg.KeyCacheTTL,
	}
	if v.keyCacheTTL == 0 {
		v.keyCacheTTL = defaultKeyCacheTTL
	}
	if v.testMode {
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return v
}

// IdentityFromHeader verifies the bearer token of an Authorization header.
func (v *Verifier) IdentityFromHeader(h string) (domain.Identity, error) {
	token, err := BearerFromString(h)
	if err != nil {
		return domain.Identity{}, err
	}
	return v.Verify(token)
}

// VerifyCredential verifies a raw ID token posted by the sign-in widget.
func (v *Verifier) VerifyCredential(credential string) (domain.Identity, error) {
	token, err := credentialBytes(credential)
	if err != nil {
		return domain.Identity{}, err
	}
	return v.Verify(token)
}

// Verify checks signature and registered claims of token and returns the
// identity it describes.
func (v *Verifier) Verify(token []byte) (domain.Identity, error) {
	if len(token) == 0 {
		return domain.Identity{}, ErrBadCredential
	}

	tokenStr := readOnlyString(token)
	var parsed *jwt.Token
	var err error
	if v.testMode {
		parsed, err = v.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return v.testSecret, nil
		})
	} else {
		parsed, err = v.parser.Parse(tokenStr, v.keyForToken)
	}
	if err != nil {
		return domain.Identity{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.Identity{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return domain.Identity{}, errors.New("token used before issued")
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, false) {
		return domain.Identity{}, errors.New("invalid audience")
	}
	if len(v.issuers) > 0 && !v.knownIssuer(claims) {
		return domain.Identity{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Identity{}, errors.New("missing sub")
	}
	id := domain.Identity{UserID: sub}
	id.DisplayName, _ = claims["name"].(string)
	id.Email, _ = claims["email"].(string)
	id.Picture, _ = claims["picture"].(string)
	if id.DisplayName == "" {
		id.DisplayName = id.Email
	}
	return id, nil
}

func (v *Verifier) knownIssuer(claims jwt.MapClaims) bool {
	for _, iss := range v.issuers {
		if claims.VerifyIssuer(iss, true) {
			return true
		}
	}
	return false
}

func (v *Verifier) keyForToken(token *jwt.Token) (any, error) {
	if v.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && v.keyCacheTTL > 0 {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}

	key, err := v.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && v.keyCacheTTL > 0 {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(v.keyCacheTTL)})
	}
	return key, nil
}
