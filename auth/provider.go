package auth

import (
	"context"
	"time"

	"taskboard/domain"
)

// Provider performs the actual sign-in and sign-out against the identity
// provider and session storage.
type Provider interface {
	SignIn(ctx context.Context, credential string) (*Session, error)
	SignOut(ctx context.Context, token string) error
}

// CredentialVerifier turns a posted ID token into an identity.
type CredentialVerifier interface {
	VerifyCredential(credential string) (domain.Identity, error)
}

// IDTokenProvider signs users in by verifying the ID token returned by the
// provider's sign-in popup and opening a session for it.
type IDTokenProvider struct {
	verifier CredentialVerifier
	sessions *SessionStore
	now      func() time.Time
}

// NewIDTokenProvider creates a provider backed by v and sessions.
func NewIDTokenProvider(v CredentialVerifier, sessions *SessionStore) *IDTokenProvider {
	return &IDTokenProvider{verifier: v, sessions: sessions, now: time.Now}
}

func (p *IDTokenProvider) SignIn(ctx context.Context, credential string) (*Session, error) {
	id, err := p.verifier.VerifyCredential(credential)
	if err != nil {
		return nil, err
	}
	return p.sessions.Create(ctx, id, p.now())
}

func (p *IDTokenProvider) SignOut(ctx context.Context, token string) error {
	return p.sessions.Delete(ctx, token)
}
