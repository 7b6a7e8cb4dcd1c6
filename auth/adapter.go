package auth

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Adapter is what the UI calls. Failures never reach the caller: they are
// logged and the session state simply does not change.
type Adapter struct {
	provider Provider
	log      *log.Logger
}

// NewAdapter wraps provider.
func NewAdapter(provider Provider, logger *log.Logger) *Adapter {
	if logger == nil {
		panic("auth.NewAdapter: logger is nil")
	}
	return &Adapter{provider: provider, log: logger}
}

// SignIn returns the new session, or nil when sign-in failed.
func (a *Adapter) SignIn(ctx context.Context, credential string) *Session {
	sess, err := a.provider.SignIn(ctx, credential)
	if err != nil {
		a.log.WithError(err).Error("login failed")
		return nil
	}
	a.log.WithField("user", sess.Identity.UserID).Info("user logged in")
	return sess
}

// SignOut ends the session for token.
func (a *Adapter) SignOut(ctx context.Context, token string) {
	if err := a.provider.SignOut(ctx, token); err != nil {
		a.log.WithError(err).Error("logout failed")
	}
}
