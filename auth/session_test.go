package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

func newTestStore(t *testing.T, ttl time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionStore(client, ttl), mr
}

func TestSessionStoreLifecycle(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	sess, err := store.Create(ctx, domain.Identity{UserID: "u1", DisplayName: "Ada"}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Token == "" || !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if ttl := mr.TTL(sessionKey(sess.Token)); ttl != time.Hour {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	if mr.Exists("session:" + sess.Token) {
		t.Fatal("raw token must not be used as key")
	}

	got, err := store.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Identity.DisplayName != "Ada" || got.Token != sess.Token {
		t.Fatalf("unexpected loaded session: %+v", got)
	}

	if err := store.Delete(ctx, sess.Token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = store.Get(ctx, sess.Token)
	if err != nil || got != nil {
		t.Fatalf("expected no session after delete, got %+v err=%v", got, err)
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, domain.Identity{UserID: "u1"}, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, sess.Token)
	if err != nil || got != nil {
		t.Fatalf("expected expired session to be gone, got %+v err=%v", got, err)
	}
}

func TestSessionStoreCorruptEntry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	if err := mr.Set(sessionKey("tok"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := store.Get(context.Background(), "tok")
	if err != nil || got != nil {
		t.Fatalf("expected corrupt session to be ignored, got %+v err=%v", got, err)
	}
	if mr.Exists(sessionKey("tok")) {
		t.Fatal("expected corrupt session to be removed")
	}
}

func TestSessionStoreDefaultsTTL(t *testing.T) {
	store := NewSessionStore(nil, 0)
	if store.ttl != defaultSessionTTL {
		t.Fatalf("expected default ttl, got %v", store.ttl)
	}
}

type stubProvider struct {
	sess      *Session
	signInErr error
	signOut   error
	signedOut []string
}

func (s *stubProvider) SignIn(context.Context, string) (*Session, error) {
	return s.sess, s.signInErr
}

func (s *stubProvider) SignOut(_ context.Context, token string) error {
	s.signedOut = append(s.signedOut, token)
	return s.signOut
}

func TestAdapterSignInSwallowsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a := NewAdapter(&stubProvider{signInErr: errors.New("popup closed")}, logger)

	if sess := a.SignIn(context.Background(), "cred"); sess != nil {
		t.Fatalf("expected nil session, got %+v", sess)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel || entry.Message != "login failed" {
		t.Fatalf("expected login failure to be logged, got %#v", entry)
	}
}

func TestAdapterSignInSuccess(t *testing.T) {
	logger, _ := test.NewNullLogger()
	want := &Session{Token: "t", Identity: domain.Identity{UserID: "u"}}
	a := NewAdapter(&stubProvider{sess: want}, logger)

	if got := a.SignIn(context.Background(), "cred"); got != want {
		t.Fatalf("expected provider session, got %+v", got)
	}
}

func TestAdapterSignOutSwallowsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := &stubProvider{signOut: errors.New("redis down")}
	a := NewAdapter(p, logger)

	a.SignOut(context.Background(), "tok")

	if len(p.signedOut) != 1 || p.signedOut[0] != "tok" {
		t.Fatalf("expected provider sign out, got %v", p.signedOut)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "logout failed" {
		t.Fatalf("expected logout failure to be logged, got %#v", entry)
	}
}

func TestIDTokenProviderSignInAndOut(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	p := NewIDTokenProvider(testVerifier(), store)
	ctx := context.Background()

	sess, err := p.SignIn(ctx, signTestToken(t, map[string]any{"name": "Ada"}))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if sess.Identity.UserID != "user-123" {
		t.Fatalf("unexpected identity: %+v", sess.Identity)
	}
	if err := p.SignOut(ctx, sess.Token); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if got, _ := store.Get(ctx, sess.Token); got != nil {
		t.Fatal("expected session to be removed")
	}

	if _, err := p.SignIn(ctx, "garbage"); err == nil {
		t.Fatal("expected invalid credential to fail")
	}
}

func TestCookies(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()

	SetCookie(rec, req, &Session{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "tok" || !cookies[0].Secure || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookie: %#v", cookies)
	}

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(cookies[0])
	if got := TokenFromRequest(next); got != "tok" {
		t.Fatalf("expected token from cookie, got %q", got)
	}

	rec = httptest.NewRecorder()
	ClearCookie(rec, httptest.NewRequest(http.MethodPost, "/auth/signout", nil))
	cleared := rec.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 || cleared[0].Secure {
		t.Fatalf("unexpected cleared cookie: %#v", cleared)
	}
}
