package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

const defaultSessionTTL = 7 * 24 * time.Hour

// Session is an authenticated browser session. Token is only known to the
// client; Redis stores the session under a hash of it.
type Session struct {
	Token     string          `json:"-"`
	Identity  domain.Identity `json:"identity"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// SessionStore keeps sessions in Redis with a fixed TTL.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionStore creates a store; a non-positive ttl selects seven days.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "session:" + hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Create starts a session for id.
func (s *SessionStore) Create(ctx context.Context, id domain.Identity, now time.Time) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	sess := &Session{Token: token, Identity: id, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}
	data, err := sonic.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, sessionKey(token), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Get loads the session for token. It returns nil without error when the
// session does not exist or has expired.
func (s *SessionStore) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	data, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := sonic.Unmarshal(data, &sess); err != nil {
		_ = s.client.Del(ctx, sessionKey(token)).Err()
		return nil, nil
	}
	sess.Token = token
	return &sess, nil
}

// Delete ends the session for token.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if token == "" {
		return ErrMissingCredential
	}
	return s.client.Del(ctx, sessionKey(token)).Err()
}
