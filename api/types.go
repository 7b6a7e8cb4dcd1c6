package api

import (
	"context"

	"taskboard/auth"
	"taskboard/blobs"
	"taskboard/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	SaveTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
}

// EventPublisher delivers task events downstream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// SessionLoader resolves a session token.
type SessionLoader interface {
	Get(ctx context.Context, token string) (*auth.Session, error)
}

// Authenticator is implemented by types able to extract an identity from an
// Authorization header.
type Authenticator interface {
	IdentityFromHeader(string) (domain.Identity, error)
}

// BlobStore hands out and resolves temporary attachment references.
type BlobStore interface {
	Acquire(obj blobs.Object) blobs.Ref
	Open(handle string) (blobs.Object, bool)
}

// Deduper prevents processing of duplicate submissions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
