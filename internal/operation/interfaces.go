package operation

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// StatusSource returns the current state of every sub-task of one request. Implementations
// must be idempotent and safe for concurrent use by multiple monitors. Transport failures
// must be reported as *TransportError (or wrap ErrTransport) so they can be retried.
type StatusSource interface {
	FetchStatus(ctx context.Context, requestID string) (SnapshotBatch, error)
}

// StatusSourceFunc adapts a function to StatusSource.
type StatusSourceFunc func(ctx context.Context, requestID string) (SnapshotBatch, error)

// FetchStatus calls f.
func (f StatusSourceFunc) FetchStatus(ctx context.Context, requestID string) (SnapshotBatch, error) {
	return f(ctx, requestID)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes outcome notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces monitor IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
