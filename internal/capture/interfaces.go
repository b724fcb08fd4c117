package capture

import (
	"context"
	"time"
)

// Fetcher downloads and decodes a finished run's payload from the upstream
// service. Implementations return ErrMalformedPayload (wrapped) when the
// payload cannot be decoded and upstream.ErrUnavailable when it is gone.
type Fetcher interface {
	FetchData(ctx context.Context, runToken string) (Payload, error)
}

// ArtifactStore persists raw payload blobs and returns a stable URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits named integration events for downstream consumers. The
// destination is fixed when the publisher is built.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Queue hands capture tasks from the API and scheduler to the poll manager.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Close()
}

// Hasher fingerprints payload bytes for content addressing in the archive.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time so capture timestamps are testable.
type Clock interface {
	Now() time.Time
}
