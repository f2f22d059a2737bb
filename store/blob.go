package store

import (
	"context"
	"io"
)

// BlobStore holds raw message content. Implementations can support S3, GCS,
// memory, local caches, etc.
type BlobStore interface {
	// Upload stores content and returns a URI for later retrieval.
	Upload(ctx context.Context, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the content.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the content from storage.
	Delete(ctx context.Context, uri string) error
}
