// Package storage provides a minimal object store abstraction over S3,
// MinIO, Google Cloud Storage and afero file systems.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidKey indicates a bucket or key that does not name a path below
// its bucket, such as one with ".." elements.
var ErrInvalidKey = errors.New("storage: invalid object key")

// Storage defines the object operations used by the blob adapters.
type Storage interface {
	io.Closer

	// Put stores data under key.
	Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
	// Get returns the contents of key, ErrNotFound when it is missing.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// List returns the keys below prefix that sort after the key after, in
	// lexical order. An empty after lists from the start.
	List(ctx context.Context, bucket, prefix, after string, limit int) ([]string, error)
}

// PutOptions configures upload behavior.
type PutOptions struct {
	// ContentType is the MIME type for the object.
	ContentType string
	// Metadata includes custom key/value metadata.
	Metadata map[string]string
}
