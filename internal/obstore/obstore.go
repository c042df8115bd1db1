// Package obstore wraps the object store behind a small typed interface.
//
// All coordination in serieslake happens through this package: conditional
// puts against an object's etag are the only concurrency primitive the
// publication protocol needs. Implementations must keep three guarantees:
// absence is reported as ErrNotFound and never as a transport error, a
// conditional put either succeeds or fails with ErrPreconditionFailed
// without touching the object, and List returns every key under the prefix
// regardless of backend pagination.
package obstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports that the requested key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed reports that a conditional put lost against a
	// concurrent writer. Callers treat it as a signal, not a failure.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// StorageError wraps a backend failure that survived retries.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("obstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ObjectInfo describes an object without its body.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

type putConfig struct {
	ifMatch     string
	ifNoneMatch bool
	contentType string
}

// PutOption configures a Put call.
type PutOption func(*putConfig)

// WithIfMatch makes the put conditional on the object's current etag.
func WithIfMatch(etag string) PutOption {
	return func(c *putConfig) { c.ifMatch = etag }
}

// WithIfNoneMatch makes the put succeed only if the key does not exist yet.
func WithIfNoneMatch() PutOption {
	return func(c *putConfig) { c.ifNoneMatch = true }
}

// WithContentType sets the stored content type.
func WithContentType(ct string) PutOption {
	return func(c *putConfig) { c.contentType = ct }
}

// Store is the object store surface the rest of the engine consumes.
type Store interface {
	// Get returns the object body, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetWithETag returns the body plus the etag it was read at.
	GetWithETag(ctx context.Context, key string) ([]byte, string, error)

	// Put writes the body and returns the new etag. With WithIfMatch or
	// WithIfNoneMatch it returns ErrPreconditionFailed when the condition
	// does not hold.
	Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error)

	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Copy duplicates src to dst server-side.
	Copy(ctx context.Context, src, dst string) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
