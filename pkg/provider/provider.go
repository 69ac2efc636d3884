// Package provider defines the object store used to mirror run-directory
// sentinels off the compute node.
//
// A mirror lets pollers that cannot see the shared filesystem read a
// realization's STATUS, OK and EXIT files. Authentication uses SDK default
// credential chains; providers do not implement custom auth logic.
package provider

import (
	"context"
	"time"
)

// Store is a small key/value object store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put creates or overwrites the object at key.
	Put(ctx context.Context, key string, body []byte) error

	// Get returns the object body. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectSummary, error)

	// Close releases any resources held by the store.
	Close() error
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local or shared directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
