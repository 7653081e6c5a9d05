package repository

import (
	"context"
	"io"
	"time"
)

// NetworkHint selects which presigned-URL signer client to use.
type NetworkHint string

const (
	NetworkAuto   NetworkHint = "auto"
	NetworkLocal  NetworkHint = "local"
	NetworkRemote NetworkHint = "remote"
)

// ObjectStorage is the exclusive interface to the external S3-compatible
// backend. All byte movement in either direction passes through it.
type ObjectStorage interface {
	// EnsureBucket idempotently creates the configured bucket if absent.
	EnsureBucket(ctx context.Context) error

	// Put stores an object with an a priori known size. The reader is
	// consumed exactly once, sequentially. On success the object is
	// durably visible to subsequent Stat/Get; on failure no partial
	// object remains observable under key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Stat returns object metadata, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Get returns a bounded-chunk lazy byte sequence for the whole
	// object. The underlying connection is released on exhaustion or
	// caller-signalled cancellation.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange returns a bounded-chunk lazy byte sequence for a single
	// contiguous range starting at offset. length == 0 means "until end".
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Delete removes an object. Idempotent: a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PresignPut mints a presigned PUT URL, signed against the client
	// selected by hint.
	PresignPut(ctx context.Context, key string, ttl time.Duration, hint NetworkHint) (string, error)

	// PresignGet mints a presigned GET URL, signed against the client
	// selected by hint. responseDisposition and responseContentType are
	// optional override headers baked into the signature.
	PresignGet(ctx context.Context, key string, ttl time.Duration, hint NetworkHint, responseDisposition, responseContentType string) (string, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}
