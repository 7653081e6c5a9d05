package repository

import "errors"

// Error taxonomy. Handlers map these to HTTP status with errors.Is, and
// usecases wrap them with context. The usecase package adds its own kinds
// only for cases outside the catalog and store (usecase.ErrNotVideo,
// usecase.RangeNotSatisfiableError).
var (
	// ErrFileNotFound is returned when a file row cannot be found.
	ErrFileNotFound = errors.New("file not found")

	// ErrDuplicateObjectKey is returned when a file's object_key collides
	// with an existing row. Surfaces as a distinct error class, not a 5xx.
	ErrDuplicateObjectKey = errors.New("object key already registered")

	// ErrJobNotFound is returned when a transcoding job row cannot be found.
	ErrJobNotFound = errors.New("transcoding job not found")

	// ErrJobStateConflict is returned when a TransitionJob CAS fails because
	// the current status is not in the caller's from_states set.
	ErrJobStateConflict = errors.New("job is not in an expected state")

	// ErrObjectNotFound is returned when an object cannot be found in
	// storage.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not
	// exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrRangeNotSatisfiable is returned when a requested byte range starts
	// at or past the object's size.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrInvalidObjectKeyPrefix is returned when a caller presents an
	// object key outside the prefix it's allowed to touch (e.g.
	// /upload/complete requires "uploads/").
	ErrInvalidObjectKeyPrefix = errors.New("object key has an invalid prefix")
)
