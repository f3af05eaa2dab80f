// Package storage persists file bytes behind a small blob interface with two
// backends: an S3-compatible bucket and a local directory. Both guarantee
// that a successful Put means the bytes are durable before any metadata
// record referencing them is written.
package storage

import "errors"

// ErrNotFound reports that a key has no backing bytes. Callers treat this as
// a terminal missing-file condition, not a retryable failure.
var ErrNotFound = errors.New("object not found")
