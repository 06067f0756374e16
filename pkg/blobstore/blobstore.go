// Package blobstore implements the BlobStore gateway: upload/download of
// image bytes and time-bounded signed read URLs. Paths are hierarchical,
// write-once keys under an environment-scoped bucket; the Worker never
// overwrites a path once chosen.
package blobstore

import (
	"context"
	"time"
)

// Gateway is the capability interface consumed by the Worker, the API
// layer's signed-URL resolution, and the Reaper's best-effort cleanup.
// Production code is backed by S3Gateway; tests use FakeGateway.
type Gateway interface {
	// Put uploads data to path with the given content type. Paths are
	// write-once: callers pick a fresh UUID-based key per upload.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get downloads the bytes stored at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// SignedURL returns a caller-usable URL for path, valid for at least
	// the configured TTL (24h minimum per the display-URL contract).
	// Implementations that fail to sign should return an error so the
	// caller can fall back to the raw path rather than fail the request.
	SignedURL(path string) (string, error)

	// Delete removes the object at path. Used by the Reaper's retention
	// sweep; failures are logged and otherwise ignored (best-effort).
	Delete(ctx context.Context, path string) error
}

// DefaultSignedURLTTL is used when a deployment does not override
// BLOB_SIGNED_URL_TTL.
const DefaultSignedURLTTL = 48 * time.Hour
