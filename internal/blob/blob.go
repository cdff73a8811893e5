// Package blob provides the content-addressed object store consumed
// by the occurrence pipeline: put/get by key, optional signed URL.
// The store never inspects content; callers derive keys from
// tenant + SHA-256 per the layout fixed in the schema.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the interface both backends satisfy. signed_url returns
// ("", nil) — no error, no URL — when the backend does not support
// presigning (filesystem): the caller must stream directly.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration, filename, contentType string) (string, error)
}

type PutResult struct {
	Key       string
	SizeBytes int64
}

// ErrUnavailable wraps backend errors (network, permissions, missing
// key) into the single BlobUnavailable condition callers handle.
type ErrUnavailable struct {
	Key string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("blob unavailable: key=%s: %v", e.Key, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RawEMLKey returns the storage key for a raw email blob.
func RawEMLKey(tenant uuid.UUID, shaHex string) string {
	return fmt.Sprintf("%s/raw_eml/%s.eml", tenant.String(), shaHex)
}

// AttachmentKey returns the storage key for an attachment blob.
func AttachmentKey(tenant uuid.UUID, shaHex string) string {
	return fmt.Sprintf("%s/attachments/%s", tenant.String(), shaHex)
}
