package domain

import (
	"time"

	"github.com/google/uuid"
)

type BlobKind string

const (
	BlobKindRawEML     BlobKind = "raw_eml"
	BlobKindAttachment BlobKind = "attachment"
)

type Blob struct {
	ID          uuid.UUID
	Tenant      uuid.UUID
	Kind        BlobKind
	SHA256      string
	SizeBytes   int64
	StorageKey  string
	ContentType *string
	CreatedAt   time.Time
}
