package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is the canonical, deduplicated representation of an email's
// content: one row per unique (tenant, fingerprint, signature) class.
type Message struct {
	ID               uuid.UUID
	Tenant           uuid.UUID
	Direction        MessageDirection
	OSSMessageID     *uuid.UUID
	RFCMessageID     *string
	FingerprintV1    string
	SignatureV1      string
	CollisionGroupID *uuid.UUID
	FirstSeenAt      time.Time
}

type MessageContent struct {
	Tenant             uuid.UUID
	Message            uuid.UUID
	ContentVersion     int
	ParserVersion      int
	DateHeader         *time.Time
	Subject            *string
	SubjectNorm        *string
	FromEmail          *string
	FromName           *string
	ReplyToEmails      []string
	ToEmails           []string
	CcEmails           []string
	HeadersJSON        map[string][]string
	BodyText           *string
	BodyHTMLSanitized  *string
	AttachmentSummary  []AttachmentSummary
	Snippet            *string
}

type AttachmentSummary struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type MessageAttachment struct {
	Tenant      uuid.UUID
	Message     uuid.UUID
	Blob        uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	IsInline    bool
	ContentID   *string
}

type ThreadRefType string

const (
	ThreadRefInReplyTo ThreadRefType = "in_reply_to"
	ThreadRefReference ThreadRefType = "references"
)

type MessageThreadRef struct {
	Tenant          uuid.UUID
	Message         uuid.UUID
	RefType         ThreadRefType
	RefRFCMessageID string
}
