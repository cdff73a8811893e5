package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketStatusNew      TicketStatus = "new"
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusPending  TicketStatus = "pending"
	TicketStatusResolved TicketStatus = "resolved"
	TicketStatusClosed   TicketStatus = "closed"
	TicketStatusSpam     TicketStatus = "spam"
)

type StitchReason string

const (
	StitchReasonXOSSTicketID StitchReason = "x_oss_ticket_id"
	StitchReasonReplyToToken StitchReason = "reply_to_token"
	StitchReasonThreading    StitchReason = "threading"
	StitchReasonNewMessage   StitchReason = "new_message"
)

type StitchConfidence string

const (
	StitchConfidenceHigh   StitchConfidence = "high"
	StitchConfidenceMedium StitchConfidence = "medium"
	StitchConfidenceLow    StitchConfidence = "low"
)

type Ticket struct {
	ID               uuid.UUID
	Tenant           uuid.UUID
	TicketCode       string
	Status           TicketStatus
	Priority         string
	Subject          *string
	RequesterEmail   *string
	AssigneeUserID   *uuid.UUID
	AssigneeQueueID  *uuid.UUID
	StitchReason     StitchReason
	StitchConfidence StitchConfidence
	FirstMessageAt   *time.Time
	LastMessageAt    *time.Time
	LastActivityAt   *time.Time
	ClosedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TicketMessage struct {
	Tenant           uuid.UUID
	Ticket           uuid.UUID
	Message          uuid.UUID
	StitchReason     StitchReason
	StitchConfidence StitchConfidence
	CreatedAt        time.Time
}

type TicketEvent struct {
	ID        uuid.UUID
	Tenant    uuid.UUID
	Ticket    uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

type TicketNote struct {
	ID        uuid.UUID
	Tenant    uuid.UUID
	Ticket    uuid.UUID
	Body      string
	AuthorID  *uuid.UUID
	CreatedAt time.Time
}

// AllowlistRule is recipient_allowlist: an enabled glob pattern that
// gates whether a ticket is eligible for routing rules at all.
type AllowlistRule struct {
	ID      uuid.UUID
	Tenant  uuid.UUID
	Pattern string
	Enabled bool
}

// RoutingRule is evaluated in (Priority ASC, ID ASC) order; the first
// rule whose non-empty predicates all match wins.
type RoutingRule struct {
	ID        uuid.UUID
	Tenant    uuid.UUID
	Enabled   bool
	Priority  int
	Recipient     *string
	SenderDomain  *string
	SenderEmail   *string
	Direction     *MessageDirection

	ActionAssignUserID  *uuid.UUID
	ActionAssignQueueID *uuid.UUID
	ActionSetStatus     *TicketStatus
	ActionAutoClose     bool
	ActionDrop          bool
}
