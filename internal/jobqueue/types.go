package jobqueue

import "github.com/google/uuid"

// Payload types for each JobType, canonical-JSON encoded at enqueue
// time with sorted keys (see Queue.Enqueue): each struct declares its
// fields in ascending order of their JSON keys.

type MailboxSyncPayload struct {
	MailboxID      uuid.UUID `json:"mailbox_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Reason         string    `json:"reason"`
}

type OccurrenceFetchRawPayload struct {
	OccurrenceID   uuid.UUID `json:"occurrence_id"`
	RawEMLBase64   string    `json:"raw_eml_base64"`
}

type OccurrenceIDPayload struct {
	OccurrenceID uuid.UUID `json:"occurrence_id"`
}

type OutboundSendPayload struct {
	BodyText       string    `json:"body_text"`
	CcEmails       []string  `json:"cc_emails"`
	MessageID      uuid.UUID `json:"message_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SendIdentityID uuid.UUID `json:"send_identity_id"`
	Subject        string    `json:"subject"`
	TicketID       uuid.UUID `json:"ticket_id"`
	ToEmails       []string  `json:"to_emails"`
}
