package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobType is the set of job handlers, dispatched through the
// per-type handler map of internal/jobqueue's Dispatcher rather than
// virtual methods.
type JobType string

const (
	JobMailboxBackfill     JobType = "mailbox_backfill"
	JobMailboxHistorySync  JobType = "mailbox_history_sync"
	JobOccurrenceFetchRaw  JobType = "occurrence_fetch_raw"
	JobOccurrenceParse     JobType = "occurrence_parse"
	JobOccurrenceStitch    JobType = "occurrence_stitch"
	JobTicketApplyRouting  JobType = "ticket_apply_routing"
	JobOutboundSend        JobType = "outbound_send"
)

const DefaultMaxAttempts = 25

type BgJob struct {
	ID          uuid.UUID
	Tenant      *uuid.UUID
	Mailbox     *uuid.UUID
	Type        JobType
	Status      JobStatus
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	DedupeKey   *string
	Payload     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
