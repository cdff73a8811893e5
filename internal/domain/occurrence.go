package domain

import (
	"time"

	"github.com/google/uuid"
)

// OccurrenceState is the pipeline state gate, strictly linear per
// occurrence: discovered -> raw_fetched -> parsed -> stitched -> routed,
// with a terminal failed state reachable from any stage.
type OccurrenceState string

const (
	OccurrenceDiscovered OccurrenceState = "discovered"
	OccurrenceRawFetched OccurrenceState = "raw_fetched"
	OccurrenceParsed     OccurrenceState = "parsed"
	OccurrenceStitched   OccurrenceState = "stitched"
	OccurrenceRouted     OccurrenceState = "routed"
	OccurrenceFailed     OccurrenceState = "failed"
)

// RecipientSource is the header that won recipient resolution.
type RecipientSource string

const (
	RecipientSourceWorkspaceHeader RecipientSource = "workspace_header"
	RecipientSourceDeliveredTo     RecipientSource = "delivered_to"
	RecipientSourceXOriginalTo     RecipientSource = "x_original_to"
	RecipientSourceToCCScan        RecipientSource = "to_cc_scan"
	RecipientSourceUnknown         RecipientSource = "unknown"
)

type RecipientConfidence string

const (
	ConfidenceHigh   RecipientConfidence = "high"
	ConfidenceMedium RecipientConfidence = "medium"
	ConfidenceLow    RecipientConfidence = "low"
)

type MessageOccurrence struct {
	ID                uuid.UUID
	Tenant            uuid.UUID
	Mailbox           uuid.UUID
	ProviderMessageID string
	ProviderThreadID  *string
	ProviderHistoryID *string
	InternalDate      *time.Time
	LabelIDs          []string
	State             OccurrenceState

	RawBlobID    *uuid.UUID
	RawFetchedAt *time.Time
	RawFetchError *string

	MessageID   *uuid.UUID
	ParsedAt    *time.Time
	ParsedError *string

	TicketID    *uuid.UUID
	StitchedAt  *time.Time
	StitchError *string

	RoutedAt    *time.Time
	RoutedError *string

	Recipient               *string
	RecipientSource         *RecipientSource
	RecipientConfidence     *RecipientConfidence
	RecipientEvidence       map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReachedOrPast reports whether the occurrence's state is at or beyond
// a handler's target state, making the handler's gate check a no-op.
func (o *MessageOccurrence) ReachedOrPast(target OccurrenceState) bool {
	order := map[OccurrenceState]int{
		OccurrenceDiscovered: 0,
		OccurrenceRawFetched: 1,
		OccurrenceParsed:     2,
		OccurrenceStitched:   3,
		OccurrenceRouted:     4,
		OccurrenceFailed:     5,
	}
	return order[o.State] >= order[target]
}
