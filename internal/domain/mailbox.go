// Package domain holds the plain entity types backing the ingestion
// and routing schema. Types mirror the database columns described in
// the schema so repositories can scan rows directly into them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MailboxPurpose distinguishes the always-on journal account from a
// per-user mailbox; only journal mailboxes are exercised today.
type MailboxPurpose string

const (
	MailboxPurposeJournal MailboxPurpose = "journal"
	MailboxPurposeUser    MailboxPurpose = "user"
)

type Mailbox struct {
	ID                     uuid.UUID
	Tenant                 uuid.UUID
	Provider               string
	Purpose                MailboxPurpose
	EmailAddress           string
	OAuthCredentialID      uuid.UUID
	IsEnabled              bool
	IngestionPausedUntil   *time.Time
	IngestionPauseReason   *string
	GmailHistoryID         *string
	LastFullSyncAt         *time.Time
	LastIncrementalSyncAt  *time.Time
	LastSyncError          *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Paused reports whether ingestion is currently suppressed for this
// mailbox, either by explicit disable or by an active circuit-breaker
// pause window.
func (m *Mailbox) Paused(now time.Time) bool {
	if !m.IsEnabled {
		return true
	}
	return m.IngestionPausedUntil != nil && m.IngestionPausedUntil.After(now)
}

type OAuthCredential struct {
	ID                    uuid.UUID
	Tenant                uuid.UUID
	Provider              string
	Subject               string
	Scopes                []string
	EncryptedRefreshToken string
	EncryptedAccessToken  *string
	AccessTokenExpiresAt  *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
