package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ossmail/ingestor/internal/domain"
)

type MailboxRepo struct {
	pool *pgxpool.Pool
}

func NewMailboxRepo(pool *pgxpool.Pool) *MailboxRepo {
	return &MailboxRepo{pool: pool}
}

func scanMailbox(row pgx.Row) (*domain.Mailbox, error) {
	var m domain.Mailbox
	var purpose string
	if err := row.Scan(
		&m.ID, &m.Tenant, &m.Provider, &purpose, &m.EmailAddress, &m.OAuthCredentialID,
		&m.IsEnabled, &m.IngestionPausedUntil, &m.IngestionPauseReason, &m.GmailHistoryID,
		&m.LastFullSyncAt, &m.LastIncrementalSyncAt, &m.LastSyncError, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Purpose = domain.MailboxPurpose(purpose)
	return &m, nil
}

const mailboxCols = `id, tenant, provider, purpose, email_address, oauth_credential_id,
	is_enabled, ingestion_paused_until, ingestion_pause_reason, gmail_history_id,
	last_full_sync_at, last_incremental_sync_at, last_sync_error, created_at, updated_at`

func (r *MailboxRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Mailbox, error) {
	row := tx.QueryRow(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMailbox(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get mailbox for update: %w", err)
	}
	return m, nil
}

func (r *MailboxRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Mailbox, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE id = $1`, id)
	m, err := scanMailbox(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get mailbox: %w", err)
	}
	return m, nil
}

// Pause applies the sync circuit breaker: it sets the mailbox's
// ingestion pause to until, with the given reason.
func (r *MailboxRepo) Pause(ctx context.Context, tx pgx.Tx, id uuid.UUID, until time.Time, reason string) error {
	_, err := tx.Exec(ctx, `UPDATE mailboxes SET ingestion_paused_until = $2, ingestion_pause_reason = $3, updated_at = now() WHERE id = $1`, id, until, reason)
	if err != nil {
		return fmt.Errorf("postgres: pause mailbox: %w", err)
	}
	return nil
}

func (r *MailboxRepo) UpdateBackfillCompletion(ctx context.Context, tx pgx.Tx, id uuid.UUID, historyID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE mailboxes SET last_full_sync_at = now(),
			gmail_history_id = GREATEST(COALESCE(gmail_history_id, '0')::bigint, $2::bigint)::text,
			last_sync_error = NULL, updated_at = now()
		WHERE id = $1
	`, id, historyID)
	if err != nil {
		return fmt.Errorf("postgres: update backfill completion: %w", err)
	}
	return nil
}

func (r *MailboxRepo) UpdateHistorySyncCompletion(ctx context.Context, tx pgx.Tx, id uuid.UUID, historyID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE mailboxes SET last_incremental_sync_at = now(),
			gmail_history_id = GREATEST(COALESCE(gmail_history_id, '0')::bigint, $2::bigint)::text,
			updated_at = now()
		WHERE id = $1
	`, id, historyID)
	if err != nil {
		return fmt.Errorf("postgres: update history sync completion: %w", err)
	}
	return nil
}

func (r *MailboxRepo) SetSyncError(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error {
	_, err := tx.Exec(ctx, `UPDATE mailboxes SET last_sync_error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: set sync error: %w", err)
	}
	return nil
}
