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

type OccurrenceRepo struct {
	pool *pgxpool.Pool
}

func NewOccurrenceRepo(pool *pgxpool.Pool) *OccurrenceRepo {
	return &OccurrenceRepo{pool: pool}
}

const occurrenceCols = `id, tenant, mailbox, provider_message_id, provider_thread_id, provider_history_id,
	internal_date, label_ids, state, raw_blob_id, raw_fetched_at, raw_fetch_error,
	message_id, parsed_at, parsed_error, ticket_id, stitched_at, stitch_error,
	routed_at, routed_error, recipient, recipient_source, recipient_confidence,
	recipient_evidence, created_at, updated_at`

func scanOccurrence(row pgx.Row) (*domain.MessageOccurrence, error) {
	var o domain.MessageOccurrence
	var state string
	var recipientSource, recipientConfidence *string
	if err := row.Scan(
		&o.ID, &o.Tenant, &o.Mailbox, &o.ProviderMessageID, &o.ProviderThreadID, &o.ProviderHistoryID,
		&o.InternalDate, &o.LabelIDs, &state, &o.RawBlobID, &o.RawFetchedAt, &o.RawFetchError,
		&o.MessageID, &o.ParsedAt, &o.ParsedError, &o.TicketID, &o.StitchedAt, &o.StitchError,
		&o.RoutedAt, &o.RoutedError, &o.Recipient, &recipientSource, &recipientConfidence,
		&o.RecipientEvidence, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.State = domain.OccurrenceState(state)
	if recipientSource != nil {
		s := domain.RecipientSource(*recipientSource)
		o.RecipientSource = &s
	}
	if recipientConfidence != nil {
		c := domain.RecipientConfidence(*recipientConfidence)
		o.RecipientConfidence = &c
	}
	return &o, nil
}

// Upsert inserts or refreshes the mutable mirror fields of an
// occurrence (thread id, history id, internal date, label ids) without
// ever resetting pipeline state.
func (r *OccurrenceRepo) Upsert(ctx context.Context, tx pgx.Tx, tenant, mailbox uuid.UUID, providerMessageID string, providerThreadID, providerHistoryID *string, internalDate *time.Time, labelIDs []string) (uuid.UUID, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO message_occurrences (id, tenant, mailbox, provider_message_id, provider_thread_id, provider_history_id, internal_date, label_ids, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'discovered')
		ON CONFLICT (tenant, mailbox, provider_message_id) DO UPDATE SET
			provider_thread_id = EXCLUDED.provider_thread_id,
			provider_history_id = EXCLUDED.provider_history_id,
			internal_date = EXCLUDED.internal_date,
			label_ids = EXCLUDED.label_ids,
			updated_at = now()
		RETURNING id
	`, uuid.New(), tenant, mailbox, providerMessageID, providerThreadID, providerHistoryID, internalDate, labelIDs)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("postgres: upsert occurrence: %w", err)
	}
	return id, nil
}

func (r *OccurrenceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.MessageOccurrence, error) {
	row := tx.QueryRow(ctx, `SELECT `+occurrenceCols+` FROM message_occurrences WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOccurrence(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get occurrence for update: %w", err)
	}
	return o, nil
}

func (r *OccurrenceRepo) SetRawFetched(ctx context.Context, tx pgx.Tx, id, blobID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE message_occurrences SET raw_blob_id = $2, raw_fetched_at = now(), state = 'raw_fetched', updated_at = now()
		WHERE id = $1
	`, id, blobID)
	if err != nil {
		return fmt.Errorf("postgres: set raw fetched: %w", err)
	}
	return nil
}

func (r *OccurrenceRepo) SetFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, stage, errMsg string) error {
	var col string
	switch stage {
	case "raw_fetch":
		col = "raw_fetch_error"
	case "parse":
		col = "parsed_error"
	case "stitch":
		col = "stitch_error"
	case "route":
		col = "routed_error"
	default:
		return fmt.Errorf("postgres: set failed: unknown stage %q", stage)
	}
	_, err := tx.Exec(ctx, `UPDATE message_occurrences SET state = 'failed', `+col+` = $2, updated_at = now() WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: set failed: %w", err)
	}
	return nil
}

func (r *OccurrenceRepo) SetParsed(ctx context.Context, tx pgx.Tx, id, messageID uuid.UUID, recipient *string, source *domain.RecipientSource, confidence *domain.RecipientConfidence, evidence map[string]any) error {
	var sourceStr, confidenceStr *string
	if source != nil {
		s := string(*source)
		sourceStr = &s
	}
	if confidence != nil {
		c := string(*confidence)
		confidenceStr = &c
	}
	_, err := tx.Exec(ctx, `
		UPDATE message_occurrences SET message_id = $2, parsed_at = now(), state = 'parsed',
			recipient = $3, recipient_source = $4, recipient_confidence = $5, recipient_evidence = $6, updated_at = now()
		WHERE id = $1
	`, id, messageID, recipient, sourceStr, confidenceStr, evidence)
	if err != nil {
		return fmt.Errorf("postgres: set parsed: %w", err)
	}
	return nil
}

func (r *OccurrenceRepo) SetStitched(ctx context.Context, tx pgx.Tx, id, ticketID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE message_occurrences SET ticket_id = $2, stitched_at = now(), state = 'stitched', updated_at = now() WHERE id = $1`, id, ticketID)
	if err != nil {
		return fmt.Errorf("postgres: set stitched: %w", err)
	}
	return nil
}

func (r *OccurrenceRepo) SetRouted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE message_occurrences SET routed_at = now(), state = 'routed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: set routed: %w", err)
	}
	return nil
}
