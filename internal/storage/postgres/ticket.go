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

type TicketRepo struct {
	pool *pgxpool.Pool
}

func NewTicketRepo(pool *pgxpool.Pool) *TicketRepo {
	return &TicketRepo{pool: pool}
}

// Create opens a new ticket for an occurrence that stitching could not
// attach to an existing one.
func (r *TicketRepo) Create(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, ticketCode string, subject *string, requesterEmail *string, reason domain.StitchReason, confidence domain.StitchConfidence, messageAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO tickets (id, tenant, ticket_code, status, priority, subject, requester_email,
			stitch_reason, stitch_confidence, first_message_at, last_message_at, last_activity_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, 'new', 'normal', $4, $5, $6, $7, $8, $8, $8, now(), now())
	`, id, tenant, ticketCode, subject, requesterEmail, string(reason), string(confidence), messageAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: create ticket: %w", err)
	}
	return id, nil
}

// FindByTicketCode resolves the X-OSS-Ticket-Id stitch path: the
// highest-confidence match, since the sender is asserting identity
// directly rather than the system inferring it from threading.
func (r *TicketRepo) FindByTicketCode(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, ticketCode string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM tickets WHERE tenant = $1 AND ticket_code = $2`, tenant, ticketCode).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find ticket by code: %w", err)
	}
	return &id, nil
}

func (r *TicketRepo) Assign(ctx context.Context, tx pgx.Tx, id uuid.UUID, userID, queueID *uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET assignee_user_id = $2, assignee_queue_id = $3, updated_at = now() WHERE id = $1`, id, userID, queueID)
	if err != nil {
		return fmt.Errorf("postgres: assign ticket: %w", err)
	}
	return nil
}

func (r *TicketRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, tenant, ticket_code, status, priority, subject, requester_email,
			assignee_user_id, assignee_queue_id, stitch_reason, stitch_confidence,
			first_message_at, last_message_at, last_activity_at, closed_at, created_at, updated_at
		FROM tickets WHERE id = $1 FOR UPDATE
	`, id)
	var t domain.Ticket
	var status, reason, confidence string
	if err := row.Scan(&t.ID, &t.Tenant, &t.TicketCode, &status, &t.Priority, &t.Subject, &t.RequesterEmail,
		&t.AssigneeUserID, &t.AssigneeQueueID, &reason, &confidence,
		&t.FirstMessageAt, &t.LastMessageAt, &t.LastActivityAt, &t.ClosedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: get ticket for update: %w", err)
	}
	t.Status = domain.TicketStatus(status)
	t.StitchReason = domain.StitchReason(reason)
	t.StitchConfidence = domain.StitchConfidence(confidence)
	return &t, nil
}

func (r *TicketRepo) Reopen(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET status = 'open', closed_at = NULL, updated_at = now() WHERE id = $1 AND status = 'closed'`, id)
	if err != nil {
		return fmt.Errorf("postgres: reopen ticket: %w", err)
	}
	return nil
}

// TouchActivity bumps last_message_at/last_activity_at when a new
// message is attached to an already-open ticket.
func (r *TicketRepo) TouchActivity(ctx context.Context, tx pgx.Tx, id uuid.UUID, messageAt time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET last_message_at = $2, last_activity_at = $2, updated_at = now() WHERE id = $1`, id, messageAt)
	if err != nil {
		return fmt.Errorf("postgres: touch ticket activity: %w", err)
	}
	return nil
}

// FindByMessage resolves a message already linked to a ticket via
// ticket_messages. A message links to at most one ticket ever (the
// table's (tenant, message) unique constraint), so a hit here means
// stitching has already run for this message and must not run again.
func (r *TicketRepo) FindByMessage(ctx context.Context, tx pgx.Tx, tenant, message uuid.UUID) (*uuid.UUID, error) {
	var ticket uuid.UUID
	err := tx.QueryRow(ctx, `SELECT ticket FROM ticket_messages WHERE tenant = $1 AND message = $2`, tenant, message).Scan(&ticket)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find ticket by message: %w", err)
	}
	return &ticket, nil
}

// AttachMessage links an occurrence's canonical message to a ticket and
// records the stitch reason/confidence. The conflict target is
// (tenant, message) — the table's one-ticket-per-message constraint —
// not (tenant, ticket, message), since a concurrent stitch of the same
// message onto a second ticket must be silently absorbed here rather
// than raise a unique violation on retry.
func (r *TicketRepo) AttachMessage(ctx context.Context, tx pgx.Tx, tenant, ticket, message uuid.UUID, reason domain.StitchReason, confidence domain.StitchConfidence) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_messages (tenant, ticket, message, stitch_reason, stitch_confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant, message) DO NOTHING
	`, tenant, ticket, message, string(reason), string(confidence))
	if err != nil {
		return fmt.Errorf("postgres: attach ticket message: %w", err)
	}
	return nil
}

// HasOutboundSent reports whether an outbound_sent event already exists
// for this message, keyed by event_data->>'message_id' rather than a
// dedicated column — outbound_send's entire idempotency contract is
// this lookup, since a retried job must never record (or imply) a
// second send of the same message.
func (r *TicketRepo) HasOutboundSent(ctx context.Context, tx pgx.Tx, tenant, ticket, message uuid.UUID) (bool, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM ticket_events
		WHERE tenant = $1 AND ticket = $2 AND event_type = 'outbound_sent'
		  AND event_data ->> 'message_id' = $3
		LIMIT 1
	`, tenant, ticket, message.String()).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: has outbound sent: %w", err)
	}
	return true, nil
}

func (r *TicketRepo) RecordEvent(ctx context.Context, tx pgx.Tx, tenant, ticket uuid.UUID, eventType string, eventData map[string]any) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (id, tenant, ticket, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), tenant, ticket, eventType, eventData)
	if err != nil {
		return fmt.Errorf("postgres: record ticket event: %w", err)
	}
	return nil
}

func (r *TicketRepo) AddNote(ctx context.Context, tx pgx.Tx, tenant, ticket uuid.UUID, authorID *uuid.UUID, body string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_notes (id, tenant, ticket, body, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), tenant, ticket, body, authorID)
	if err != nil {
		return fmt.Errorf("postgres: add ticket note: %w", err)
	}
	return nil
}

func (r *TicketRepo) SetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.TicketStatus) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set ticket status: %w", err)
	}
	return nil
}

func (r *TicketRepo) Close(ctx context.Context, tx pgx.Tx, id uuid.UUID, when time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET status = 'closed', closed_at = $2, updated_at = now() WHERE id = $1`, id, when)
	if err != nil {
		return fmt.Errorf("postgres: close ticket: %w", err)
	}
	return nil
}
