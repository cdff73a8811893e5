// Canonical message layer: three lookup tables map identifiers to one
// canonical messages row, and collision groups are assigned atomically
// with the insert that creates a new message.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ossmail/ingestor/internal/domain"
)

type CanonicalRepo struct{}

func NewCanonicalRepo() *CanonicalRepo { return &CanonicalRepo{} }

const fingerprintVersion = 1

// UpsertCanonical resolves message identity via a three-step
// precedence: oss_message_id match, then fingerprint+signature match,
// else insert a new canonical row and all three lookup rows.
func (r *CanonicalRepo) UpsertCanonical(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, direction domain.MessageDirection, ossMessageID *uuid.UUID, rfcMessageID *string, fingerprintV1, signatureV1 string) (uuid.UUID, error) {
	if ossMessageID != nil {
		var existing uuid.UUID
		err := tx.QueryRow(ctx, `SELECT message_id FROM message_oss_ids WHERE tenant = $1 AND oss_message_id = $2`, tenant, *ossMessageID).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != pgx.ErrNoRows {
			return uuid.Nil, fmt.Errorf("postgres: lookup oss id: %w", err)
		}
	}

	var existing uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT message_id FROM message_fingerprints
		WHERE tenant = $1 AND fingerprint_version = $2 AND fingerprint = $3 AND signature_v1 = $4
	`, tenant, fingerprintVersion, fingerprintV1, signatureV1).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("postgres: lookup fingerprint: %w", err)
	}

	messageID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, tenant, direction, oss_message_id, rfc_message_id, fingerprint_v1, signature_v1, first_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, messageID, tenant, string(direction), ossMessageID, rfcMessageID, fingerprintV1, signatureV1)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: insert message: %w", err)
	}

	if ossMessageID != nil {
		_, err = tx.Exec(ctx, `INSERT INTO message_oss_ids (tenant, oss_message_id, message_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, tenant, *ossMessageID, messageID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("postgres: insert oss id: %w", err)
		}
	}
	if rfcMessageID != nil {
		_, err = tx.Exec(ctx, `INSERT INTO message_rfc_ids (tenant, rfc_message_id, signature_v1, message_id) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, tenant, *rfcMessageID, signatureV1, messageID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("postgres: insert rfc id: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `INSERT INTO message_fingerprints (tenant, fingerprint_version, fingerprint, signature_v1, message_id) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`, tenant, fingerprintVersion, fingerprintV1, signatureV1, messageID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: insert fingerprint: %w", err)
	}

	if err := r.assignCollisionGroup(ctx, tx, tenant, fingerprintV1, messageID); err != nil {
		return uuid.Nil, err
	}

	return messageID, nil
}

// assignCollisionGroup implements §4.5's collision invariant: after a
// new message is inserted, find every other message sharing
// (tenant, fingerprint_version, fingerprint) with a different
// signature; if any carries a collision_group_id already, reuse it,
// else allocate a new one, and stamp it on every member lacking it
// (including the row just inserted).
func (r *CanonicalRepo) assignCollisionGroup(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, fingerprintV1 string, newMessageID uuid.UUID) error {
	rows, err := tx.Query(ctx, `
		SELECT id, signature_v1, collision_group_id FROM messages
		WHERE tenant = $1 AND fingerprint_v1 = $2
	`, tenant, fingerprintV1)
	if err != nil {
		return fmt.Errorf("postgres: collision group: query siblings: %w", err)
	}

	type sibling struct {
		id               uuid.UUID
		signature        string
		collisionGroupID *uuid.UUID
	}
	var siblings []sibling
	for rows.Next() {
		var s sibling
		if err := rows.Scan(&s.id, &s.signature, &s.collisionGroupID); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: collision group: scan: %w", err)
		}
		siblings = append(siblings, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: collision group: rows: %w", err)
	}

	var newSignature string
	var distinctSignature bool
	for _, s := range siblings {
		if s.id == newMessageID {
			newSignature = s.signature
		}
	}
	for _, s := range siblings {
		if s.signature != newSignature {
			distinctSignature = true
			break
		}
	}
	if !distinctSignature {
		return nil
	}

	var groupID uuid.UUID
	for _, s := range siblings {
		if s.collisionGroupID != nil {
			groupID = *s.collisionGroupID
			break
		}
	}
	if groupID == uuid.Nil {
		groupID = uuid.New()
	}

	for _, s := range siblings {
		if s.collisionGroupID == nil {
			if _, err := tx.Exec(ctx, `UPDATE messages SET collision_group_id = $2 WHERE id = $1`, s.id, groupID); err != nil {
				return fmt.Errorf("postgres: collision group: stamp: %w", err)
			}
		}
	}
	return nil
}

// BackfillCollisionGroups is the one-shot migration for the Open
// Question in §9: scan message_fingerprints groups with more than one
// distinct signature and assign/merge collision_group_id across all of
// them. Reuses the live per-insert grouping logic message by message.
func (r *CanonicalRepo) BackfillCollisionGroups(ctx context.Context, tx pgx.Tx) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT tenant, fingerprint_v1 FROM messages
		WHERE tenant IN (
			SELECT tenant FROM messages GROUP BY tenant, fingerprint_v1 HAVING COUNT(DISTINCT signature_v1) > 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("postgres: backfill collisions: query groups: %w", err)
	}

	type key struct {
		tenant      uuid.UUID
		fingerprint string
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.tenant, &k.fingerprint); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: backfill collisions: scan: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	count := 0
	for _, k := range keys {
		var anyID uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT id FROM messages WHERE tenant = $1 AND fingerprint_v1 = $2 LIMIT 1`, k.tenant, k.fingerprint).Scan(&anyID); err != nil {
			continue
		}
		if err := r.assignCollisionGroup(ctx, tx, k.tenant, k.fingerprint, anyID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

type MessageContentRepo struct{}

func NewMessageContentRepo() *MessageContentRepo { return &MessageContentRepo{} }

func (r *MessageContentRepo) InsertNextVersion(ctx context.Context, tx pgx.Tx, c *domain.MessageContent) error {
	var maxVersion int
	err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(content_version), 0) FROM message_contents WHERE tenant = $1 AND message = $2`, c.Tenant, c.Message).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("postgres: message content: max version: %w", err)
	}
	c.ContentVersion = maxVersion + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO message_contents (tenant, message, content_version, parser_version, date_header, subject, subject_norm,
			from_email, from_name, reply_to_emails, to_emails, cc_emails, headers_json, body_text, body_html_sanitized,
			attachment_summary, snippet)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, c.Tenant, c.Message, c.ContentVersion, c.ParserVersion, c.DateHeader, c.Subject, c.SubjectNorm,
		c.FromEmail, c.FromName, c.ReplyToEmails, c.ToEmails, c.CcEmails, c.HeadersJSON, c.BodyText, c.BodyHTMLSanitized,
		c.AttachmentSummary, c.Snippet)
	if err != nil {
		return fmt.Errorf("postgres: insert message content: %w", err)
	}
	return nil
}

// GetLatest loads the highest-content_version row for a message, used
// by the stitch handler to read headers the parse handler already
// extracted without reparsing the raw blob.
func (r *MessageContentRepo) GetLatest(ctx context.Context, tx pgx.Tx, tenant, message uuid.UUID) (*domain.MessageContent, error) {
	row := tx.QueryRow(ctx, `
		SELECT tenant, message, content_version, parser_version, date_header, subject, subject_norm,
			from_email, from_name, reply_to_emails, to_emails, cc_emails, headers_json, body_text, body_html_sanitized,
			attachment_summary, snippet
		FROM message_contents
		WHERE tenant = $1 AND message = $2
		ORDER BY content_version DESC
		LIMIT 1
	`, tenant, message)

	var c domain.MessageContent
	if err := row.Scan(&c.Tenant, &c.Message, &c.ContentVersion, &c.ParserVersion, &c.DateHeader, &c.Subject, &c.SubjectNorm,
		&c.FromEmail, &c.FromName, &c.ReplyToEmails, &c.ToEmails, &c.CcEmails, &c.HeadersJSON, &c.BodyText, &c.BodyHTMLSanitized,
		&c.AttachmentSummary, &c.Snippet); err != nil {
		return nil, fmt.Errorf("postgres: get latest message content: %w", err)
	}
	return &c, nil
}

type AttachmentRepo struct{}

func NewAttachmentRepo() *AttachmentRepo { return &AttachmentRepo{} }

func (r *AttachmentRepo) Insert(ctx context.Context, tx pgx.Tx, a *domain.MessageAttachment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO message_attachments (tenant, message, blob, filename, content_type, size_bytes, sha256, is_inline, content_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant, message, blob) DO NOTHING
	`, a.Tenant, a.Message, a.Blob, a.Filename, a.ContentType, a.SizeBytes, a.SHA256, a.IsInline, a.ContentID)
	if err != nil {
		return fmt.Errorf("postgres: insert attachment: %w", err)
	}
	return nil
}

type ThreadRefRepo struct{}

func NewThreadRefRepo() *ThreadRefRepo { return &ThreadRefRepo{} }

func (r *ThreadRefRepo) Insert(ctx context.Context, tx pgx.Tx, t *domain.MessageThreadRef) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO message_thread_refs (tenant, message, ref_type, ref_rfc_message_id)
		VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING
	`, t.Tenant, t.Message, string(t.RefType), t.RefRFCMessageID)
	if err != nil {
		return fmt.Errorf("postgres: insert thread ref: %w", err)
	}
	return nil
}

// FindTicketByThreadRefs implements §4.10 stitch step 3: prefer
// in_reply_to rows, then references, first hit wins.
func (r *ThreadRefRepo) FindTicketByThreadRefs(ctx context.Context, tx pgx.Tx, tenant, message uuid.UUID) (*uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		SELECT ref_type, ref_rfc_message_id FROM message_thread_refs
		WHERE tenant = $1 AND message = $2
		ORDER BY CASE ref_type WHEN 'in_reply_to' THEN 0 ELSE 1 END
	`, tenant, message)
	if err != nil {
		return nil, fmt.Errorf("postgres: find ticket by thread refs: query: %w", err)
	}
	defer rows.Close()

	type ref struct {
		refType string
		rfcID   string
	}
	var refs []ref
	for rows.Next() {
		var rr ref
		if err := rows.Scan(&rr.refType, &rr.rfcID); err != nil {
			return nil, fmt.Errorf("postgres: find ticket by thread refs: scan: %w", err)
		}
		refs = append(refs, rr)
	}

	for _, rr := range refs {
		var refMessageID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT message_id FROM message_rfc_ids WHERE tenant = $1 AND rfc_message_id = $2 LIMIT 1`, tenant, rr.rfcID).Scan(&refMessageID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: find ticket by thread refs: lookup rfc id: %w", err)
		}

		var ticketID uuid.UUID
		err = tx.QueryRow(ctx, `SELECT ticket FROM ticket_messages WHERE tenant = $1 AND message = $2 LIMIT 1`, tenant, refMessageID).Scan(&ticketID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: find ticket by thread refs: lookup ticket: %w", err)
		}
		return &ticketID, nil
	}
	return nil, nil
}
