// Package pipeline implements the five occurrence/ticket job handlers
// that turn a discovered Gmail message into a routed ticket: fetch the
// raw bytes, parse and canonicalize them, stitch to a ticket, apply
// routing, and (for replies) send outbound. Each handler is gated on
// the occurrence's current state so a re-delivered job is a no-op.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/ossmail/ingestor/internal/blob"
	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/internal/fingerprint"
	"github.com/ossmail/ingestor/internal/jobqueue"
	"github.com/ossmail/ingestor/internal/oauthcache"
	"github.com/ossmail/ingestor/internal/parser"
	"github.com/ossmail/ingestor/internal/provider/gmail"
	"github.com/ossmail/ingestor/internal/recipient"
	"github.com/ossmail/ingestor/internal/routing"
	"github.com/ossmail/ingestor/internal/storage/postgres"
	"github.com/ossmail/ingestor/pkg/apperr"
)

type Pipeline struct {
	Occurrences *postgres.OccurrenceRepo
	Mailboxes   *postgres.MailboxRepo
	Blobs       *postgres.BlobRepo
	Canonical   *postgres.CanonicalRepo
	Contents    *postgres.MessageContentRepo
	Attachments *postgres.AttachmentRepo
	ThreadRefs  *postgres.ThreadRefRepo
	Tickets     *postgres.TicketRepo
	Allowlist   *postgres.AllowlistRepo
	RoutingRules *postgres.RoutingRuleRepo
	Store       blob.Store
	Tokens      *oauthcache.Cache
	Jobs        *jobqueue.Queue
	GmailCfg    gmail.Config
}

// Register wires every handler into the dispatcher under its job
// type.
func (p *Pipeline) Register(d *jobqueue.Dispatcher) {
	d.Register(domain.JobOccurrenceFetchRaw, p.FetchRaw)
	d.Register(domain.JobOccurrenceParse, p.Parse)
	d.Register(domain.JobOccurrenceStitch, p.Stitch)
	d.Register(domain.JobTicketApplyRouting, p.ApplyRouting)
	d.Register(domain.JobOutboundSend, p.OutboundSend)
}

func (p *Pipeline) dialGmail(ctx context.Context, mb *domain.Mailbox) (*gmail.Client, *gmailv1.Service, error) {
	token, err := p.Tokens.LiveAccessToken(ctx, mb.Tenant, mb.Provider, mb.EmailAddress, mb.OAuthCredentialID)
	if err != nil {
		return nil, nil, err
	}
	client, svc, err := gmail.NewClient(ctx, p.GmailCfg, &oauth2.Token{AccessToken: token})
	if err != nil {
		return nil, nil, apperr.RetryableWrap(apperr.CodeGmailAPI, "dial gmail client", err)
	}
	return client, svc, nil
}

// FetchRaw downloads a message's raw RFC 822 bytes and stores them
// content-addressed, then enqueues parsing.
func (p *Pipeline) FetchRaw(ctx context.Context, tx pgx.Tx, raw json.RawMessage) error {
	payload, err := jobqueue.ParsePayload[jobqueue.OccurrenceIDPayload](raw)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse fetch_raw payload", err)
	}

	occ, err := p.Occurrences.GetForUpdate(ctx, tx, payload.OccurrenceID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load occurrence", err)
	}
	if occ.ReachedOrPast(domain.OccurrenceRawFetched) {
		return nil
	}

	mb, err := p.Mailboxes.GetForUpdate(ctx, tx, occ.Mailbox)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load mailbox", err)
	}

	client, svc, err := p.dialGmail(ctx, mb)
	if err != nil {
		_ = p.Occurrences.SetFailed(ctx, tx, occ.ID, "raw_fetch", err.Error())
		return err
	}

	raw822, err := client.GetRawMessage(ctx, svc, occ.ProviderMessageID)
	if err != nil {
		_ = p.Occurrences.SetFailed(ctx, tx, occ.ID, "raw_fetch", err.Error())
		return err
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw822.RawBase64URL)
	if err != nil {
		data, err = base64.StdEncoding.DecodeString(raw822.RawBase64URL)
		if err != nil {
			return apperr.PermanentWrap(apperr.CodePermanentJob, "decode raw message", err)
		}
	}

	sha := blob.SHA256Hex(data)
	key := blob.RawEMLKey(mb.Tenant, sha)
	putResult, err := p.Store.Put(ctx, key, data, "message/rfc822")
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeBlobUnavailable, "store raw eml", err)
	}

	blobID, err := p.Blobs.Upsert(ctx, tx, mb.Tenant, domain.BlobKindRawEML, sha, putResult.Key, putResult.SizeBytes, nil)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "upsert raw blob", err)
	}

	if err := p.Occurrences.SetRawFetched(ctx, tx, occ.ID, blobID); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "set raw fetched", err)
	}

	dedupe := fmt.Sprintf("parse:%s", occ.ID)
	if _, _, err := p.Jobs.EnqueueTx(ctx, tx, domain.JobOccurrenceParse, &occ.Tenant, &occ.Mailbox,
		jobqueue.OccurrenceIDPayload{OccurrenceID: occ.ID}, &dedupe, time.Now()); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue parse", err)
	}
	return nil
}

// Parse decodes the stored raw bytes, computes the fingerprint and
// signature, resolves or creates the canonical message, persists
// content/attachments/thread refs, and enqueues stitching.
func (p *Pipeline) Parse(ctx context.Context, tx pgx.Tx, raw json.RawMessage) error {
	payload, err := jobqueue.ParsePayload[jobqueue.OccurrenceIDPayload](raw)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse parse payload", err)
	}

	occ, err := p.Occurrences.GetForUpdate(ctx, tx, payload.OccurrenceID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load occurrence", err)
	}
	if occ.ReachedOrPast(domain.OccurrenceParsed) {
		return nil
	}
	if occ.RawBlobID == nil {
		return apperr.Permanent(apperr.CodePermanentJob, "occurrence has no raw blob")
	}

	blobRow, err := p.Blobs.Get(ctx, tx, *occ.RawBlobID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load raw blob row", err)
	}
	rawBytes, err := p.Store.Get(ctx, blobRow.StorageKey)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeBlobUnavailable, "load raw eml", err)
	}

	parsed, err := parser.Parse(rawBytes)
	if err != nil {
		_ = p.Occurrences.SetFailed(ctx, tx, occ.ID, "parse", err.Error())
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse raw email", err)
	}

	fingerprintV1, signatureV1, err := fingerprint.Compute(parsed)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "compute fingerprint", err)
	}

	direction := domain.DirectionInbound
	messageID, err := p.Canonical.UpsertCanonical(ctx, tx, occ.Tenant, direction, nil, parsed.RFCMessageID, fingerprintV1, signatureV1)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "upsert canonical message", err)
	}

	var summaries []domain.AttachmentSummary
	for _, a := range parsed.Attachments {
		summaries = append(summaries, domain.AttachmentSummary{Filename: a.Filename, ContentType: a.ContentType, SizeBytes: int64(len(a.Payload))})
	}

	var snippet *string
	if parsed.BodyText != nil {
		s := *parsed.BodyText
		if len(s) > 200 {
			s = s[:200]
		}
		snippet = &s
	}

	content := &domain.MessageContent{
		Tenant: occ.Tenant, Message: messageID, ParserVersion: 1,
		DateHeader: parsed.Date, Subject: parsed.Subject, SubjectNorm: parsed.SubjectNorm,
		FromEmail: parsed.FromEmail, FromName: parsed.FromName,
		ReplyToEmails: parsed.ReplyToEmails, ToEmails: parsed.ToEmails, CcEmails: parsed.CcEmails,
		HeadersJSON: parsed.HeadersJSON, BodyText: parsed.BodyText, BodyHTMLSanitized: parsed.BodyHTMLSanitized,
		AttachmentSummary: summaries, Snippet: snippet,
	}
	if err := p.Contents.InsertNextVersion(ctx, tx, content); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "insert message content", err)
	}

	attachmentSHAs := fingerprint.AttachmentSHAs(parsed)
	for i, a := range parsed.Attachments {
		key := blob.AttachmentKey(occ.Tenant, attachmentSHAs[i])
		putResult, err := p.Store.Put(ctx, key, a.Payload, a.ContentType)
		if err != nil {
			return apperr.RetryableWrap(apperr.CodeBlobUnavailable, "store attachment", err)
		}
		blobID, err := p.Blobs.Upsert(ctx, tx, occ.Tenant, domain.BlobKindAttachment, attachmentSHAs[i], putResult.Key, putResult.SizeBytes, &a.ContentType)
		if err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "upsert attachment blob", err)
		}
		if err := p.Attachments.Insert(ctx, tx, &domain.MessageAttachment{
			Tenant: occ.Tenant, Message: messageID, Blob: blobID, Filename: a.Filename,
			ContentType: a.ContentType, SizeBytes: int64(len(a.Payload)), SHA256: attachmentSHAs[i],
			IsInline: a.IsInline, ContentID: a.ContentID,
		}); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "insert attachment row", err)
		}
	}

	if parsed.InReplyTo != nil {
		if err := p.ThreadRefs.Insert(ctx, tx, &domain.MessageThreadRef{Tenant: occ.Tenant, Message: messageID, RefType: domain.ThreadRefInReplyTo, RefRFCMessageID: *parsed.InReplyTo}); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "insert in-reply-to ref", err)
		}
	}
	for _, ref := range parsed.References {
		if err := p.ThreadRefs.Insert(ctx, tx, &domain.MessageThreadRef{Tenant: occ.Tenant, Message: messageID, RefType: domain.ThreadRefReference, RefRFCMessageID: ref}); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "insert reference ref", err)
		}
	}

	res := recipient.Resolve(parsed.HeadersJSON, parsed.ToEmails, parsed.CcEmails)
	if err := p.Occurrences.SetParsed(ctx, tx, occ.ID, messageID, res.Recipient, &res.Source, &res.Confidence, res.Evidence); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "set parsed", err)
	}

	dedupe := fmt.Sprintf("stitch:%s", occ.ID)
	if _, _, err := p.Jobs.EnqueueTx(ctx, tx, domain.JobOccurrenceStitch, &occ.Tenant, &occ.Mailbox,
		jobqueue.OccurrenceIDPayload{OccurrenceID: occ.ID}, &dedupe, time.Now()); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue stitch", err)
	}
	return nil
}

const ticketHeaderName = "X-Oss-Ticket-Id"

var replyToTokenPrefix = "ticket+"

// Stitch attaches the parsed message's occurrence to a ticket,
// preferring an explicit ticket-id header, then a reply-to token,
// then thread reference lookup, opening a new ticket only when none
// of those resolve.
func (p *Pipeline) Stitch(ctx context.Context, tx pgx.Tx, raw json.RawMessage) error {
	payload, err := jobqueue.ParsePayload[jobqueue.OccurrenceIDPayload](raw)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse stitch payload", err)
	}

	occ, err := p.Occurrences.GetForUpdate(ctx, tx, payload.OccurrenceID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load occurrence", err)
	}
	if occ.ReachedOrPast(domain.OccurrenceStitched) {
		return nil
	}
	if occ.MessageID == nil {
		return apperr.Permanent(apperr.CodePermanentJob, "occurrence has no canonical message")
	}

	// A replica occurrence of a message already stitched elsewhere must
	// attach to that same ticket, never open a second one — check this
	// before running the precedence chain at all.
	if existing, err := p.Tickets.FindByMessage(ctx, tx, occ.Tenant, *occ.MessageID); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "find ticket by message", err)
	} else if existing != nil {
		if err := p.Occurrences.SetStitched(ctx, tx, occ.ID, *existing); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "set stitched", err)
		}
		dedupe := fmt.Sprintf("route:%s", occ.ID)
		if _, _, err := p.Jobs.EnqueueTx(ctx, tx, domain.JobTicketApplyRouting, &occ.Tenant, &occ.Mailbox,
			jobqueue.OccurrenceIDPayload{OccurrenceID: occ.ID}, &dedupe, time.Now()); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue apply routing", err)
		}
		return nil
	}

	content, err := p.Contents.GetLatest(ctx, tx, occ.Tenant, *occ.MessageID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load message content", err)
	}

	var ticketID *uuid.UUID
	var reason domain.StitchReason
	var confidence domain.StitchConfidence

	if code := headerValue(content.HeadersJSON, ticketHeaderName); code != "" {
		if found, err := p.Tickets.FindByTicketCode(ctx, tx, occ.Tenant, code); err == nil && found != nil {
			ticketID, reason, confidence = found, domain.StitchReasonXOSSTicketID, domain.StitchConfidenceHigh
		}
	}
	if ticketID == nil {
		for _, addr := range content.ReplyToEmails {
			if token, ok := ticketTokenFromAddress(addr); ok {
				if found, err := p.Tickets.FindByTicketCode(ctx, tx, occ.Tenant, token); err == nil && found != nil {
					ticketID, reason, confidence = found, domain.StitchReasonReplyToToken, domain.StitchConfidenceHigh
					break
				}
			}
		}
	}
	if ticketID == nil {
		found, err := p.ThreadRefs.FindTicketByThreadRefs(ctx, tx, occ.Tenant, *occ.MessageID)
		if err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "find ticket by thread refs", err)
		}
		if found != nil {
			ticketID, reason, confidence = found, domain.StitchReasonThreading, domain.StitchConfidenceMedium
		}
	}

	messageAt := time.Now()
	if content.DateHeader != nil {
		messageAt = *content.DateHeader
	}

	if ticketID == nil {
		subject := content.Subject
		var requester *string
		if occ.Recipient != nil {
			requester = occ.Recipient
		}
		newID, err := p.Tickets.Create(ctx, tx, occ.Tenant, newTicketCode(), subject, requester, domain.StitchReasonNewMessage, domain.StitchConfidenceHigh, messageAt)
		if err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "create ticket", err)
		}
		ticketID = &newID
		reason, confidence = domain.StitchReasonNewMessage, domain.StitchConfidenceHigh
	} else {
		if err := p.Tickets.Reopen(ctx, tx, *ticketID); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "reopen ticket", err)
		}
		if err := p.Tickets.TouchActivity(ctx, tx, *ticketID, messageAt); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "touch ticket activity", err)
		}
	}

	if err := p.Tickets.AttachMessage(ctx, tx, occ.Tenant, *ticketID, *occ.MessageID, reason, confidence); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "attach ticket message", err)
	}
	if err := p.Tickets.RecordEvent(ctx, tx, occ.Tenant, *ticketID, "message_stitched", map[string]any{
		"occurrence_id": occ.ID.String(), "reason": string(reason), "confidence": string(confidence),
	}); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "record stitch event", err)
	}

	if err := p.Occurrences.SetStitched(ctx, tx, occ.ID, *ticketID); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "set stitched", err)
	}

	dedupe := fmt.Sprintf("route:%s", occ.ID)
	if _, _, err := p.Jobs.EnqueueTx(ctx, tx, domain.JobTicketApplyRouting, &occ.Tenant, &occ.Mailbox,
		jobqueue.OccurrenceIDPayload{OccurrenceID: occ.ID}, &dedupe, time.Now()); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue apply routing", err)
	}
	return nil
}

func headerValue(headers map[string][]string, name string) string {
	lowerName := strings.ToLower(name)
	for k, vs := range headers {
		if strings.ToLower(k) == lowerName && len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
	}
	return ""
}

// ticketTokenFromAddress extracts a ticket code from a plus-addressed
// reply-to local part, e.g. "support+ticket+abc123@example.com".
func ticketTokenFromAddress(addr string) (string, bool) {
	local, _, ok := strings.Cut(addr, "@")
	if !ok {
		return "", false
	}
	_, token, ok := strings.Cut(local, "+"+replyToTokenPrefix)
	if ok {
		return token, true
	}
	_, token, ok = strings.Cut(local, replyToTokenPrefix)
	return token, ok
}

func newTicketCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}

// ApplyRouting gates the stitched ticket through the recipient
// allowlist, then evaluates ordered routing rules and applies the
// first match's action.
func (p *Pipeline) ApplyRouting(ctx context.Context, tx pgx.Tx, raw json.RawMessage) error {
	payload, err := jobqueue.ParsePayload[jobqueue.OccurrenceIDPayload](raw)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse apply_routing payload", err)
	}

	occ, err := p.Occurrences.GetForUpdate(ctx, tx, payload.OccurrenceID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load occurrence", err)
	}
	if occ.ReachedOrPast(domain.OccurrenceRouted) {
		return nil
	}
	if occ.TicketID == nil || occ.MessageID == nil {
		return apperr.Permanent(apperr.CodePermanentJob, "occurrence has no ticket to route")
	}

	allowRules, err := p.Allowlist.ListActive(ctx, occ.Tenant)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "list allowlist", err)
	}

	recipientAddr := ""
	if occ.Recipient != nil {
		recipientAddr = *occ.Recipient
	}
	if !routing.Allowed(recipientAddr, allowRules) {
		return p.Occurrences.SetRouted(ctx, tx, occ.ID)
	}

	content, err := p.Contents.GetLatest(ctx, tx, occ.Tenant, *occ.MessageID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load message content", err)
	}

	rules, err := p.RoutingRules.ListOrdered(ctx, occ.Tenant)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "list routing rules", err)
	}

	senderEmail := ""
	senderDomain := ""
	if content.FromEmail != nil {
		senderEmail = *content.FromEmail
		if _, dom, ok := strings.Cut(senderEmail, "@"); ok {
			senderDomain = dom
		}
	}

	action := routing.Evaluate(routing.Input{
		Recipient: recipientAddr, SenderEmail: senderEmail, SenderDomain: senderDomain, Direction: domain.DirectionInbound,
	}, rules)

	if action.Matched {
		if action.Drop {
			if err := p.Tickets.Close(ctx, tx, *occ.TicketID, time.Now()); err != nil {
				return apperr.RetryableWrap(apperr.CodeDatabaseError, "close dropped ticket", err)
			}
		} else {
			if action.AssignUserID != nil || action.AssignQueueID != nil {
				userID, queueID := parseOptionalUUID(action.AssignUserID), parseOptionalUUID(action.AssignQueueID)
				if err := p.Tickets.Assign(ctx, tx, *occ.TicketID, userID, queueID); err != nil {
					return apperr.RetryableWrap(apperr.CodeDatabaseError, "assign ticket", err)
				}
			}
			if action.SetStatus != nil {
				if err := p.Tickets.SetStatus(ctx, tx, *occ.TicketID, *action.SetStatus); err != nil {
					return apperr.RetryableWrap(apperr.CodeDatabaseError, "set ticket status", err)
				}
			}
			if action.AutoClose {
				if err := p.Tickets.Close(ctx, tx, *occ.TicketID, time.Now()); err != nil {
					return apperr.RetryableWrap(apperr.CodeDatabaseError, "auto-close ticket", err)
				}
			}
		}
		if err := p.Tickets.RecordEvent(ctx, tx, occ.Tenant, *occ.TicketID, "routing_applied", map[string]any{"occurrence_id": occ.ID.String()}); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "record routing event", err)
		}
	}

	return p.Occurrences.SetRouted(ctx, tx, occ.ID)
}

func parseOptionalUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

// OutboundSend's entire contract is an idempotency guard: record one
// outbound_sent ticket event per message, and never more than one, no
// matter how many times the job is retried. Actual SMTP/Gmail
// submission is a separate delivery concern and out of scope here.
func (p *Pipeline) OutboundSend(ctx context.Context, tx pgx.Tx, raw json.RawMessage) error {
	payload, err := jobqueue.ParsePayload[jobqueue.OutboundSendPayload](raw)
	if err != nil {
		return apperr.PermanentWrap(apperr.CodePermanentJob, "parse outbound_send payload", err)
	}

	alreadySent, err := p.Tickets.HasOutboundSent(ctx, tx, payload.OrganizationID, payload.TicketID, payload.MessageID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "check outbound sent", err)
	}
	if alreadySent {
		return nil
	}

	if err := p.Tickets.RecordEvent(ctx, tx, payload.OrganizationID, payload.TicketID, "outbound_sent", map[string]any{
		"message_id":       payload.MessageID.String(),
		"send_identity_id": payload.SendIdentityID.String(),
		"to_emails":        payload.ToEmails,
		"cc_emails":        payload.CcEmails,
	}); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "record outbound sent event", err)
	}
	return nil
}
