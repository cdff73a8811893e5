// Package sync drives the two mailbox-level jobs: a one-time backfill
// over messages.list and the steady-state incremental history.list
// poll. Both jobs are fully re-runnable: a crash mid-page just repeats
// the last unflushed page's occurrence upserts, which are themselves
// idempotent on (tenant, mailbox, provider_message_id).
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/internal/jobqueue"
	"github.com/ossmail/ingestor/internal/oauthcache"
	"github.com/ossmail/ingestor/internal/provider/gmail"
	"github.com/ossmail/ingestor/internal/storage/postgres"
	"github.com/ossmail/ingestor/pkg/apperr"
)

const (
	listPageSize         = 100
	consecutiveFailLimit = 5
	pauseDuration        = 15 * time.Minute
)

type Orchestrator struct {
	pool        *pgxpool.Pool
	mailboxes   *postgres.MailboxRepo
	occurrences *postgres.OccurrenceRepo
	jobs        *jobqueue.Queue
	tokens      *oauthcache.Cache
	gmailCfg    gmail.Config
}

func New(pool *pgxpool.Pool, mailboxes *postgres.MailboxRepo, occurrences *postgres.OccurrenceRepo, jobs *jobqueue.Queue, tokens *oauthcache.Cache, gmailCfg gmail.Config) *Orchestrator {
	return &Orchestrator{pool: pool, mailboxes: mailboxes, occurrences: occurrences, jobs: jobs, tokens: tokens, gmailCfg: gmailCfg}
}

// dialClient fetches a live access token via the oauth cache and builds
// a Gmail client authorized with it.
func (o *Orchestrator) dialClient(ctx context.Context, mb *domain.Mailbox, subject string) (*gmail.Client, *gmailv1.Service, error) {
	token, err := o.tokens.LiveAccessToken(ctx, mb.Tenant, mb.Provider, subject, mb.OAuthCredentialID)
	if err != nil {
		return nil, nil, err
	}
	client, svc, err := gmail.NewClient(ctx, o.gmailCfg, &oauth2.Token{AccessToken: token})
	if err != nil {
		return nil, nil, apperr.RetryableWrap(apperr.CodeGmailAPI, "dial gmail client", err)
	}
	return client, svc, nil
}

// Backfill pages through messages.list (IncludeSpamTrash), upserting
// one occurrence row and enqueuing occurrence_fetch_raw per message,
// then records the profile's history id as the watermark for the
// subsequent history sync job.
func (o *Orchestrator) Backfill(ctx context.Context, mailboxID uuid.UUID) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "begin backfill tx", err)
	}
	defer tx.Rollback(ctx)

	mb, err := o.mailboxes.GetForUpdate(ctx, tx, mailboxID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load mailbox", err)
	}
	if mb.Paused(time.Now()) {
		return tx.Commit(ctx)
	}

	client, svc, err := o.dialClient(ctx, mb, mb.EmailAddress)
	if err != nil {
		return o.recordSyncFailure(ctx, mb.ID, err)
	}

	profile, err := client.GetProfile(ctx, svc)
	if err != nil {
		return o.recordSyncFailure(ctx, mb.ID, err)
	}

	pageToken := ""
	for {
		page, err := client.ListMessages(ctx, svc, pageToken, listPageSize)
		if err != nil {
			return o.recordSyncFailure(ctx, mb.ID, err)
		}

		for _, ref := range page.Messages {
			threadID := ref.ThreadID
			occID, err := o.occurrences.Upsert(ctx, tx, mb.Tenant, mb.ID, ref.ID, &threadID, nil, nil, nil)
			if err != nil {
				return apperr.RetryableWrap(apperr.CodeDatabaseError, "upsert occurrence", err)
			}
			if err := o.enqueueFetchRaw(ctx, tx, mb, occID); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	historyID := fmt.Sprintf("%d", profile.HistoryID)
	if err := o.mailboxes.UpdateBackfillCompletion(ctx, tx, mb.ID, historyID); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "update backfill completion", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "commit backfill tx", err)
	}
	return nil
}

// HistorySync pages through history.list(messageAdded) from the stored
// watermark. A 404 means the watermark aged out of Gmail's history
// window; recovery is to re-run Backfill from scratch, which both
// re-establishes the watermark and catches any messages the expired
// window skipped.
func (o *Orchestrator) HistorySync(ctx context.Context, mailboxID uuid.UUID) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "begin history sync tx", err)
	}
	defer tx.Rollback(ctx)

	mb, err := o.mailboxes.GetForUpdate(ctx, tx, mailboxID)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "load mailbox", err)
	}
	if mb.Paused(time.Now()) {
		return tx.Commit(ctx)
	}
	if mb.GmailHistoryID == nil {
		return apperr.Permanent(apperr.CodePermanentJob, "history sync requires a prior backfill watermark")
	}

	client, svc, err := o.dialClient(ctx, mb, mb.EmailAddress)
	if err != nil {
		return o.recordSyncFailure(ctx, mb.ID, err)
	}

	startHistoryID := parseUint(*mb.GmailHistoryID)
	pageToken := ""
	var latestHistoryID uint64

	for {
		page, err := client.ListHistory(ctx, svc, startHistoryID, pageToken)
		if err != nil {
			var expired *gmail.HistoryExpiredError
			if errors.As(err, &expired) {
				tx.Rollback(ctx)
				return o.recoverFromHistoryExpired(ctx, mb)
			}
			return o.recordSyncFailure(ctx, mb.ID, err)
		}

		for _, added := range page.MessagesAdded {
			occID, err := o.occurrences.Upsert(ctx, tx, mb.Tenant, mb.ID, added.MessageID, nil, nil, nil, nil)
			if err != nil {
				return apperr.RetryableWrap(apperr.CodeDatabaseError, "upsert occurrence", err)
			}
			if err := o.enqueueFetchRaw(ctx, tx, mb, occID); err != nil {
				return err
			}
		}

		if page.HistoryID > latestHistoryID {
			latestHistoryID = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if latestHistoryID > 0 {
		if err := o.mailboxes.UpdateHistorySyncCompletion(ctx, tx, mb.ID, fmt.Sprintf("%d", latestHistoryID)); err != nil {
			return apperr.RetryableWrap(apperr.CodeDatabaseError, "update history sync completion", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "commit history sync tx", err)
	}
	return nil
}

func (o *Orchestrator) enqueueFetchRaw(ctx context.Context, tx pgx.Tx, mb *domain.Mailbox, occID uuid.UUID) error {
	dedupe := fmt.Sprintf("fetch_raw:%s", occID)
	_, _, err := o.jobs.EnqueueTx(ctx, tx, domain.JobOccurrenceFetchRaw, &mb.Tenant, &mb.ID,
		jobqueue.OccurrenceIDPayload{OccurrenceID: occID}, &dedupe, time.Now())
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue fetch raw", err)
	}
	return nil
}

// recoverFromHistoryExpired runs in its own transaction (the caller's
// has already been rolled back): it records the expiry on the mailbox
// and enqueues a fresh mailbox_backfill job instead of re-running
// Backfill in-process, so recovery goes through the same durable,
// at-least-once queue every other job does. Returns nil on success —
// the history_sync job itself is considered handled, not failed.
func (o *Orchestrator) recoverFromHistoryExpired(ctx context.Context, mb *domain.Mailbox) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "begin history-expired recovery tx", err)
	}
	defer tx.Rollback(ctx)

	if err := o.mailboxes.SetSyncError(ctx, tx, mb.ID, (&gmail.HistoryExpiredError{}).Error()); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "record history sync failure", err)
	}

	dedupe := fmt.Sprintf("mailbox_backfill:%s", mb.ID)
	if _, _, err := o.jobs.EnqueueTx(ctx, tx, domain.JobMailboxBackfill, &mb.Tenant, &mb.ID,
		jobqueue.MailboxSyncPayload{OrganizationID: mb.Tenant, MailboxID: mb.ID, Reason: "history_invalid"}, &dedupe, time.Now()); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "enqueue mailbox backfill", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "commit history-expired recovery tx", err)
	}
	return nil
}

// recordSyncFailure persists the error on the mailbox in its own short
// transaction (the caller's tx is being abandoned) and returns the
// cause so the job handler can decide retry/circuit-breaker behavior.
func (o *Orchestrator) recordSyncFailure(ctx context.Context, mailboxID uuid.UUID, cause error) error {
	tx, err := o.pool.Begin(ctx)
	if err == nil {
		_ = o.mailboxes.SetSyncError(ctx, tx, mailboxID, cause.Error())
		_ = tx.Commit(ctx)
	}
	return cause
}

// PauseMailbox applies the sync circuit breaker on the Nth consecutive
// retryable failure of mailbox_backfill/mailbox_history_sync.
func (o *Orchestrator) PauseMailbox(ctx context.Context, mailboxID uuid.UUID, jobType domain.JobType) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return apperr.RetryableWrap(apperr.CodeDatabaseError, "begin pause tx", err)
	}
	defer tx.Rollback(ctx)

	reason := fmt.Sprintf("paused after %d consecutive failures of %s", consecutiveFailLimit, jobType)
	until := time.Now().Add(pauseDuration)
	if err := o.mailboxes.Pause(ctx, tx, mailboxID, until, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func parseUint(s string) uint64 {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}

// ConsecutiveFailLimit exposes the breaker threshold for the worker
// runtime's failure-streak bookkeeping.
const ConsecutiveFailLimit = consecutiveFailLimit
