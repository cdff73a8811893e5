// Package jobqueue implements the durable work queue: idempotent
// enqueue on a partial unique index, atomic claim via
// FOR UPDATE SKIP LOCKED, and exponential backoff on retryable
// failure.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ossmail/ingestor/internal/domain"
)

type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue inserts a new job, returning (id, true) on insert or
// (uuid.Nil, false) when a live duplicate already occupies the
// (tenant, type, dedupe_key) slot. Payload is marshaled to canonical
// JSON with sorted keys: encoding/json sorts map keys, and encodes
// struct fields in declaration order, which the payload structs in
// types.go keep sorted by JSON key.
func (q *Queue) Enqueue(ctx context.Context, jobType domain.JobType, tenant, mailbox *uuid.UUID, payload any, dedupeKey *string, runAt time.Time) (uuid.UUID, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	id := uuid.New()
	row := q.pool.QueryRow(ctx, `
		INSERT INTO bg_jobs (id, tenant, mailbox, type, status, run_at, attempts, max_attempts, dedupe_key, payload)
		VALUES ($1, $2, $3, $4, 'queued', $5, 0, $6, $7, $8)
		ON CONFLICT (tenant, type, dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('queued', 'running') DO NOTHING
		RETURNING id
	`, id, tenant, mailbox, string(jobType), runAt, domain.DefaultMaxAttempts, dedupeKey, body)

	var returned uuid.UUID
	if err := row.Scan(&returned); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return returned, true, nil
}

// EnqueueTx is Enqueue run inside an existing transaction, so a job
// handler's follow-up enqueue commits atomically with its own state
// transition.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, jobType domain.JobType, tenant, mailbox *uuid.UUID, payload any, dedupeKey *string, runAt time.Time) (uuid.UUID, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO bg_jobs (id, tenant, mailbox, type, status, run_at, attempts, max_attempts, dedupe_key, payload)
		VALUES ($1, $2, $3, $4, 'queued', $5, 0, $6, $7, $8)
		ON CONFLICT (tenant, type, dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('queued', 'running') DO NOTHING
		RETURNING id
	`, id, tenant, mailbox, string(jobType), runAt, domain.DefaultMaxAttempts, dedupeKey, body)

	var returned uuid.UUID
	if err := row.Scan(&returned); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("jobqueue: enqueue tx: %w", err)
	}
	return returned, true, nil
}

// ClaimOne atomically claims the oldest runnable job for this worker.
func (q *Queue) ClaimOne(ctx context.Context, tx pgx.Tx, workerID string) (*domain.BgJob, error) {
	row := tx.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM bg_jobs
			WHERE status = 'queued' AND run_at <= now()
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE bg_jobs SET status = 'running', locked_at = now(), locked_by = $1
		WHERE id IN (SELECT id FROM next)
		RETURNING id, tenant, mailbox, type, payload, attempts, max_attempts, dedupe_key
	`, workerID)

	var job domain.BgJob
	var jobType string
	if err := row.Scan(&job.ID, &job.Tenant, &job.Mailbox, &jobType, &job.Payload, &job.Attempts, &job.MaxAttempts, &job.DedupeKey); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobRunning
	return &job, nil
}

func (q *Queue) MarkSucceeded(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE bg_jobs SET status = 'succeeded', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("jobqueue: mark succeeded: %w", err)
	}
	return nil
}

// Backoff returns min(60s, 0.5 * 2^min(attempts, 8)) — attempts is the
// count AFTER this failure's increment.
func Backoff(attempts int, capSeconds float64) time.Duration {
	exp := attempts
	if exp > 8 {
		exp = 8
	}
	seconds := 0.5 * math.Pow(2, float64(exp))
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// MarkFailed increments attempts and either terminates the job
// (permanent, or attempts exhausted) or requeues it after backoff.
func (q *Queue) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string, permanent bool, backoffCapSeconds float64) error {
	var attempts, maxAttempts int
	row := tx.QueryRow(ctx, `SELECT attempts + 1, max_attempts FROM bg_jobs WHERE id = $1`, id)
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		return fmt.Errorf("jobqueue: mark failed: read: %w", err)
	}

	if permanent || attempts >= maxAttempts {
		_, err := tx.Exec(ctx, `
			UPDATE bg_jobs SET status = 'failed', attempts = $2, last_error = $3, locked_at = NULL, locked_by = NULL, updated_at = now()
			WHERE id = $1
		`, id, attempts, errMsg)
		if err != nil {
			return fmt.Errorf("jobqueue: mark failed: terminal update: %w", err)
		}
		return nil
	}

	runAt := time.Now().Add(Backoff(attempts, backoffCapSeconds))
	_, err := tx.Exec(ctx, `
		UPDATE bg_jobs SET status = 'queued', attempts = $2, last_error = $3, run_at = $4, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1
	`, id, attempts, errMsg, runAt)
	if err != nil {
		return fmt.Errorf("jobqueue: mark failed: requeue update: %w", err)
	}
	return nil
}

// MarkFailedTerminal forces a job to 'failed' regardless of attempts
// remaining — used by the mailbox circuit breaker, which treats the
// 5th consecutive retryable failure as terminal even though backoff
// would otherwise continue.
func (q *Queue) MarkFailedTerminal(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE bg_jobs SET status = 'failed', attempts = attempts + 1, last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("jobqueue: mark failed terminal: %w", err)
	}
	return nil
}

// ReapOrphans resets jobs stuck in 'running' with a locked_at older
// than the threshold back to 'queued', recovering from a worker that
// died mid-transaction. Intended to be called on a periodic sweep.
func (q *Queue) ReapOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE bg_jobs SET status = 'queued', locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = 'running' AND locked_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("jobqueue: reap orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetter lists failed jobs for the ops debug surface.
func (q *Queue) DeadLetter(ctx context.Context, limit int) ([]domain.BgJob, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, tenant, mailbox, type, status, run_at, attempts, max_attempts, last_error, dedupe_key, created_at, updated_at
		FROM bg_jobs WHERE status = 'failed' ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: dead letter: %w", err)
	}
	defer rows.Close()

	var out []domain.BgJob
	for rows.Next() {
		var j domain.BgJob
		var jobType, status string
		if err := rows.Scan(&j.ID, &j.Tenant, &j.Mailbox, &jobType, &status, &j.RunAt, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.DedupeKey, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("jobqueue: dead letter: scan: %w", err)
		}
		j.Type = domain.JobType(jobType)
		j.Status = domain.JobStatus(status)
		out = append(out, j)
	}
	return out, rows.Err()
}
