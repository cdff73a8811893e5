// Package worker runs the polling loop that claims and dispatches
// background jobs: one job per transaction, claim via
// FOR UPDATE SKIP LOCKED, dispatch through the per-type handler map
// of the Dispatcher, then mark succeeded/failed inside the same transaction.
// Concurrency is provided by a fixed go-pkgz/pool worker group, one
// long-lived poller per slot.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/internal/jobqueue"
	"github.com/ossmail/ingestor/internal/sync"
	"github.com/ossmail/ingestor/pkg/apperr"
)

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	EmptyPollInterval time.Duration
	BackoffCapSeconds float64
	OrphanReapEvery   time.Duration
	OrphanReapOlder   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		EmptyPollInterval: 2 * time.Second,
		BackoffCapSeconds: 60,
		OrphanReapEvery:   5 * time.Minute,
		OrphanReapOlder:   10 * time.Minute,
	}
}

type Runtime struct {
	pool         *pgxpool.Pool
	jobs         *jobqueue.Queue
	dispatcher   *jobqueue.Dispatcher
	orchestrator *sync.Orchestrator
	cfg          Config
	log          zerolog.Logger
	workerID     string
}

func New(db *pgxpool.Pool, jobs *jobqueue.Queue, dispatcher *jobqueue.Dispatcher, orchestrator *sync.Orchestrator, cfg Config, log zerolog.Logger) *Runtime {
	return &Runtime{
		pool: db, jobs: jobs, dispatcher: dispatcher, orchestrator: orchestrator, cfg: cfg, log: log,
		workerID: uuid.New().String(),
	}
}

// pollSlot is the unit submitted to the pool; one per concurrent
// poller, carrying no data of its own.
type pollSlot struct{}

// poller implements go-pkgz/pool's Worker interface: Do runs the claim
// loop for a single slot until ctx is cancelled.
type poller struct {
	r *Runtime
}

func (p *poller) Do(ctx context.Context, _ pollSlot) error {
	p.r.pollLoop(ctx)
	return nil
}

// Run blocks until ctx is cancelled, driving a fixed-size worker group
// from go-pkgz/pool (one long-lived poller per Concurrency slot) and a
// separate orphan-reaper ticker.
func (r *Runtime) Run(ctx context.Context) error {
	group := pool.New[pollSlot](r.cfg.Concurrency, &poller{r: r}).
		WithWorkerChanSize(1).
		WithContinueOnError()

	if err := group.Go(ctx); err != nil {
		return fmt.Errorf("worker: start pool: %w", err)
	}
	for i := 0; i < r.cfg.Concurrency; i++ {
		group.Submit(pollSlot{})
	}

	ticker := time.NewTicker(r.cfg.OrphanReapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := group.Close(closeCtx); err != nil {
				r.log.Warn().Err(err).Msg("error closing worker pool")
			}
			return nil
		case <-ticker.C:
			if n, err := r.jobs.ReapOrphans(ctx, r.cfg.OrphanReapOlder); err != nil {
				r.log.Error().Err(err).Msg("orphan reap failed")
			} else if n > 0 {
				r.log.Info().Int64("count", n).Msg("reaped orphaned jobs")
			}
		}
	}
}

func (r *Runtime) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := r.claimAndRun(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("job processing error")
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.EmptyPollInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// claimAndRun claims at most one job and runs it to completion inside
// a single transaction, reporting whether a job was claimed at all.
func (r *Runtime) claimAndRun(ctx context.Context) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("worker: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := r.jobs.ClaimOne(ctx, tx, r.workerID)
	if err != nil {
		return false, fmt.Errorf("worker: claim: %w", err)
	}
	if job == nil {
		return false, tx.Commit(ctx)
	}

	dispatchErr := r.dispatcher.Dispatch(ctx, tx, job)
	if dispatchErr == nil {
		if err := r.jobs.MarkSucceeded(ctx, tx, job.ID); err != nil {
			return true, fmt.Errorf("worker: mark succeeded: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return true, fmt.Errorf("worker: commit success: %w", err)
		}
		return true, nil
	}

	permanent := !apperr.IsRetryable(dispatchErr)
	breakerTrip := !permanent && r.mailboxBreakerTrips(job)
	if breakerTrip {
		if err := r.jobs.MarkFailedTerminal(ctx, tx, job.ID, dispatchErr.Error()); err != nil {
			return true, fmt.Errorf("worker: mark failed terminal: %w", err)
		}
	} else if err := r.jobs.MarkFailed(ctx, tx, job.ID, dispatchErr.Error(), permanent, r.cfg.BackoffCapSeconds); err != nil {
		return true, fmt.Errorf("worker: mark failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("worker: commit failure: %w", err)
	}

	r.log.Warn().Err(dispatchErr).Str("job_type", string(job.Type)).Str("job_id", job.ID.String()).Int("attempts", job.Attempts+1).Msg("job failed")

	if breakerTrip {
		r.pauseMailboxAfterBreakerTrip(job)
	}
	return true, nil
}

// mailboxBreakerTrips reports whether this failure is the Nth
// consecutive failure of a mailbox_backfill/mailbox_history_sync job,
// using the durable bg_jobs.attempts column populated by ClaimOne
// rather than in-process bookkeeping — attempts survives worker
// restarts and is shared across every worker process polling the same
// queue, which an in-memory counter per process cannot be.
func (r *Runtime) mailboxBreakerTrips(job *domain.BgJob) bool {
	if job.Type != domain.JobMailboxBackfill && job.Type != domain.JobMailboxHistorySync {
		return false
	}
	if job.Mailbox == nil {
		return false
	}
	return job.Attempts+1 >= sync.ConsecutiveFailLimit
}

func (r *Runtime) pauseMailboxAfterBreakerTrip(job *domain.BgJob) {
	mailboxID := *job.Mailbox
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.orchestrator.PauseMailbox(ctx, mailboxID, job.Type); err != nil {
		r.log.Error().Err(err).Str("mailbox_id", mailboxID.String()).Msg("failed to pause mailbox after breaker trip")
	}
}
