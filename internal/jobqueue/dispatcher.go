package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ossmail/ingestor/internal/domain"
)

// Handler is a single job handler: it receives the claimed job's raw
// payload and the transaction it must do its work within, and returns
// an error classified by apperr.IsRetryable.
type Handler func(ctx context.Context, tx pgx.Tx, payload json.RawMessage) error

// Dispatcher maps each JobType to the handler registered for it at
// startup, grounded in the teacher's worker_dispatcher.go Handler.Process
// method — job handlers are plain functions keyed by type, not virtual
// methods. Dispatch rejects a type with no registered handler with an
// error at run time; the compiler does not check that every JobType has
// a handler.
type Dispatcher struct {
	handlers map[domain.JobType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.JobType]Handler)}
}

// Register wires a handler for a job type. Called once per type at
// startup from cmd/ingestor's wiring.
func (d *Dispatcher) Register(jobType domain.JobType, h Handler) {
	d.handlers[jobType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, tx pgx.Tx, job *domain.BgJob) error {
	h, ok := d.handlers[job.Type]
	if !ok {
		return fmt.Errorf("jobqueue: no handler registered for job type %q", job.Type)
	}
	return h(ctx, tx, job.Payload)
}

// ParsePayload unmarshals a job's raw payload into T, mirroring the
// teacher's generic ParsePayload helper.
func ParsePayload[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("jobqueue: parse payload: %w", err)
	}
	return &v, nil
}
