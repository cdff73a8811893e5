package jobqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ossmail/ingestor/internal/domain"
)

func TestDispatcher_DispatchesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher()

	var got json.RawMessage
	d.Register(domain.JobOccurrenceParse, func(ctx context.Context, tx pgx.Tx, payload json.RawMessage) error {
		got = payload
		return nil
	})

	job := &domain.BgJob{ID: uuid.New(), Type: domain.JobOccurrenceParse, Payload: []byte(`{"occurrence_id":"abc"}`)}
	if err := d.Dispatch(context.Background(), nil, job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(got) != `{"occurrence_id":"abc"}` {
		t.Errorf("handler received %q", got)
	}
}

func TestDispatcher_UnregisteredTypeErrors(t *testing.T) {
	d := NewDispatcher()
	job := &domain.BgJob{ID: uuid.New(), Type: domain.JobMailboxBackfill}
	if err := d.Dispatch(context.Background(), nil, job); err == nil {
		t.Error("expected an error for an unregistered job type")
	}
}

func TestDispatcher_PropagatesHandlerError(t *testing.T) {
	d := NewDispatcher()
	wantErr := context.DeadlineExceeded
	d.Register(domain.JobOutboundSend, func(ctx context.Context, tx pgx.Tx, payload json.RawMessage) error {
		return wantErr
	})

	job := &domain.BgJob{ID: uuid.New(), Type: domain.JobOutboundSend}
	if err := d.Dispatch(context.Background(), nil, job); err != wantErr {
		t.Errorf("Dispatch error = %v, want %v", err, wantErr)
	}
}

func TestParsePayload(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(MailboxSyncPayload{MailboxID: id, Reason: "scheduled"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParsePayload[MailboxSyncPayload](raw)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if parsed.MailboxID != id {
		t.Errorf("MailboxID = %v, want %v", parsed.MailboxID, id)
	}
	if parsed.Reason != "scheduled" {
		t.Errorf("Reason = %q, want scheduled", parsed.Reason)
	}
}

func TestParsePayload_InvalidJSON(t *testing.T) {
	if _, err := ParsePayload[MailboxSyncPayload]([]byte("not json")); err == nil {
		t.Error("expected an error for malformed payload JSON")
	}
}
