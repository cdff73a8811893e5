package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ossmail/ingestor/internal/domain"
)

type AllowlistRepo struct {
	pool *pgxpool.Pool
}

func NewAllowlistRepo(pool *pgxpool.Pool) *AllowlistRepo {
	return &AllowlistRepo{pool: pool}
}

// ListActive returns every enabled allowlist rule for a tenant, used by
// the routing engine's glob membership check.
func (r *AllowlistRepo) ListActive(ctx context.Context, tenant uuid.UUID) ([]domain.AllowlistRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant, pattern, enabled FROM recipient_allowlist
		WHERE tenant = $1 AND enabled = true
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("postgres: list allowlist: %w", err)
	}
	defer rows.Close()

	var out []domain.AllowlistRule
	for rows.Next() {
		var a domain.AllowlistRule
		if err := rows.Scan(&a.ID, &a.Tenant, &a.Pattern, &a.Enabled); err != nil {
			return nil, fmt.Errorf("postgres: list allowlist: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type RoutingRuleRepo struct {
	pool *pgxpool.Pool
}

func NewRoutingRuleRepo(pool *pgxpool.Pool) *RoutingRuleRepo {
	return &RoutingRuleRepo{pool: pool}
}

// ListOrdered returns every enabled rule for a tenant ordered exactly
// as evaluation requires: priority ascending, id ascending, so the
// caller can walk the slice and stop at the first match.
func (r *RoutingRuleRepo) ListOrdered(ctx context.Context, tenant uuid.UUID) ([]domain.RoutingRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant, enabled, priority, recipient, sender_domain, sender_email, direction,
			action_assign_user_id, action_assign_queue_id, action_set_status, action_auto_close, action_drop
		FROM routing_rules
		WHERE tenant = $1 AND enabled = true
		ORDER BY priority ASC, id ASC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("postgres: list routing rules: %w", err)
	}
	defer rows.Close()

	var out []domain.RoutingRule
	for rows.Next() {
		var rr domain.RoutingRule
		var direction *string
		var setStatus *string
		if err := rows.Scan(&rr.ID, &rr.Tenant, &rr.Enabled, &rr.Priority, &rr.Recipient, &rr.SenderDomain, &rr.SenderEmail, &direction,
			&rr.ActionAssignUserID, &rr.ActionAssignQueueID, &setStatus, &rr.ActionAutoClose, &rr.ActionDrop); err != nil {
			return nil, fmt.Errorf("postgres: list routing rules: scan: %w", err)
		}
		if direction != nil {
			d := domain.MessageDirection(*direction)
			rr.Direction = &d
		}
		if setStatus != nil {
			s := domain.TicketStatus(*setStatus)
			rr.ActionSetStatus = &s
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
