// Package routing applies the allowlist gate and ordered rule
// evaluation that decides what happens to a stitched ticket: drop,
// assign, set status, or auto-close. Glob matching uses the standard
// library's path.Match — no ecosystem glob/fnmatch library appeared
// anywhere in the example pack, and path.Match's shell-style classes
// are exactly what a recipient-pattern allowlist needs.
package routing

import (
	"path"
	"strings"

	"github.com/ossmail/ingestor/internal/domain"
)

// Allowed reports whether recipient matches any enabled allowlist
// pattern. An empty allowlist means nothing is eligible for routing
// rules — everything falls through to manual triage.
func Allowed(recipient string, rules []domain.AllowlistRule) bool {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if ok, _ := path.Match(strings.ToLower(r.Pattern), recipient); ok {
			return true
		}
	}
	return false
}

// Input bundles the message facts rule predicates are matched against.
type Input struct {
	Recipient    string
	SenderEmail  string
	SenderDomain string
	Direction    domain.MessageDirection
}

// Action is the result of the first matching rule, or the zero value
// (no-op) when no rule matches.
type Action struct {
	Matched         bool
	AssignUserID    *string
	AssignQueueID   *string
	SetStatus       *domain.TicketStatus
	AutoClose       bool
	Drop            bool
}

// Evaluate walks rules in (priority ASC, id ASC) order — the order
// RoutingRuleRepo.ListOrdered already returns them in — and returns the
// first rule whose every non-nil predicate matches. Rules with all-nil
// predicates match unconditionally, acting as a catch-all.
func Evaluate(in Input, rules []domain.RoutingRule) Action {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !matches(in, r) {
			continue
		}
		return actionFromRule(r)
	}
	return Action{}
}

func matches(in Input, r domain.RoutingRule) bool {
	if r.Recipient != nil && !globMatch(*r.Recipient, in.Recipient) {
		return false
	}
	if r.SenderDomain != nil && !globMatch(*r.SenderDomain, in.SenderDomain) {
		return false
	}
	if r.SenderEmail != nil && !globMatch(*r.SenderEmail, in.SenderEmail) {
		return false
	}
	if r.Direction != nil && *r.Direction != in.Direction {
		return false
	}
	return true
}

// globMatch applies the same case-insensitive path.Match glob semantics
// as Allowed, so a rule like `sender_domain = "*.spam.example.com"`
// matches the way its fnmatch-based pattern reads.
func globMatch(pattern, value string) bool {
	ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(value))
	return ok
}

func actionFromRule(r domain.RoutingRule) Action {
	a := Action{Matched: true, AutoClose: r.ActionAutoClose, Drop: r.ActionDrop, SetStatus: r.ActionSetStatus}
	if r.ActionAssignUserID != nil {
		s := r.ActionAssignUserID.String()
		a.AssignUserID = &s
	}
	if r.ActionAssignQueueID != nil {
		s := r.ActionAssignQueueID.String()
		a.AssignQueueID = &s
	}
	return a
}
