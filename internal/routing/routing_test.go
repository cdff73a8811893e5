package routing

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ossmail/ingestor/internal/domain"
)

func TestAllowed(t *testing.T) {
	rules := []domain.AllowlistRule{
		{Pattern: "support@*.example.com", Enabled: true},
		{Pattern: "billing@example.com", Enabled: false},
	}

	cases := []struct {
		name      string
		recipient string
		want      bool
	}{
		{"matches glob domain", "support@mail.example.com", true},
		{"case insensitive", "SUPPORT@MAIL.EXAMPLE.COM", true},
		{"disabled rule never matches", "billing@example.com", false},
		{"no rule matches", "random@other.com", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(tc.recipient, rules); got != tc.want {
				t.Errorf("Allowed(%q) = %v, want %v", tc.recipient, got, tc.want)
			}
		})
	}
}

func TestAllowed_EmptyAllowlistDeniesEverything(t *testing.T) {
	if Allowed("anyone@example.com", nil) {
		t.Error("expected no match against an empty allowlist")
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	queueID := uuid.New()
	status := domain.TicketStatusOpen

	rules := []domain.RoutingRule{
		{
			ID:            uuid.New(),
			Enabled:       true,
			Priority:      1,
			SenderDomain:  strPtr("spam.example.com"),
			ActionDrop:    true,
		},
		{
			ID:                  uuid.New(),
			Enabled:             true,
			Priority:            2,
			ActionAssignQueueID: &queueID,
			ActionSetStatus:     &status,
		},
	}

	in := Input{Recipient: "support@example.com", SenderDomain: "spam.example.com"}
	action := Evaluate(in, rules)
	if !action.Matched || !action.Drop {
		t.Fatalf("expected the drop rule to match first, got %+v", action)
	}

	in2 := Input{Recipient: "support@example.com", SenderDomain: "legit.example.com"}
	action2 := Evaluate(in2, rules)
	if !action2.Matched || action2.AssignQueueID == nil {
		t.Fatalf("expected the catch-all assign rule to match, got %+v", action2)
	}
}

func TestEvaluate_SenderDomainGlobPredicate(t *testing.T) {
	rules := []domain.RoutingRule{
		{
			ID:           uuid.New(),
			Enabled:      true,
			Priority:     1,
			SenderDomain: strPtr("*.spam.example.com"),
			ActionDrop:   true,
		},
	}

	matching := Input{Recipient: "support@example.com", SenderDomain: "mail.spam.example.com"}
	if a := Evaluate(matching, rules); !a.Matched || !a.Drop {
		t.Fatalf("expected glob sender_domain pattern to match a subdomain, got %+v", a)
	}

	nonMatching := Input{Recipient: "support@example.com", SenderDomain: "legit.example.com"}
	if a := Evaluate(nonMatching, rules); a.Matched {
		t.Fatalf("expected glob sender_domain pattern not to match an unrelated domain, got %+v", a)
	}
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	rules := []domain.RoutingRule{
		{ID: uuid.New(), Enabled: false, ActionDrop: true},
	}
	action := Evaluate(Input{Recipient: "x@example.com"}, rules)
	if action.Matched {
		t.Error("expected a disabled rule to never match")
	}
}

func TestEvaluate_DirectionPredicate(t *testing.T) {
	outbound := domain.DirectionOutbound
	rules := []domain.RoutingRule{
		{ID: uuid.New(), Enabled: true, Direction: &outbound, ActionAutoClose: true},
	}

	if a := Evaluate(Input{Direction: domain.DirectionInbound}, rules); a.Matched {
		t.Error("expected no match for mismatched direction")
	}
	if a := Evaluate(Input{Direction: domain.DirectionOutbound}, rules); !a.Matched {
		t.Error("expected a match for the matching direction")
	}
}

func strPtr(s string) *string { return &s }
