// Package recipient resolves the single recipient a parsed email was
// "really" delivered to, via a strict header precedence chain, for
// the allowlist/routing decision downstream.
package recipient

import (
	"net/mail"
	"strings"

	"github.com/ossmail/ingestor/internal/domain"
)

type Result struct {
	Recipient  *string
	Source     domain.RecipientSource
	Confidence domain.RecipientConfidence
	Evidence   map[string]any
}

// headerCandidates returns every address found on a header name,
// case-insensitively, lowercased and parsed as an address list.
func headerCandidates(headers map[string][]string, name string) []string {
	var raw []string
	lowerName := strings.ToLower(name)
	for k, vs := range headers {
		if strings.ToLower(k) == lowerName {
			raw = append(raw, vs...)
		}
	}
	var out []string
	seen := map[string]bool{}
	for _, v := range raw {
		addrs, err := mail.ParseAddressList(v)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			email := strings.ToLower(strings.TrimSpace(a.Address))
			if email == "" || seen[email] {
				continue
			}
			seen[email] = true
			out = append(out, email)
		}
	}
	return out
}

// Resolve picks the recipient per the fixed precedence: X-Gm-Original-To
// (high) > Delivered-To (medium) > X-Original-To (medium) > first To
// (low) > first Cc (low) > unknown (low). The evidence map always
// records every candidate list seen, regardless of which one won.
func Resolve(headers map[string][]string, toEmails, ccEmails []string) Result {
	gmOriginal := headerCandidates(headers, "X-Gm-Original-To")
	deliveredTo := headerCandidates(headers, "Delivered-To")
	xOriginalTo := headerCandidates(headers, "X-Original-To")

	evidence := map[string]any{
		"x_gm_original_to": gmOriginal,
		"delivered_to":     deliveredTo,
		"x_original_to":    xOriginalTo,
		"to":               toEmails,
		"cc":               ccEmails,
	}

	pick := func(candidates []string, source domain.RecipientSource, confidence domain.RecipientConfidence, headerName string) (Result, bool) {
		if len(candidates) == 0 {
			return Result{}, false
		}
		chosen := candidates[0]
		evidence["chosen_header"] = headerName
		evidence["chosen_value"] = chosen
		return Result{
			Recipient:  &chosen,
			Source:     source,
			Confidence: confidence,
			Evidence:   evidence,
		}, true
	}

	if r, ok := pick(gmOriginal, domain.RecipientSourceWorkspaceHeader, domain.ConfidenceHigh, "X-Gm-Original-To"); ok {
		return r
	}
	if r, ok := pick(deliveredTo, domain.RecipientSourceDeliveredTo, domain.ConfidenceMedium, "Delivered-To"); ok {
		return r
	}
	if r, ok := pick(xOriginalTo, domain.RecipientSourceXOriginalTo, domain.ConfidenceMedium, "X-Original-To"); ok {
		return r
	}
	if r, ok := pick(toEmails, domain.RecipientSourceToCCScan, domain.ConfidenceLow, "To"); ok {
		return r
	}
	if r, ok := pick(ccEmails, domain.RecipientSourceToCCScan, domain.ConfidenceLow, "Cc"); ok {
		return r
	}

	evidence["chosen_header"] = nil
	evidence["chosen_value"] = nil
	return Result{
		Recipient:  nil,
		Source:     domain.RecipientSourceUnknown,
		Confidence: domain.ConfidenceLow,
		Evidence:   evidence,
	}
}
