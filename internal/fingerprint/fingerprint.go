// Package fingerprint computes the two dedup hashes used by the
// canonical message layer: a fingerprint (same logical email seen
// across mailbox copies) and a signature (exact content, distinguishing
// otherwise-identical-looking messages).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ossmail/ingestor/internal/parser"
)

const Version = 1

// canonicalJSON marshals v with sorted map keys and no whitespace.
// encoding/json already sorts map[string]X keys, which is sufficient
// here since every value fed into fingerprint/signature payloads is a
// struct (stable field order) or a slice (order already normalized by
// the caller) — no bare maps reach this function.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type fingerprintPayload struct {
	From                  *string  `json:"from"`
	SubjectNorm           *string  `json:"subject_norm"`
	Date                  *string  `json:"date"`
	BodyHashPrefix        string   `json:"body_hash_prefix"`
	AttachmentCount       int      `json:"attachment_count"`
	AttachmentSHAPrefixes []string `json:"attachment_sha_prefixes"`
}

type signaturePayload struct {
	RFCMessageID  *string  `json:"rfc_message_id"`
	Date          *string  `json:"date"`
	From          *string  `json:"from"`
	To            []string `json:"to"`
	Cc            []string `json:"cc"`
	ReplyTo       []string `json:"reply_to"`
	SubjectNorm   *string  `json:"subject_norm"`
	BodyText      string   `json:"body_text"`
	AttachmentSHA []string `json:"attachment_sha"`
}

// Compute returns (fingerprint_v1, signature_v1) as lowercase hex
// SHA-256 digests over the canonical JSON forms specified for each.
func Compute(p *parser.ParsedEmail) (fingerprintV1 string, signatureV1 string, err error) {
	attachmentSHAs := make([]string, len(p.Attachments))
	for i, a := range p.Attachments {
		attachmentSHAs[i] = hashHex(a.Payload)
	}

	var bodyTextStripped string
	if p.BodyText != nil {
		bodyTextStripped = strings.TrimSpace(*p.BodyText)
	}
	bodyHash := hashHex([]byte(bodyTextStripped))

	prefixCount := len(attachmentSHAs)
	if prefixCount > 10 {
		prefixCount = 10
	}
	attachmentPrefixes := make([]string, prefixCount)
	for i := 0; i < prefixCount; i++ {
		attachmentPrefixes[i] = attachmentSHAs[i][:16]
	}

	var dateDay *string
	if p.Date != nil {
		d := p.Date.Format("2006-01-02")
		dateDay = &d
	}

	fp := fingerprintPayload{
		From:                  p.FromEmail,
		SubjectNorm:           p.SubjectNorm,
		Date:                  dateDay,
		BodyHashPrefix:        bodyHash[:16],
		AttachmentCount:       len(p.Attachments),
		AttachmentSHAPrefixes: attachmentPrefixes,
	}
	fpBytes, err := canonicalJSON(fp)
	if err != nil {
		return "", "", err
	}
	fingerprintV1 = hashHex(fpBytes)

	var dateFull *string
	if p.Date != nil {
		d := p.Date.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		dateFull = &d
	}

	to := sortedCopy(p.ToEmails)
	cc := sortedCopy(p.CcEmails)
	replyTo := sortedCopy(p.ReplyToEmails)

	sig := signaturePayload{
		RFCMessageID:  p.RFCMessageID,
		Date:          dateFull,
		From:          p.FromEmail,
		To:            to,
		Cc:            cc,
		ReplyTo:       replyTo,
		SubjectNorm:   p.SubjectNorm,
		BodyText:      bodyTextStripped,
		AttachmentSHA: attachmentSHAs,
	}
	sigBytes, err := canonicalJSON(sig)
	if err != nil {
		return "", "", err
	}
	signatureV1 = hashHex(sigBytes)

	return fingerprintV1, signatureV1, nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// AttachmentSHAs is exposed so the occurrence_parse handler can persist
// per-attachment hashes without recomputing sha256 a second time.
func AttachmentSHAs(p *parser.ParsedEmail) []string {
	out := make([]string, len(p.Attachments))
	for i, a := range p.Attachments {
		out[i] = hashHex(a.Payload)
	}
	return out
}
