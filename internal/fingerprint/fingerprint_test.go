package fingerprint

import (
	"testing"
	"time"

	"github.com/ossmail/ingestor/internal/parser"
)

func strPtr(s string) *string { return &s }

func sampleEmail() *parser.ParsedEmail {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &parser.ParsedEmail{
		RFCMessageID: strPtr("<abc123@example.com>"),
		Date:         &date,
		Subject:      strPtr("Re: Invoice"),
		SubjectNorm:  strPtr("invoice"),
		FromEmail:    strPtr("alice@example.com"),
		ToEmails:     []string{"bob@example.com", "aaron@example.com"},
		BodyText:     strPtr("  hello world  "),
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := sampleEmail()
	b := sampleEmail()

	fp1, sig1, err := Compute(a)
	if err != nil {
		t.Fatalf("compute a: %v", err)
	}
	fp2, sig2, err := Compute(b)
	if err != nil {
		t.Fatalf("compute b: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %s != %s", fp1, fp2)
	}
	if sig1 != sig2 {
		t.Errorf("signature not deterministic: %s != %s", sig1, sig2)
	}
}

func TestCompute_RecipientOrderDoesNotAffectSignature(t *testing.T) {
	a := sampleEmail()
	b := sampleEmail()
	b.ToEmails = []string{"aaron@example.com", "bob@example.com"}

	_, sigA, err := Compute(a)
	if err != nil {
		t.Fatalf("compute a: %v", err)
	}
	_, sigB, err := Compute(b)
	if err != nil {
		t.Fatalf("compute b: %v", err)
	}
	if sigA != sigB {
		t.Errorf("signature should be insensitive to recipient order: %s != %s", sigA, sigB)
	}
}

func TestCompute_DifferentBodyChangesFingerprint(t *testing.T) {
	a := sampleEmail()
	b := sampleEmail()
	b.BodyText = strPtr("a completely different body")

	fpA, _, err := Compute(a)
	if err != nil {
		t.Fatalf("compute a: %v", err)
	}
	fpB, _, err := Compute(b)
	if err != nil {
		t.Fatalf("compute b: %v", err)
	}
	if fpA == fpB {
		t.Error("expected different fingerprints for different bodies")
	}
}

func TestCompute_AttachmentPrefixesCappedAtTen(t *testing.T) {
	p := sampleEmail()
	p.Attachments = make([]parser.Attachment, 15)
	for i := range p.Attachments {
		p.Attachments[i] = parser.Attachment{
			Filename: "file.bin",
			Payload:  []byte{byte(i)},
		}
	}

	fpP, _, err := Compute(p)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	shas := AttachmentSHAs(p)
	if len(shas) != 15 {
		t.Fatalf("expected 15 attachment hashes, got %d", len(shas))
	}

	// Same count and same first ten payloads, different 11th..15th:
	// only the first ten prefixes enter the fingerprint.
	q := sampleEmail()
	q.Attachments = make([]parser.Attachment, 15)
	for i := range q.Attachments {
		payload := []byte{byte(i)}
		if i >= 10 {
			payload = []byte{byte(100 + i)}
		}
		q.Attachments[i] = parser.Attachment{Filename: "file.bin", Payload: payload}
	}
	fpQ, _, err := Compute(q)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fpP != fpQ {
		t.Error("expected attachments past the tenth not to affect the fingerprint")
	}
}

func TestAttachmentSHAs_Empty(t *testing.T) {
	p := sampleEmail()
	shas := AttachmentSHAs(p)
	if len(shas) != 0 {
		t.Errorf("expected no attachment hashes, got %d", len(shas))
	}
}
