// Package parser turns an RFC 822 byte string into a ParsedEmail:
// headers multimap, plain and sanitized HTML bodies, attachments, and
// normalized subject/reference fields. Charset decode errors fall back
// to the replacement character rather than aborting the whole message;
// Parse does return an error when the header block or the MIME part
// structure cannot be read.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

type Attachment struct {
	Filename    string
	ContentType string
	IsInline    bool
	ContentID   *string
	Payload     []byte
}

type ParsedEmail struct {
	RFCMessageID *string

	Date *time.Time

	Subject     *string
	SubjectNorm *string

	FromEmail *string
	FromName  *string

	ReplyToEmails []string
	ToEmails      []string
	CcEmails      []string

	HeadersJSON map[string][]string

	BodyText          *string
	BodyHTMLSanitized *string

	Attachments []Attachment

	InReplyTo  *string
	References []string
}

var subjectPrefixRe = regexp.MustCompile(`(?i)^(re|fw|fwd)\s*:\s*`)

// normalizeSubject strips any chain of re:/fw:/fwd: prefixes
// (case-insensitive) iteratively until the result is stable. An
// entirely blank result becomes absent rather than an empty string.
func normalizeSubject(subject string) *string {
	s := strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(s, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	if s == "" {
		return nil
	}
	return &s
}

// Parse decodes a raw RFC 822 message into a ParsedEmail.
func Parse(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parser: read message: %w", err)
	}

	headers := multimapFromHeader(msg.Header)
	out := &ParsedEmail{HeadersJSON: headers}

	if mid := strings.TrimSpace(msg.Header.Get("Message-ID")); mid != "" {
		out.RFCMessageID = &mid
	}

	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			if t.Location() == time.UTC || t.Location().String() == "" {
				t = t.UTC()
			}
			t = t.UTC()
			out.Date = &t
		}
	}

	if subj := msg.Header.Get("Subject"); subj != "" {
		decoded := decodeMIMEHeader(subj)
		out.Subject = &decoded
		out.SubjectNorm = normalizeSubject(decoded)
	}

	if from := msg.Header.Get("From"); from != "" {
		if addrs, err := mail.ParseAddressList(from); err == nil && len(addrs) > 0 {
			email := strings.ToLower(addrs[0].Address)
			out.FromEmail = &email
			if addrs[0].Name != "" {
				name := addrs[0].Name
				out.FromName = &name
			}
		}
	}

	out.ReplyToEmails = parseAddressListLower(msg.Header.Get("Reply-To"))
	out.ToEmails = parseAddressListLower(msg.Header.Get("To"))
	out.CcEmails = parseAddressListLower(msg.Header.Get("Cc"))

	if irt := strings.TrimSpace(msg.Header.Get("In-Reply-To")); irt != "" {
		out.InReplyTo = &irt
	}
	if refs := msg.Header.Get("References"); refs != "" {
		out.References = strings.Fields(refs)
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	var textParts []string
	var htmlParts []string

	if err := walkParts(msg.Header, msg.Body, contentType, &textParts, &htmlParts, &out.Attachments); err != nil {
		return nil, fmt.Errorf("parser: walk mime parts: %w", err)
	}

	if len(textParts) > 0 {
		joined := strings.TrimSpace(strings.Join(textParts, "\n\n"))
		if joined != "" {
			out.BodyText = &joined
		}
	}
	if len(htmlParts) > 0 {
		sanitized := SanitizeHTML(strings.Join(htmlParts, "\n"))
		sanitized = Linkify(sanitized)
		if strings.TrimSpace(sanitized) != "" {
			out.BodyHTMLSanitized = &sanitized
		}
	}

	return out, nil
}

func multimapFromHeader(h mail.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		copied := make([]string, len(vs))
		copy(copied, vs)
		out[k] = copied
	}
	return out
}

func decodeMIMEHeader(s string) string {
	dec := new(mime.WordDecoder)
	dec.CharsetReader = charsetReader
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func parseAddressListLower(raw string) []string {
	if raw == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		email := strings.ToLower(strings.TrimSpace(a.Address))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

// charsetReader decodes a non-UTF-8 body/header using the declared
// charset, falling back to the UTF-8 replacement character rather than
// failing the overall parse when the charset is unknown or the bytes
// are invalid for it.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return input, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return input, nil
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func decodeBodyBytes(raw []byte, charset string) []byte {
	if charset == "" {
		charset = "utf-8"
	}
	r, err := charsetReader(charset, bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	if !utf8.Valid(decoded) {
		decoded = bytes.ToValidUTF8(decoded, string(utf8.RuneError))
	}
	return decoded
}

func walkParts(parentHeader mail.Header, body io.Reader, contentType string, textParts, htmlParts *[]string, attachments *[]Attachment) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "utf-8"}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := handlePart(part, textParts, htmlParts, attachments); err != nil {
				return err
			}
		}
		return nil
	}

	// Non-multipart top-level body.
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	decoded := decodeBodyBytes(data, params["charset"])
	switch mediaType {
	case "text/html":
		*htmlParts = append(*htmlParts, string(decoded))
	default:
		*textParts = append(*textParts, string(decoded))
	}
	return nil
}

func handlePart(part *multipart.Part, textParts, htmlParts *[]string, attachments *[]Attachment) error {
	ct := part.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "utf-8"}
	}

	disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	filename := part.FileName()
	if filename == "" {
		filename = dispParams["filename"]
	}

	isAttachment := (disposition == "attachment" || disposition == "inline") && filename != ""

	data, err := io.ReadAll(decodeTransferEncoding(part))
	if err != nil {
		return err
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil
		}
		mr := multipart.NewReader(bytes.NewReader(data), boundary)
		for {
			nested, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := handlePart(nested, textParts, htmlParts, attachments); err != nil {
				return err
			}
		}
		return nil
	}

	if isAttachment {
		var contentID *string
		if cid := strings.Trim(part.Header.Get("Content-Id"), "<>"); cid != "" {
			contentID = &cid
		}
		*attachments = append(*attachments, Attachment{
			Filename:    decodeMIMEHeader(filename),
			ContentType: mediaType,
			IsInline:    disposition == "inline",
			ContentID:   contentID,
			Payload:     data,
		})
		return nil
	}

	decoded := decodeBodyBytes(data, params["charset"])
	switch mediaType {
	case "text/html":
		*htmlParts = append(*htmlParts, string(decoded))
	case "text/plain":
		*textParts = append(*textParts, string(decoded))
	}
	return nil
}

// decodeTransferEncoding handles base64 explicitly; multipart.Part
// already transparently decodes quoted-printable per its documented
// special case, and 7bit/8bit/binary need no transform.
func decodeTransferEncoding(part *multipart.Part) io.Reader {
	enc := strings.ToLower(part.Header.Get("Content-Transfer-Encoding"))
	if enc == "base64" {
		return base64.NewDecoder(base64.StdEncoding, part)
	}
	return part
}
